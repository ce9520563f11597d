package main

import (
	"github.com/spf13/cobra"

	"github.com/ritzau/mindmap/pkg/config"
)

var (
	configPath string

	// cfg is loaded before every subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mindmap",
	Short: "Persistent, queryable project graph",
	Long: `mindmap keeps a graph of a project's files, functions, classes and
variables, answers structured MATCH queries and free-text relevance searches
over it, and reclaims memory by pruning weak edges and compressing variables
into lazily reloadable summaries.

Configuration is read from mindmap.toml, MINDMAP_* environment variables and
flags, in increasing priority.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cmd.Flags(), configPath); err != nil {
			return err
		}
		return cfg.ApplyLogging()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ./"+config.DefaultFile+" when present)")
	pf.String("root", ".", "Project root to scan and watch")
	pf.String("snapshot", ".mindmap/graph.json.zst", "Snapshot file; .zst and .gz are compressed")
	pf.String("verbosity", "", "Log level: trace, debug, info, warn or error")
	pf.CountP("verbose", "v", "Increase log verbosity (-v debug, -vv trace)")
	pf.Bool("json", false, "Log as JSON and print results as JSON")
}
