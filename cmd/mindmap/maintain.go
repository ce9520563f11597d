package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/output"
	"github.com/ritzau/mindmap/pkg/reclaim"
)

var (
	dryRun        bool
	compressScope string

	reloadScope       string
	reloadPattern     string
	reloadType        string
	reloadMaterialize bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove edges weaker than the threshold",
	Long: `Removes edges whose weight is below --threshold. With --keep-transitive
(the default) a weak edge is kept when removing it would disconnect its target
from its source.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return maintain(cmd, reclaim.MaintenanceRequest{Operation: reclaim.OpPrune, DryRun: dryRun})
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress",
	Short: "Fold variables into per-scope lazy summaries",
	Long: `Replaces the variable nodes of each file with one lazy summary carrying
counts of the folded variables. Folded variables can be brought back with
'mindmap reload'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return maintain(cmd, reclaim.MaintenanceRequest{Operation: reclaim.OpCompress, Scope: compressScope, DryRun: dryRun})
	},
}

func maintain(cmd *cobra.Command, req reclaim.MaintenanceRequest) error {
	a, err := openApp(nil)
	if err != nil {
		return err
	}
	res, err := a.manager.Run(cmd.Context(), req)
	if res != nil {
		if rerr := render(os.Stdout, res, output.PrintMaintenance); rerr != nil {
			return rerr
		}
	}
	// Committed chunks are kept even when a later one failed
	if serr := a.save(); serr != nil && err == nil {
		err = serr
	}
	return err
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-derive compressed variables of one scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		res, err := a.manager.Reload(cmd.Context(), reclaim.ReloadRequest{
			Scope:       reloadScope,
			Pattern:     reloadPattern,
			Type:        model.NodeType(reloadType),
			Materialize: reloadMaterialize,
		})
		if err != nil {
			return err
		}
		if err := render(os.Stdout, res, output.PrintReload); err != nil {
			return err
		}
		return a.save()
	},
}

func init() {
	for _, c := range []*cobra.Command{pruneCmd, compressCmd} {
		c.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without changing it")
		c.Flags().Int("chunk-size", reclaim.DefaultChunkSize, "Entities per transaction")
	}
	pruneCmd.Flags().Float64("threshold", 0.3, "Prune edges with weight below this")
	pruneCmd.Flags().Bool("keep-transitive", true, "Keep weak edges that are the only path between their endpoints")

	compressCmd.Flags().Bool("dedupe", false, "Count identically named variables of a scope once")
	compressCmd.Flags().StringVar(&compressScope, "scope", "", "Only compress this file")

	reloadCmd.Flags().StringVar(&reloadScope, "scope", "", "File whose variables to reload (required)")
	reloadCmd.Flags().StringVar(&reloadPattern, "pattern", "*", "Glob over variable names")
	reloadCmd.Flags().StringVar(&reloadType, "type", "", "Node type to reload (default variable)")
	reloadCmd.Flags().BoolVar(&reloadMaterialize, "materialize", false, "Write the reloaded nodes back into the graph")
	_ = reloadCmd.MarkFlagRequired("scope")

	rootCmd.AddCommand(pruneCmd, compressCmd, reloadCmd)
}
