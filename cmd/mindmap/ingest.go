package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ritzau/mindmap/pkg/ingest"
	"github.com/ritzau/mindmap/pkg/output"
)

var ingestStrict bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <batch.json|batch.json.gz|batch.json.zst|->",
	Short: "Upsert a batch of nodes and edges produced by an external analyzer",
	Long: `Reads a JSON batch {"nodes": [...], "edges": [...]} from a file or stdin
and upserts it. Re-submitting unchanged entities only refreshes their
timestamps. With --strict the whole batch is rejected when an edge would be
left without one of its endpoints.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		src := &ingest.FileSource{Path: args[0], Stdin: os.Stdin}
		res, err := a.runner.Run(cmd.Context(), src, ingest.Options{Strict: ingestStrict})
		if err != nil {
			return err
		}
		if err := render(os.Stdout, res, output.PrintIngest); err != nil {
			return err
		}
		return a.save()
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the project tree into the graph",
	Long: `Walks the project root, honouring .gitignore, and upserts directory and
file nodes. With analysis enabled, variables of supported source files are
extracted too. Files that disappeared since the last scan are removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		rec := a.reconciler()
		out, err := rec.Sync(cmd.Context())
		if err != nil {
			return err
		}
		st := a.store.Stats()
		if cfg.JSON {
			if err := output.WriteJSON(os.Stdout, out); err != nil {
				return err
			}
		} else {
			output.PrintStats(os.Stdout, st)
		}
		return a.save()
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestStrict, "strict", false, "Reject the batch if an edge would dangle")
	scanCmd.Flags().Bool("analyze", true, "Extract variables with tree-sitter")

	rootCmd.AddCommand(ingestCmd, scanCmd)
}
