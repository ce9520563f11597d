package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ritzau/mindmap/pkg/graph"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/output"
	"github.com/ritzau/mindmap/pkg/relevance"
)

var queryCmd = &cobra.Command{
	Use:     "query <MATCH ... RETURN ...>",
	Short:   "Run a structured query against the graph",
	Example: `  mindmap query "MATCH (n) WHERE n.type = 'function' AND n.name CONTAINS 'parse' RETURN n.name, n.path LIMIT 10"`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		res, err := a.engine.Execute(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		return render(os.Stdout, res, output.PrintQueryResult)
	},
}

var (
	searchLimit  int
	searchBypass []string
)

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Rank nodes by relevance to free text",
	Long: `Runs the relevance pipeline: lexical match, spreading activation, attention
by type priors and rarity, lateral inhibition, bi-temporal weighting and fusion.
Stages can be bypassed with --bypass, e.g. --bypass temporal,inhibition.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := make(map[string]bool, len(searchBypass))
		for _, stage := range searchBypass {
			flags[strings.TrimSpace(stage)] = true
		}
		bypass, err := relevance.ParseBypass(flags)
		if err != nil {
			return err
		}

		a, err := openApp(nil)
		if err != nil {
			return err
		}
		resp, err := a.pipeline.Run(cmd.Context(), relevance.Request{
			Text:   strings.Join(args, " "),
			Limit:  searchLimit,
			Bypass: bypass,
		})
		if err != nil {
			return err
		}
		return render(os.Stdout, resp, output.PrintRelevance)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		st := a.store.Stats()
		if err := render(os.Stdout, st, output.PrintStats); err != nil {
			return err
		}
		if !cfg.JSON && st.Nodes == 0 {
			fmt.Fprintln(os.Stderr, "The graph is empty; run 'mindmap scan' or 'mindmap ingest' first.")
		}
		return nil
	},
}

var cycleTypes []string

var cyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List groups of nodes that reach each other",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		types := make([]model.EdgeType, 0, len(cycleTypes))
		for _, t := range cycleTypes {
			types = append(types, model.EdgeType(t))
		}
		cycles := graph.StoreCycles(a.store, types...)
		if cfg.JSON {
			return output.WriteJSON(os.Stdout, cycles)
		}
		for _, c := range cycles {
			fmt.Println(strings.Join(c, ", "))
		}
		return nil
	},
}

var danglingPurge bool

var danglingCmd = &cobra.Command{
	Use:   "dangling",
	Short: "List edges whose endpoints are missing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(nil)
		if err != nil {
			return err
		}
		keys := a.store.DanglingEdges()
		if cfg.JSON {
			if err := output.WriteJSON(os.Stdout, keys); err != nil {
				return err
			}
		} else {
			for _, k := range keys {
				fmt.Println(k)
			}
		}
		if !danglingPurge || len(keys) == 0 {
			return nil
		}
		n, err := a.store.PurgeDangling()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Purged %d dangling edge(s)\n", n)
		return a.save()
	},
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "Maximum results (default from config)")
	searchCmd.Flags().StringSliceVar(&searchBypass, "bypass", nil, "Stages to skip: lexical, activation, attention, inhibition, temporal, fusion")
	searchCmd.Flags().Int("radius", 2, "Spreading activation radius in hops")
	searchCmd.Flags().Float64("decay", 0.5, "Activation decay per hop")

	danglingCmd.Flags().BoolVar(&danglingPurge, "purge", false, "Remove the listed edges and save")

	cyclesCmd.Flags().StringSliceVar(&cycleTypes, "type", []string{string(model.EdgeImports)}, "Edge types to follow (empty follows all)")

	rootCmd.AddCommand(queryCmd, searchCmd, statsCmd, cyclesCmd, danglingCmd)
}
