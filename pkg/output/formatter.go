// Package output renders command results for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ritzau/mindmap/pkg/ingest"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/query"
	"github.com/ritzau/mindmap/pkg/reclaim"
	"github.com/ritzau/mindmap/pkg/relevance"
	"github.com/ritzau/mindmap/pkg/store"
)

var (
	bold   = color.New(color.Bold)
	red    = color.New(color.FgRed)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// WriteJSON writes v as indented JSON, for --json output
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintQueryResult prints the rows of a structured query as a table
func PrintQueryResult(w io.Writer, res *query.Result) {
	bold.Fprintf(w, "%s\n", res.Query)
	if len(res.Nodes) == 0 {
		yellow.Fprintln(w, "No matches")
	} else {
		bold.Fprintln(w, strings.Join(res.Columns, "\t"))
		for _, row := range res.Nodes {
			cells := make([]string, len(res.Columns))
			for i, col := range res.Columns {
				cells[i] = formatValue(row[col])
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
	}
	footer(w, len(res.Nodes), res.TotalMatches, res.Generation, res.QueryTime, res.Cached)
}

// PrintRelevance prints ranked relevance results with their signals
func PrintRelevance(w io.Writer, resp *relevance.Response) {
	bold.Fprintf(w, "Relevance: %q\n", resp.Query)
	if len(resp.Bypassed) > 0 {
		faint.Fprintf(w, "Bypassed: %s\n", strings.Join(resp.Bypassed, ", "))
	}
	if len(resp.Nodes) == 0 {
		yellow.Fprintln(w, "No matches")
	}
	for i, r := range resp.Nodes {
		c := confidenceColor(r.Confidence)
		c.Fprintf(w, "%2d. %.3f ", i+1, r.Confidence)
		fmt.Fprintf(w, "%s ", formatNode(r.Node))
		if r.Suppressed {
			faint.Fprint(w, "(suppressed) ")
		}
		fmt.Fprintln(w)
		if len(r.Signals) > 0 {
			faint.Fprintf(w, "      %s\n", formatSignals(r.Signals))
		}
	}
	footer(w, len(resp.Nodes), resp.TotalMatches, resp.Generation, resp.QueryTime, false)
}

// PrintMaintenance prints the outcome of a prune or compress run
func PrintMaintenance(w io.Writer, res *reclaim.MaintenanceResult) {
	title := "Maintenance: " + res.Operation
	if res.DryRun {
		title += " (dry run)"
	}
	bold.Fprintln(w, title)
	bold.Fprintln(w, strings.Repeat("=", len(title)))

	switch {
	case res.Prune != nil:
		p := res.Prune
		fmt.Fprintf(w, "Threshold: %.2f\n", p.Threshold)
		fmt.Fprintf(w, "Examined: %d weak edge(s)\n", p.Examined)
		green.Fprintf(w, "Removed: %d\n", p.Removed)
		if p.Kept > 0 {
			yellow.Fprintf(w, "Kept for reachability: %d\n", p.Kept)
			for _, k := range p.KeptTransitive {
				cyan.Fprintf(w, "  %s\n", k)
			}
		}
	case res.Compress != nil:
		c := res.Compress
		green.Fprintf(w, "Compressed: %d node(s) into %d summar%s\n", c.Compressed, len(c.Groups), plural(len(c.Groups), "y", "ies"))
		for _, g := range c.Groups {
			cyan.Fprintf(w, "  %s", g.SummaryID)
			fmt.Fprintf(w, " total=%d lazy=%d exported=%d global=%d unused=%d\n",
				g.Counters.TotalVariables, g.Counters.LazyLoadedCount,
				g.Counters.ExportedCount, g.Counters.GlobalCount, g.Counters.UnusedCount)
		}
	}

	fmt.Fprintf(w, "Memory reduced: %s\n", formatBytes(res.MemoryReduced))
	if res.ChunksCommitted < res.Chunks {
		red.Fprintf(w, "Chunks: %d/%d committed\n", res.ChunksCommitted, res.Chunks)
	} else {
		faint.Fprintf(w, "Chunks: %d, generation %d, run %s\n", res.Chunks, res.Generation, res.RunID)
	}
}

// PrintReload lists re-derived nodes of a compressed scope
func PrintReload(w io.Writer, res *reclaim.ReloadResult) {
	bold.Fprintf(w, "Reload %s (%s)\n", res.Scope, res.Pattern)
	if len(res.Nodes) == 0 {
		yellow.Fprintln(w, "No matching nodes")
	}
	for _, n := range res.Nodes {
		fmt.Fprintf(w, "  %s\n", formatNode(n))
	}
	if res.Materialized {
		green.Fprintf(w, "Materialized %d node(s), %d edge(s)\n", len(res.Nodes), len(res.Edges))
	}
	if res.Summary != nil {
		faint.Fprintf(w, "Summary: total=%d loaded=%d lazy=%d\n",
			res.Summary.TotalVariables, res.Summary.LoadedVariables, res.Summary.LazyLoadedCount)
	}
}

// PrintIngest summarizes an applied batch
func PrintIngest(w io.Writer, res *ingest.Result) {
	b := res.Batch
	bold.Fprintf(w, "Ingested %s\n", res.Source)
	fmt.Fprintf(w, "Nodes: +%d ~%d =%d\n", b.NodesInserted, b.NodesUpdated, b.NodesUnchanged)
	fmt.Fprintf(w, "Edges: +%d ~%d =%d\n", b.EdgesInserted, b.EdgesUpdated, b.EdgesUnchanged)
	if len(b.Dangling) > 0 {
		yellow.Fprintf(w, "Dangling edges: %d\n", len(b.Dangling))
	}
	faint.Fprintf(w, "Generation %d in %s\n", b.Generation, res.Duration.Round(time.Microsecond))
}

// PrintStats prints store statistics
func PrintStats(w io.Writer, st store.Stats) {
	bold.Fprintln(w, "Mindmap Store")
	bold.Fprintln(w, "=============")
	if st.ProjectRoot != "" {
		fmt.Fprintf(w, "Project: %s\n", st.ProjectRoot)
	}
	if !st.LastScan.IsZero() {
		fmt.Fprintf(w, "Last scan: %s\n", st.LastScan.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Generation: %d\n", st.Generation)
	fmt.Fprintf(w, "Nodes: %d\n", st.Nodes)
	printCounts(w, st.NodesByType)
	fmt.Fprintf(w, "Edges: %d\n", st.Edges)
	printCounts(w, st.EdgesByType)
	if st.DanglingEdges > 0 {
		yellow.Fprintf(w, "Dangling edges: %d\n", st.DanglingEdges)
	} else {
		green.Fprintln(w, "Dangling edges: 0")
	}
	fmt.Fprintf(w, "Lazy summaries: %d\n", st.LazySummaries)
	fmt.Fprintf(w, "Estimated size: %s\n", formatBytes(st.EstimatedBytes))
}

func printCounts(w io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cyan.Fprintf(w, "  %-12s", k)
		fmt.Fprintf(w, " %d\n", counts[k])
	}
}

func footer(w io.Writer, shown, total int, generation uint64, took time.Duration, cached bool) {
	msg := fmt.Sprintf("%d of %d match(es), generation %d, %s", shown, total, generation, took.Round(time.Microsecond))
	if cached {
		msg += ", cached"
	}
	faint.Fprintln(w, msg)
}

func formatNode(n *model.Node) string {
	if n == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("%s [%s]", n.ID, n.Type)
	if n.Name != "" && n.Name != n.ID {
		s += " " + n.Name
	}
	return s
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case *model.Node:
		return formatNode(v)
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.3g", v)
	default:
		return fmt.Sprint(v)
	}
}

func formatSignals(signals map[string]float64) string {
	keys := make([]string, 0, len(signals))
	for k := range signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.3f", k, signals[k])
	}
	return strings.Join(parts, " ")
}

func confidenceColor(c float64) *color.Color {
	switch {
	case c >= 0.7:
		return green
	case c >= 0.4:
		return yellow
	default:
		return red
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
