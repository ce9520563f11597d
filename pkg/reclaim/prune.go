package reclaim

import (
	"context"
	"sort"
	"time"

	"github.com/ritzau/mindmap/pkg/graph"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/telemetry"
)

// Prune removes edges weaker than the threshold. With KeepTransitive, weak
// edges are considered weakest first and one is kept when its target would
// otherwise become unreachable from its source, so no pair of nodes loses
// connectivity.
func (m *Manager) Prune(ctx context.Context, opts PruneOptions) (rep *PruneReport, err error) {
	start := time.Now()
	if err := checkThreshold(opts.Threshold); err != nil {
		return nil, err
	}
	if opts.ChunkSize < 0 {
		return nil, &model.InvalidOptionsError{Option: "chunksize", Value: opts.ChunkSize, Reason: "must not be negative"}
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = m.config.ChunkSize
	}
	defer func() {
		if rep != nil {
			rep.Duration = time.Since(start)
			telemetry.ObserveMaintenance(OpPrune, rep.Removed, rep.MemoryReduced, err)
		}
	}()

	rep = &PruneReport{Threshold: opts.Threshold, DryRun: opts.DryRun}
	var remove []model.EdgeKey
	_ = m.store.View(func(tx *store.ReadTx) error {
		remove = planPrune(tx, opts, rep)
		rep.Generation = tx.Generation()
		return nil
	})

	if opts.DryRun || len(remove) == 0 {
		rep.Removed = len(remove)
		logging.InfoContext(ctx, "prune planned",
			"threshold", opts.Threshold,
			"removable", len(remove),
			"kept", rep.Kept,
			"dryRun", opts.DryRun)
		return rep, nil
	}

	// Only committed chunks count towards the report
	rep.MemoryReduced = 0
	rep.Chunks = chunkCount(len(remove), opts.ChunkSize)
	rep.ChunksCommitted, err = m.chunks(ctx, OpPrune, len(remove), opts.ChunkSize, func(tx *store.WriteTx, lo, hi int) (func(), error) {
		var removed, skipped int
		var reclaimed int64
		for _, key := range remove[lo:hi] {
			e, ok := tx.Edge(key)
			if !ok || e.Weight >= opts.Threshold {
				// Removed or strengthened since planning
				skipped++
				continue
			}
			reclaimed += model.EstimateEdgeSize(e)
			tx.RemoveEdge(key)
			removed++
		}
		return func() {
			rep.Removed += removed
			rep.Skipped += skipped
			rep.MemoryReduced += reclaimed
		}, nil
	})
	rep.Generation = m.store.Generation()

	if err != nil {
		logging.WarnContext(ctx, "prune interrupted",
			"chunksCommitted", rep.ChunksCommitted,
			"chunks", rep.Chunks,
			"error", err)
		return rep, err
	}
	logging.InfoContext(ctx, "pruned edges",
		"threshold", opts.Threshold,
		"removed", rep.Removed,
		"kept", rep.Kept,
		"skipped", rep.Skipped,
		"memoryReduced", rep.MemoryReduced,
		"chunks", rep.Chunks)
	return rep, nil
}

// planPrune picks the weak edges to remove and fills the planning fields of rep
func planPrune(tx *store.ReadTx, opts PruneOptions, rep *PruneReport) []model.EdgeKey {
	type weakEdge struct {
		key    model.EdgeKey
		weight float64
		size   int64
		linked bool // Both endpoints exist
	}
	var weak []weakEdge
	tx.ScanEdges(func(e *model.Edge) bool {
		if e.Weight < opts.Threshold {
			weak = append(weak, weakEdge{e.Key(), e.Weight, model.EstimateEdgeSize(e), !tx.IsDangling(e)})
		}
		return true
	})
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].weight != weak[j].weight {
			return weak[i].weight < weak[j].weight
		}
		return weak[i].key.String() < weak[j].key.String()
	})
	rep.Examined = len(weak)

	var full *graph.Projection
	var strong map[string]int
	if opts.KeepTransitive {
		full = graph.FromStore(tx, nil)
		strong = graph.FromStore(tx, func(e *model.Edge) bool { return e.Weight >= opts.Threshold }).Components()
	}

	remove := make([]model.EdgeKey, 0, len(weak))
	for _, w := range weak {
		if opts.KeepTransitive && w.linked && !removable(full, strong, w.key) {
			rep.Kept++
			rep.KeptTransitive = append(rep.KeptTransitive, w.key)
			continue
		}
		remove = append(remove, w.key)
		rep.MemoryReduced += w.size
	}
	return remove
}

// removable drops the edge from the projection when its endpoints stay
// connected without it, and reports whether it did
func removable(full *graph.Projection, strong map[string]int, key model.EdgeKey) bool {
	u, v := key.Source, key.Target

	// Another edge type backs the same ordered pair
	if full.Parallel(u, v) > 1 {
		full.RemoveEdge(u, v)
		return true
	}
	// Strong edges are never pruned, so a strong cycle through both ends
	// keeps v reachable from u for good
	if u != v && strong[u] == strong[v] {
		full.RemoveEdge(u, v)
		return true
	}

	full.RemoveEdge(u, v)
	if full.Reachable(u, v) {
		return true
	}
	full.AddEdge(u, v)
	return false
}
