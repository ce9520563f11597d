package reclaim

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/telemetry"
)

type group struct {
	typ     model.NodeType
	scope   string
	members []Member
}

func (g *group) id() string {
	return SummaryID(g.typ, g.scope)
}

type compressItem struct {
	g *group
	m Member
}

// Compress folds compressible nodes into one lazy summary per (type, scope).
// Folded nodes are removed together with their edges; the summary keeps a
// ledger of them so they can be reloaded, and its counters are recomputed
// from that ledger on every change.
func (m *Manager) Compress(ctx context.Context, opts CompressOptions) (rep *CompressReport, err error) {
	start := time.Now()
	if opts.ChunkSize < 0 {
		return nil, &model.InvalidOptionsError{Option: "chunksize", Value: opts.ChunkSize, Reason: "must not be negative"}
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = m.config.ChunkSize
	}
	if len(opts.Types) == 0 {
		opts.Types = m.config.Types
	}
	for _, t := range opts.Types {
		if t == model.NodeLazySummary {
			return nil, &model.InvalidOptionsError{Option: "types", Value: t, Reason: "summaries cannot be compressed"}
		}
	}
	defer func() {
		if rep != nil {
			rep.Duration = time.Since(start)
			telemetry.ObserveMaintenance(OpCompress, rep.Compressed, rep.MemoryReduced, err)
		}
	}()

	rep = &CompressReport{DryRun: opts.DryRun, Groups: []GroupReport{}}
	var groups []*group
	_ = m.store.View(func(tx *store.ReadTx) error {
		groups = planCompress(tx, opts)
		rep.Generation = tx.Generation()
		if opts.DryRun {
			previewCompress(tx, groups, opts.Dedupe, rep)
		}
		return nil
	})
	if opts.DryRun || len(groups) == 0 {
		logging.InfoContext(ctx, "compression planned", "groups", len(groups), "nodes", rep.Compressed, "dryRun", opts.DryRun)
		return rep, nil
	}

	var items []compressItem
	for _, g := range groups {
		for _, mem := range g.members {
			items = append(items, compressItem{g, mem})
		}
	}

	final := make(map[string]GroupReport)
	rep.Chunks = chunkCount(len(items), opts.ChunkSize)
	rep.ChunksCommitted, err = m.chunks(ctx, OpCompress, len(items), opts.ChunkSize, func(tx *store.WriteTx, lo, hi int) (func(), error) {
		var compressed, skipped int
		var reclaimed int64
		touched := make(map[string]GroupReport)

		window := items[lo:hi]
		for i := 0; i < len(window); {
			g := window[i].g
			j := i
			var ids []string
			for ; j < len(window) && window[j].g == g; j++ {
				ids = append(ids, window[j].m.ID)
			}
			i = j

			res, err := compressGroup(tx, g, ids, opts.Dedupe)
			if err != nil {
				return nil, err
			}
			compressed += res.compressed
			skipped += len(ids) - res.compressed
			reclaimed += res.reclaimed
			if res.summary != nil {
				touched[g.id()] = GroupReport{
					SummaryID: g.id(),
					Scope:     g.scope,
					Type:      g.typ,
					Members:   res.members,
					Counters:  res.counters,
				}
			}
		}

		return func() {
			rep.Compressed += compressed
			rep.Skipped += skipped
			rep.MemoryReduced += reclaimed
			for id, gr := range touched {
				final[id] = gr
			}
		}, nil
	})

	for _, g := range groups {
		if gr, ok := final[g.id()]; ok {
			rep.Groups = append(rep.Groups, gr)
			rep.LazyLoaded += gr.Counters.LazyLoadedCount
		}
	}
	rep.Generation = m.store.Generation()

	if err != nil {
		logging.WarnContext(ctx, "compression interrupted",
			"chunksCommitted", rep.ChunksCommitted,
			"chunks", rep.Chunks,
			"error", err)
		return rep, err
	}
	logging.InfoContext(ctx, "compressed nodes",
		"groups", len(rep.Groups),
		"compressed", rep.Compressed,
		"lazyLoaded", rep.LazyLoaded,
		"memoryReduced", rep.MemoryReduced,
		"chunks", rep.Chunks)
	return rep, nil
}

// planCompress groups the compressible nodes by type and scope, sorted
func planCompress(tx *store.ReadTx, opts CompressOptions) []*group {
	byKey := make(map[string]*group)
	tx.ScanNodes(func(n *model.Node) bool {
		if n.IsLazySummary() || !slices.Contains(opts.Types, n.Type) {
			return true
		}
		scope := ScopeOf(n)
		if opts.Scope != "" && scope != opts.Scope {
			return true
		}
		key := SummaryID(n.Type, scope)
		g, ok := byKey[key]
		if !ok {
			g = &group{typ: n.Type, scope: scope}
			byKey[key] = g
		}
		g.members = append(g.members, memberOf(tx, n))
		return true
	})

	groups := make([]*group, 0, len(byKey))
	for _, g := range byKey {
		sort.Slice(g.members, func(i, j int) bool { return g.members[i].ID < g.members[j].ID })
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].id() < groups[j].id() })
	return groups
}

// previewCompress fills rep with what compressing groups would do
func previewCompress(tx *store.ReadTx, groups []*group, dedupe bool, rep *CompressReport) {
	planned := make(map[string]bool)
	for _, g := range groups {
		for _, mem := range g.members {
			planned[mem.ID] = true
		}
	}
	loaded := func(id string) bool { return tx.HasNode(id) && !planned[id] }

	for _, g := range groups {
		existing, _ := tx.Node(g.id())
		ledger, err := readLedger(existing)
		if err != nil {
			logging.Warn("ignoring unreadable summary ledger", "summary", g.id(), "error", err)
			ledger = nil
		}
		ledger = mergeLedger(ledger, g.members)
		c := countLedger(ledger, dedupe, loaded)

		for _, mem := range g.members {
			n, _ := tx.Node(mem.ID)
			rep.MemoryReduced += model.EstimateNodeSize(n)
			for _, e := range append(tx.OutEdges(mem.ID), tx.InEdges(mem.ID)...) {
				rep.MemoryReduced += model.EstimateEdgeSize(e)
			}
		}
		if summary, err := buildSummary(g.typ, g.scope, ledger, dedupe, c); err == nil {
			rep.MemoryReduced -= model.EstimateNodeSize(summary) - model.EstimateNodeSize(existing)
		}

		rep.Compressed += len(g.members)
		rep.LazyLoaded += c.LazyLoadedCount
		rep.Groups = append(rep.Groups, GroupReport{
			SummaryID: g.id(),
			Scope:     g.scope,
			Type:      g.typ,
			Members:   len(ledger),
			Counters:  c,
		})
	}
}

type groupResult struct {
	compressed int
	members    int
	reclaimed  int64
	counters   Counters
	summary    *model.Node
}

// compressGroup folds the still-present nodes among ids into the group summary
func compressGroup(tx *store.WriteTx, g *group, ids []string, dedupe bool) (groupResult, error) {
	var res groupResult
	var fresh []Member
	for _, id := range ids {
		n, ok := tx.Node(id)
		if !ok || n.Type != g.typ || n.IsLazySummary() {
			// Removed or retyped since planning
			continue
		}
		fresh = append(fresh, memberOf(&tx.ReadTx, n))
		res.reclaimed += model.EstimateNodeSize(n)
		for _, e := range append(tx.OutEdges(id), tx.InEdges(id)...) {
			res.reclaimed += model.EstimateEdgeSize(e)
		}
		tx.RemoveNode(id)
		res.compressed++
	}
	if len(fresh) == 0 {
		return res, nil
	}

	existing, _ := tx.Node(g.id())
	ledger, err := readLedger(existing)
	if err != nil {
		return res, err
	}
	ledger = mergeLedger(ledger, fresh)
	res.counters = countLedger(ledger, dedupe, tx.HasNode)
	res.members = len(ledger)

	summary, err := buildSummary(g.typ, g.scope, ledger, dedupe, res.counters)
	if err != nil {
		return res, err
	}
	res.reclaimed -= model.EstimateNodeSize(summary) - model.EstimateNodeSize(existing)
	if _, err := tx.UpsertNode(summary); err != nil {
		return res, err
	}
	res.summary = summary

	if g.scope != GlobalScope && tx.HasNode(g.scope) {
		link := &model.Edge{Source: g.scope, Target: summary.ID, Type: model.EdgeContains, Weight: 1}
		if _, ok := tx.Edge(link.Key()); !ok {
			res.reclaimed -= model.EstimateEdgeSize(link)
		}
		if _, err := tx.UpsertEdge(link); err != nil {
			return res, err
		}
	}
	return res, nil
}
