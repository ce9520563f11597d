package reclaim

import (
	"context"
	"fmt"
	"path"

	"github.com/ritzau/mindmap/pkg/analyzer"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

// ReloadRequest asks for the compressed nodes of one scope whose names
// match Pattern (a glob; empty means all)
type ReloadRequest struct {
	Scope   string         `json:"scope"`
	Pattern string         `json:"pattern,omitempty"`
	Type    model.NodeType `json:"type,omitempty"`

	// Materialize upserts the reloaded nodes and edges into the store
	Materialize bool `json:"materialize,omitempty"`
}

// ReloadResult carries the re-derived nodes. Summary is set when the scope
// has a summary, reflecting the store after any materialization.
type ReloadResult struct {
	Scope        string        `json:"scope"`
	Pattern      string        `json:"pattern"`
	Nodes        []*model.Node `json:"nodes"`
	Edges        []*model.Edge `json:"edges"`
	Materialized bool          `json:"materialized"`
	Summary      *Counters     `json:"summary,omitempty"`
	Generation   uint64        `json:"generation"`
}

// Reload re-derives compressed nodes through the analyzer. Without
// Materialize the store is left untouched and the caller uses the nodes
// transiently.
func (m *Manager) Reload(ctx context.Context, req ReloadRequest) (*ReloadResult, error) {
	if req.Scope == "" {
		return nil, &model.InvalidOptionsError{Option: "scope", Value: req.Scope, Reason: "required"}
	}
	if req.Pattern == "" {
		req.Pattern = "*"
	}
	if _, err := path.Match(req.Pattern, ""); err != nil {
		return nil, &model.InvalidOptionsError{Option: "pattern", Value: req.Pattern, Reason: err.Error()}
	}
	if req.Type == "" {
		req.Type = model.NodeVariable
	}
	if m.materializer == nil {
		return nil, ErrNoMaterializer
	}

	areq := analyzer.Request{Root: m.store.ProjectRoot(), Scope: req.Scope, Pattern: req.Pattern}
	batch, err := m.materializer.Materialize(ctx, areq)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", req.Scope, err)
	}

	res := &ReloadResult{Scope: req.Scope, Pattern: req.Pattern, Nodes: []*model.Node{}, Edges: []*model.Edge{}}
	keep := make(map[string]bool)
	for _, n := range batch.Nodes {
		if n.Type != req.Type || !areq.Matches(n.Name) {
			continue
		}
		keep[n.ID] = true
		res.Nodes = append(res.Nodes, n)
	}
	for _, e := range batch.Edges {
		if keep[e.Source] || keep[e.Target] {
			res.Edges = append(res.Edges, e)
		}
	}

	if req.Materialize && len(res.Nodes) > 0 {
		if _, err := m.store.UpsertBatch(&model.Batch{Nodes: res.Nodes, Edges: res.Edges}, store.BatchOptions{}); err != nil {
			return nil, fmt.Errorf("reload %s: %w", req.Scope, err)
		}
		res.Materialized = true
	}

	if n, ok := m.store.GetNode(SummaryID(req.Type, req.Scope)); ok {
		c := CountersOf(n)
		res.Summary = &c
	}
	res.Generation = m.store.Generation()

	logging.InfoContext(ctx, "reloaded nodes",
		"scope", req.Scope,
		"pattern", req.Pattern,
		"nodes", len(res.Nodes),
		"materialized", res.Materialized)
	return res, nil
}
