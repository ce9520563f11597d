package graph

import (
	"reflect"
	"testing"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

func TestNewProjection(t *testing.T) {
	p := NewProjection()
	if p == nil {
		t.Fatal("NewProjection() returned nil")
	}
	if len(p.Nodes()) != 0 {
		t.Errorf("New projection should have 0 nodes, got %d", len(p.Nodes()))
	}
}

func TestAddEdgeCollapsesParallelEdges(t *testing.T) {
	p := NewProjection()
	p.AddEdge("a", "b")
	p.AddEdge("a", "b")
	p.AddEdge("a", "a")

	if got := p.Parallel("a", "b"); got != 2 {
		t.Errorf("Expected 2 parallel edges, got %d", got)
	}
	if p.Graph().Edges().Len() != 1 {
		t.Errorf("Expected 1 gonum edge, got %d", p.Graph().Edges().Len())
	}

	p.RemoveEdge("a", "b")
	if !p.Reachable("a", "b") {
		t.Error("Expected a->b to survive removal of one parallel edge")
	}
	p.RemoveEdge("a", "b")
	if p.Reachable("a", "b") {
		t.Error("Expected a->b to be gone")
	}
	if !p.Reachable("a", "a") {
		t.Error("Expected self-loop to make a reach itself")
	}
}

func TestReachable(t *testing.T) {
	p := NewProjection()
	p.AddEdge("a", "b")
	p.AddEdge("b", "c")
	p.AddEdge("c", "d")
	p.AddNode("isolated")

	tests := []struct {
		from, to string
		want     bool
	}{
		{"a", "d", true},
		{"a", "c", true},
		{"d", "a", false},
		{"a", "a", false},
		{"a", "isolated", false},
		{"a", "unknown", false},
	}
	for _, tt := range tests {
		if got := p.Reachable(tt.from, tt.to); got != tt.want {
			t.Errorf("Reachable(%s, %s): expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}

	got := p.ReachableSet("b")
	want := map[string]bool{"c": true, "d": true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReachableSet(b): expected %v, got %v", want, got)
	}
}

func TestCycles(t *testing.T) {
	p := NewProjection()
	p.AddEdge("a", "b")
	p.AddEdge("b", "c")
	p.AddEdge("c", "a")
	p.AddEdge("c", "d")
	p.AddEdge("x", "y")
	p.AddEdge("y", "x")

	cycles := p.Cycles()
	want := [][]string{{"a", "b", "c"}, {"x", "y"}}
	if !reflect.DeepEqual(cycles, want) {
		t.Errorf("Expected cycles %v, got %v", want, cycles)
	}

	comp := p.Components()
	if comp["a"] != comp["c"] {
		t.Error("Expected a and c in the same component")
	}
	if comp["a"] == comp["d"] {
		t.Error("Expected d in its own component")
	}
	if !p.Reachable("a", "a") {
		t.Error("Expected a to reach itself through the cycle")
	}
}

func TestFromStoreSkipsDanglingAndFiltered(t *testing.T) {
	s := store.New()
	_, err := s.UpsertBatch(&model.Batch{
		Nodes: []*model.Node{
			{ID: "a", Type: model.NodeFile},
			{ID: "b", Type: model.NodeFile},
			{ID: "c", Type: model.NodeFile},
		},
		Edges: []*model.Edge{
			{Source: "a", Target: "b", Type: model.EdgeImports, Weight: 0.9},
			{Source: "b", Target: "c", Type: model.EdgeImports, Weight: 0.1},
			{Source: "c", Target: "ghost", Type: model.EdgeCalls, Weight: 1},
		},
	}, store.BatchOptions{})
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	var p *Projection
	_ = s.View(func(tx *store.ReadTx) error {
		p = FromStore(tx, func(e *model.Edge) bool { return e.Weight >= 0.5 })
		return nil
	})

	if p.HasNode("ghost") {
		t.Error("Dangling target should not be projected")
	}
	edges := p.Edges()
	want := [][2]string{{"a", "b"}}
	if !reflect.DeepEqual(edges, want) {
		t.Errorf("Expected edges %v, got %v", want, edges)
	}
	if len(p.Nodes()) != 3 {
		t.Errorf("Expected 3 nodes, got %d", len(p.Nodes()))
	}
}

func TestStoreCyclesFiltersByType(t *testing.T) {
	s := store.New()
	_, err := s.UpsertBatch(&model.Batch{
		Nodes: []*model.Node{
			{ID: "a", Type: model.NodeFile},
			{ID: "b", Type: model.NodeFile},
			{ID: "c", Type: model.NodeFile},
		},
		Edges: []*model.Edge{
			{Source: "a", Target: "b", Type: model.EdgeImports, Weight: 1},
			{Source: "b", Target: "a", Type: model.EdgeImports, Weight: 1},
			{Source: "b", Target: "c", Type: model.EdgeCalls, Weight: 1},
			{Source: "c", Target: "b", Type: model.EdgeCalls, Weight: 1},
		},
	}, store.BatchOptions{})
	if err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	want := [][]string{{"a", "b"}}
	if got := StoreCycles(s, model.EdgeImports); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected import cycles %v, got %v", want, got)
	}
	if got := StoreCycles(s); len(got) != 1 || len(got[0]) != 3 {
		t.Errorf("Expected one cycle over a, b and c, got %v", got)
	}
}
