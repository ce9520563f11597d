package store

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mindmap/pkg/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: epoch}
	return New(WithClock(clock.Now), WithProjectRoot("/src/app")), clock
}

func node(id string, typ model.NodeType, name string) *model.Node {
	return &model.Node{ID: id, Type: typ, Name: name, Path: id, Confidence: 0.9}
}

func nanValue() float64 { return math.NaN() }

func edge(src, tgt string, typ model.EdgeType, w float64) *model.Edge {
	return &model.Edge{Source: src, Target: tgt, Type: typ, Weight: w}
}

func TestUpsertNode(t *testing.T) {
	s, clock := newTestStore(t)

	c, err := s.UpsertNode(node("a.go", model.NodeFile, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, c)
	assert.Equal(t, uint64(1), s.Generation())

	got, ok := s.GetNode("a.go")
	require.True(t, ok)
	assert.Equal(t, epoch, got.LastUpdated)
	assert.Equal(t, epoch, got.ConfidenceSince)

	// Re-submitting identical content only touches lastUpdated
	clock.Advance(time.Minute)
	c, err = s.UpsertNode(node("a.go", model.NodeFile, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, Unchanged, c)
	assert.Equal(t, uint64(1), s.Generation(), "touch must not bump generation")
	got, _ = s.GetNode("a.go")
	assert.Equal(t, epoch.Add(time.Minute), got.LastUpdated)

	// Changing content bumps generation; unchanged confidence keeps its age
	clock.Advance(time.Minute)
	n := node("a.go", model.NodeFile, "a.go")
	n.Properties = model.Attributes{"language": model.String("go")}
	c, err = s.UpsertNode(n)
	require.NoError(t, err)
	assert.Equal(t, Updated, c)
	assert.Equal(t, uint64(2), s.Generation())
	got, _ = s.GetNode("a.go")
	assert.Equal(t, epoch, got.ConfidenceSince)

	clock.Advance(time.Minute)
	n.Confidence = 0.4
	_, err = s.UpsertNode(n)
	require.NoError(t, err)
	got, _ = s.GetNode("a.go")
	assert.Equal(t, epoch.Add(3*time.Minute), got.ConfidenceSince)
}

func TestRevisionFollowsTouches(t *testing.T) {
	s, clock := newTestStore(t)

	_, err := s.UpsertNode(node("a.go", model.NodeFile, "a.go"))
	require.NoError(t, err)
	rev := s.Revision()

	// Same content at the same time changes nothing
	_, err = s.UpsertNode(node("a.go", model.NodeFile, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, rev, s.Revision())

	clock.Advance(time.Minute)
	_, err = s.UpsertNode(node("a.go", model.NodeFile, "a.go"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Generation())
	assert.Greater(t, s.Revision(), rev)

	var seen uint64
	_ = s.View(func(tx *ReadTx) error {
		seen = tx.Revision()
		return nil
	})
	assert.Equal(t, s.Revision(), seen)
}

func TestPreCommitSeesChangedNodes(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertNode(node("a.go", model.NodeFile, "a.go"))
	require.NoError(t, err)

	var calls [][]string
	s.PreCommit(func(tx *WriteTx) error {
		var ids []string
		for _, n := range tx.ChangedNodes() {
			ids = append(ids, n.ID)
		}
		calls = append(calls, ids)
		if tx.HasNode("veto") {
			return errors.New("vetoed")
		}
		return nil
	})

	_, err = s.UpsertBatch(&model.Batch{Nodes: []*model.Node{
		node("b.go", model.NodeFile, "b.go"),
		node("a.go", model.NodeFile, "a.go"),
	}}, BatchOptions{})
	require.NoError(t, err)
	_, err = s.RemoveNode("a.go")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"b.go"}, {"a.go"}}, calls, "touch-only upserts are not changes")

	gen := s.Generation()
	_, err = s.UpsertNode(node("veto", model.NodeFile, "veto"))
	assert.Error(t, err)
	_, ok := s.GetNode("veto")
	assert.False(t, ok, "a failing hook rolls the transaction back")
	assert.Equal(t, gen, s.Generation())
}

func TestUpsertNodeValidation(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		name    string
		node    *model.Node
		wantErr bool
		wantC   float64
	}{
		{"missing id", &model.Node{Type: model.NodeFile}, true, 0},
		{"missing type", &model.Node{ID: "x"}, true, 0},
		{"nan confidence", &model.Node{ID: "x", Type: model.NodeFile, Confidence: nanValue()}, true, 0},
		{"clamped high", &model.Node{ID: "hi", Type: model.NodeFile, Confidence: 3}, false, 1},
		{"clamped low", &model.Node{ID: "lo", Type: model.NodeFile, Confidence: -1}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UpsertNode(tt.node)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, model.ErrInvalidEntity))
				return
			}
			require.NoError(t, err)
			got, ok := s.GetNode(tt.node.ID)
			require.True(t, ok)
			assert.Equal(t, tt.wantC, got.Confidence)
		})
	}
}

func TestRemoveNodeCascades(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertBatch(&model.Batch{
		Nodes: []*model.Node{
			node("a", model.NodeFile, "a"),
			node("b", model.NodeFunction, "b"),
			node("c", model.NodeVariable, "c"),
		},
		Edges: []*model.Edge{
			edge("a", "b", model.EdgeContains, 1),
			edge("b", "c", model.EdgeContains, 1),
			edge("c", "a", model.EdgeReferences, 0.2),
			edge("a", "c", model.EdgeReferences, 0.3),
		},
	}, BatchOptions{})
	require.NoError(t, err)

	removed, err := s.RemoveNode("c")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	st := s.Stats()
	assert.Equal(t, 2, st.Nodes)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 0, st.DanglingEdges)

	_, err = s.RemoveNode("c")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestMultigraphIdentity(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.UpsertEdge(edge("a", "b", model.EdgeCalls, 0.5))
	require.NoError(t, err)
	_, err = s.UpsertEdge(edge("a", "b", model.EdgeImports, 0.5))
	require.NoError(t, err)
	c, err := s.UpsertEdge(edge("a", "b", model.EdgeCalls, 0.7))
	require.NoError(t, err)
	assert.Equal(t, Updated, c)

	st := s.Stats()
	assert.Equal(t, 2, st.Edges)
	assert.Equal(t, 2, st.DanglingEdges)

	e, ok := s.GetEdge(model.EdgeKey{Source: "a", Target: "b", Type: model.EdgeCalls})
	require.True(t, ok)
	assert.Equal(t, 0.7, e.Weight)
}

func TestScanOrder(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"c", "a", "b", "d"} {
		_, err := s.UpsertNode(node(id, model.NodeFile, id))
		require.NoError(t, err)
	}
	_, err := s.RemoveNode("a")
	require.NoError(t, err)
	_, err = s.UpsertNode(node("a", model.NodeFile, "a"))
	require.NoError(t, err)
	// Re-upsert of an existing node keeps its slot
	_, err = s.UpsertNode(node("c", model.NodeFile, "renamed"))
	require.NoError(t, err)

	var ids []string
	for _, n := range s.Find(nil) {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"c", "b", "d", "a"}, ids)
}

func TestCompactKeepsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 10; i++ {
		_, err := s.UpsertNode(node(fmt.Sprintf("n%d", i), model.NodeFile, "x"))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i += 2 {
		_, err := s.RemoveNode(fmt.Sprintf("n%d", i))
		require.NoError(t, err)
	}

	var ids []string
	for _, n := range s.Find(nil) {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"n1", "n3", "n5", "n7", "n9"}, ids)
	assert.Equal(t, 0, s.holes)
	assert.Len(t, s.order, 5)
}

func TestUpdateRollback(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertBatch(&model.Batch{
		Nodes: []*model.Node{node("a", model.NodeFile, "a"), node("b", model.NodeFile, "b")},
		Edges: []*model.Edge{edge("a", "b", model.EdgeImports, 0.8)},
	}, BatchOptions{})
	require.NoError(t, err)
	before := s.Snapshot()
	gen := s.Generation()

	boom := errors.New("boom")
	err = s.Update(func(tx *WriteTx) error {
		tx.RemoveNode("a")
		if _, err := tx.UpsertNode(node("c", model.NodeClass, "c")); err != nil {
			return err
		}
		if _, err := tx.UpsertEdge(edge("c", "b", model.EdgeCalls, 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, gen, s.Generation())

	after := s.Snapshot()
	assertSameGraph(t, before, after)
}

func TestUpdateRollbackOnPanic(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertNode(node("a", model.NodeFile, "a"))
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = s.Update(func(tx *WriteTx) error {
			tx.RemoveNode("a")
			panic("bad")
		})
	})
	_, ok := s.GetNode("a")
	assert.True(t, ok)
}

func TestUpsertBatchStrict(t *testing.T) {
	s, _ := newTestStore(t)
	batch := &model.Batch{
		Nodes: []*model.Node{node("a", model.NodeFile, "a")},
		Edges: []*model.Edge{edge("a", "missing", model.EdgeImports, 0.5)},
	}

	_, err := s.UpsertBatch(batch, BatchOptions{Strict: true})
	var rie *model.ReferentialIntegrityError
	require.ErrorAs(t, err, &rie)
	assert.Equal(t, []string{"missing"}, rie.Missing)
	assert.Equal(t, 0, s.Stats().Nodes, "strict failure must roll back the whole batch")

	res, err := s.UpsertBatch(batch, BatchOptions{ScanTime: epoch})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NodesInserted)
	assert.Len(t, res.Dangling, 1)
	assert.Equal(t, epoch, s.LastScan())

	purged, err := s.PurgeDangling()
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Empty(t, s.DanglingEdges())
}

func TestUpsertBatchIdempotent(t *testing.T) {
	s, clock := newTestStore(t)
	batch := &model.Batch{
		Nodes: []*model.Node{node("a", model.NodeFile, "a"), node("b", model.NodeFile, "b")},
		Edges: []*model.Edge{edge("a", "b", model.EdgeImports, 0.5)},
	}
	_, err := s.UpsertBatch(batch, BatchOptions{})
	require.NoError(t, err)
	gen := s.Generation()

	clock.Advance(time.Hour)
	res, err := s.UpsertBatch(batch, BatchOptions{})
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Equal(t, 2, res.NodesUnchanged)
	assert.Equal(t, 1, res.EdgesUnchanged)
	assert.Equal(t, gen, s.Generation())

	got, _ := s.GetNode("b")
	assert.Equal(t, epoch.Add(time.Hour), got.LastUpdated)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	a := node("src/main.go", model.NodeFile, "main.go")
	a.Properties = model.Attributes{
		"language": model.String("go"),
		"lines":    model.Int(120),
		"exported": model.Bool(true),
		"modified": model.Time(epoch.Add(-time.Hour)),
	}
	a.Metadata = model.Attributes{"size": model.Number(4096)}
	fn := node("src/main.go::function::run", model.NodeFunction, "run")
	_, err := s.UpsertBatch(&model.Batch{
		Nodes: []*model.Node{a, fn},
		Edges: []*model.Edge{
			edge(a.ID, fn.ID, model.EdgeContains, 1),
			edge(fn.ID, "pending", model.EdgeCalls, 0.25),
		},
	}, BatchOptions{ScanTime: epoch})
	require.NoError(t, err)

	snap := s.Snapshot()
	var buf bytes.Buffer
	require.NoError(t, EncodeSnapshot(&buf, snap))

	decoded, err := DecodeSnapshot(&buf)
	require.NoError(t, err)

	restored, _ := newTestStore(t)
	require.NoError(t, restored.Restore(decoded))
	assertSameGraph(t, snap, restored.Snapshot())
	assert.Equal(t, "/src/app", restored.ProjectRoot())
	assert.Equal(t, epoch, restored.LastScan().UTC())
	assert.Greater(t, restored.Generation(), snap.Generation)
}

func TestDecodeSnapshotDefaults(t *testing.T) {
	input := `{
		"projectRoot": "/p",
		"futureField": {"x": 1},
		"nodes": [["a", {"id": "a", "type": "file", "name": "a", "extra": true}],
		          ["b", {"type": "function", "name": "b"}]],
		"edges": [["a->b#contains", {"source": "a", "target": "b", "type": "contains"}],
		          ["a->b#calls", {"source": "a", "target": "b", "type": "calls", "confidence": 0.9}]]
	}`
	snap, err := DecodeSnapshot(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, model.DefaultConfidence, snap.Nodes[0].Confidence)
	assert.Equal(t, "b", snap.Nodes[1].ID)
	require.Len(t, snap.Edges, 2)
	assert.Equal(t, model.DefaultConfidence, snap.Edges[0].Weight)
	assert.Equal(t, 0.9, snap.Edges[1].Weight)
	assert.True(t, snap.LastScan.IsZero())
}

func TestDecodeSnapshotRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		entry string
		index int
	}{
		{"missing project root", `{"nodes": [], "edges": []}`, "snapshot", -1},
		{"not json", `{"projectRoot": `, "snapshot", -1},
		{"node missing type", `{"projectRoot": "/p", "nodes": [["a", {"id": "a"}]]}`, "node", 0},
		{"node missing id", `{"projectRoot": "/p", "nodes": [["a", {"id":"a","type":"file"}], ["", {"type": "file"}]]}`, "node", 1},
		{"node id mismatch", `{"projectRoot": "/p", "nodes": [["a", {"id": "b", "type": "file"}]]}`, "node", 0},
		{"node not a pair", `{"projectRoot": "/p", "nodes": [{"id": "a", "type": "file"}]}`, "node", 0},
		{"edge missing endpoint", `{"projectRoot": "/p", "edges": [["k", {"source": "a", "type": "calls"}]]}`, "edge", 0},
		{"edge missing type", `{"projectRoot": "/p", "edges": [["k", {"source": "a", "target": "b"}]]}`, "edge", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSnapshot(strings.NewReader(tt.input))
			var pfe *model.PersistenceFormatError
			require.ErrorAs(t, err, &pfe)
			assert.Equal(t, tt.entry, pfe.Entry)
			assert.Equal(t, tt.index, pfe.Index)
		})
	}
}

func TestRestoreRejectsInvalidSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertNode(node("keep", model.NodeFile, "keep"))
	require.NoError(t, err)

	err = s.Restore(&Snapshot{
		ProjectRoot: "/p",
		Nodes:       []*model.Node{{ID: "x", Type: model.NodeFile}, {ID: "x", Type: model.NodeFile}},
	})
	var pfe *model.PersistenceFormatError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, 1, pfe.Index)

	_, ok := s.GetNode("keep")
	assert.True(t, ok, "failed restore must leave the store untouched")
}

// Readers must always observe a whole number of committed batches: each
// writer batch adds a node together with an edge to it.
func TestConcurrentReadersSeeConsistentGenerations(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertNode(node("root", model.NodeDirectory, "root"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("f%d", i)
			_, err := s.UpsertBatch(&model.Batch{
				Nodes: []*model.Node{node(id, model.NodeFile, id)},
				Edges: []*model.Edge{edge("root", id, model.EdgeContains, 1)},
			}, BatchOptions{})
			if err != nil {
				t.Errorf("upsert: %v", err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = s.View(func(tx *ReadTx) error {
					if tx.NodeCount() != tx.EdgeCount()+1 {
						t.Errorf("torn read at generation %d: %d nodes, %d edges",
							tx.Generation(), tx.NodeCount(), tx.EdgeCount())
					}
					if tx.Generation() != s.Generation() {
						t.Errorf("generation moved during read")
					}
					return nil
				})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 201, s.Stats().Nodes)
}

func assertSameGraph(t *testing.T, want, got *Snapshot) {
	t.Helper()
	require.Len(t, got.Nodes, len(want.Nodes))
	require.Len(t, got.Edges, len(want.Edges))

	byID := make(map[string]*model.Node)
	for _, n := range got.Nodes {
		byID[n.ID] = n
	}
	for _, w := range want.Nodes {
		g, ok := byID[w.ID]
		require.True(t, ok, "node %s missing", w.ID)
		assert.True(t, w.SameContent(g), "node %s differs: %+v vs %+v", w.ID, w, g)
		assert.True(t, w.LastUpdated.Equal(g.LastUpdated), "node %s lastUpdated", w.ID)
	}

	byKey := make(map[model.EdgeKey]*model.Edge)
	for _, e := range got.Edges {
		byKey[e.Key()] = e
	}
	for _, w := range want.Edges {
		g, ok := byKey[w.Key()]
		require.True(t, ok, "edge %s missing", w.Key())
		assert.True(t, w.SameContent(g), "edge %s differs", w.Key())
	}
}
