package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/persist"
	"github.com/ritzau/mindmap/pkg/pubsub"
	"github.com/ritzau/mindmap/pkg/reclaim"
	"github.com/ritzau/mindmap/pkg/relevance"
	"github.com/ritzau/mindmap/pkg/store"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const runID = "src/main.ts::function::run"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s := store.New(store.WithClock(func() time.Time { return epoch }), store.WithProjectRoot("/src/app"))
	_, err := s.UpsertBatch(&model.Batch{
		Nodes: []*model.Node{
			{ID: "src/main.ts", Type: model.NodeFile, Name: "main.ts", Path: "src/main.ts", Confidence: 1},
			{ID: runID, Type: model.NodeFunction, Name: "run", Path: "src/main.ts", Confidence: 1},
			{ID: "src/main.ts::variable::x", Type: model.NodeVariable, Name: "x", Path: "src/main.ts", Confidence: 1},
			{ID: "src/util.ts", Type: model.NodeFile, Name: "util.ts", Path: "src/util.ts", Confidence: 1},
		},
		Edges: []*model.Edge{
			{Source: "src/main.ts", Target: runID, Type: model.EdgeContains, Weight: 1},
			{Source: runID, Target: "src/main.ts::variable::x", Type: model.EdgeContains, Weight: 1},
			{Source: "src/main.ts", Target: "src/util.ts", Type: model.EdgeImports, Weight: 0.1},
		},
	}, store.BatchOptions{})
	require.NoError(t, err)

	pipeline, err := relevance.New(s, relevance.DefaultConfig())
	require.NoError(t, err)
	mgr, err := reclaim.New(s, nil, reclaim.DefaultConfig())
	require.NoError(t, err)

	srv := NewServer(Options{Store: s, Pipeline: pipeline, Manager: mgr})
	t.Cleanup(func() { _ = srv.Publisher().Close() })
	return srv, s
}

func do(t *testing.T, srv *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, target, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func TestQuery(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/query", map[string]string{
		"query": "MATCH (n) WHERE n.type = 'file' RETURN n.name LIMIT 1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		Columns      []string         `json:"columns"`
		Nodes        []map[string]any `json:"nodes"`
		TotalMatches int              `json:"totalMatches"`
	}](t, rec)
	assert.Equal(t, []string{"n.name"}, res.Columns)
	assert.Equal(t, []map[string]any{{"n.name": "main.ts"}}, res.Nodes)
	assert.Equal(t, 2, res.TotalMatches)

	rec = do(t, srv, http.MethodGet, "/api/query?q="+url.QueryEscape("MATCH (n) RETURN m.name"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decode[errorResponse](t, rec)
	assert.Equal(t, "syntax", e.Error.Type)
	require.NotNil(t, e.Error.Position)
	assert.Equal(t, 17, *e.Error.Position)
}

func TestSearch(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/api/search", map[string]any{
		"text":   "run",
		"bypass": map[string]bool{"temporal": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[relevance.Response](t, rec)
	require.NotEmpty(t, resp.Nodes)
	assert.Equal(t, runID, resp.Nodes[0].Node.ID)
	assert.Equal(t, []string{"temporal"}, resp.Bypassed)

	rec = do(t, srv, http.MethodGet, "/api/search?text=run&bypass=telepathy", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_options", decode[errorResponse](t, rec).Error.Type)

	rec = do(t, srv, http.MethodPost, "/api/search", map[string]any{"text": "run", "bypass": map[string]bool{"telepathy": true}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchUpload(t *testing.T) {
	srv, s := newTestServer(t)
	sub, err := srv.Publisher().Subscribe(context.Background(), pubsub.TopicGraph)
	require.NoError(t, err)
	defer sub.Close()

	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	_, err = zw.Write([]byte(`{"nodes":[{"id":"lib.go","type":"file","name":"lib.go"}],
		"edges":[{"source":"lib.go","target":"src/main.ts","type":"imports"}]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/batch?source=test", &body)
	r.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	n, ok := s.GetNode("lib.go")
	require.True(t, ok)
	assert.Equal(t, model.DefaultConfidence, n.Confidence)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, pubsub.EventIngested, ev.Type)
		var changed pubsub.GraphChanged
		require.NoError(t, json.Unmarshal(ev.Data, &changed))
		assert.Equal(t, "test", changed.Source)
		assert.Equal(t, s.Generation(), changed.Generation)
	case <-time.After(time.Second):
		t.Fatal("no graph event")
	}

	rec = do(t, srv, http.MethodPost, "/api/batch?strict=true", map[string]any{
		"edges": []map[string]any{{"source": "lib.go", "target": "ghost", "type": "calls"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	e := decode[errorResponse](t, rec)
	assert.Equal(t, "referential_integrity", e.Error.Type)
	assert.Equal(t, []string{"ghost"}, e.Error.Missing)

	rec = do(t, srv, http.MethodPost, "/api/batch", map[string]any{
		"nodes": []map[string]any{{"id": "", "type": "file"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	r = httptest.NewRequest(http.MethodPost, "/api/batch", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeLifecycle(t *testing.T) {
	srv, s := newTestServer(t)
	target := "/api/nodes/" + url.PathEscape(runID)

	rec := do(t, srv, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	node := decode[nodeResponse](t, rec)
	assert.Equal(t, "run", node.Node.Name)
	assert.Len(t, node.Out, 1)
	assert.Len(t, node.In, 1)

	rec = do(t, srv, http.MethodDelete, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := s.GetNode(runID)
	assert.False(t, ok)
	assert.Empty(t, s.DanglingEdges())

	rec = do(t, srv, http.MethodGet, target, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, srv, http.MethodDelete, target, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWritesKeepSummaryCountersExact(t *testing.T) {
	srv, s := newTestServer(t)
	const x = "src/main.ts::variable::x"
	counters := func() reclaim.Counters {
		t.Helper()
		n, ok := s.GetNode(reclaim.SummaryID(model.NodeVariable, "src/main.ts"))
		require.True(t, ok)
		return reclaim.CountersOf(n)
	}

	rec := do(t, srv, http.MethodPost, "/api/maintenance", map[string]any{"operation": "compress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, reclaim.Counters{TotalVariables: 1, LazyLoadedCount: 1, UnusedCount: 1}, counters())

	rec = do(t, srv, http.MethodPost, "/api/batch", map[string]any{
		"nodes": []map[string]any{{"id": x, "type": "variable", "name": "x", "path": "src/main.ts"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := counters()
	assert.Equal(t, 1, c.LoadedVariables)
	assert.Zero(t, c.LazyLoadedCount)

	rec = do(t, srv, http.MethodDelete, "/api/nodes/"+url.PathEscape(x), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c = counters()
	assert.Zero(t, c.LoadedVariables)
	assert.Equal(t, 1, c.LazyLoadedCount)
	assert.Equal(t, c.TotalVariables, c.LoadedVariables+c.LazyLoadedCount)
}

func TestMaintenance(t *testing.T) {
	srv, s := newTestServer(t)
	sub, err := srv.Publisher().Subscribe(context.Background(), pubsub.TopicMaintenance)
	require.NoError(t, err)
	defer sub.Close()

	gen := s.Generation()
	rec := do(t, srv, http.MethodPost, "/api/maintenance", map[string]any{
		"operation": "prune", "keepTransitive": false, "dryRun": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[reclaim.MaintenanceResult](t, rec)
	assert.Equal(t, 1, res.Removed)
	assert.True(t, res.DryRun)
	assert.Equal(t, gen, s.Generation())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, pubsub.EventMaintained, ev.Type)
		var me pubsub.MaintenanceEvent
		require.NoError(t, json.Unmarshal(ev.Data, &me))
		assert.Equal(t, res.RunID, me.RunID)
		assert.Equal(t, 1, me.Removed)
	case <-time.After(time.Second):
		t.Fatal("no maintenance event")
	}

	// keepTransitive from the config keeps the only route to util.ts
	rec = do(t, srv, http.MethodPost, "/api/maintenance", map[string]any{"operation": "prune"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[reclaim.MaintenanceResult](t, rec)
	assert.Zero(t, res.Removed)
	assert.Equal(t, 1, res.Kept)

	rec = do(t, srv, http.MethodPost, "/api/maintenance", map[string]any{"operation": "defrag"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "operation", decode[errorResponse](t, rec).Error.Option)
}

func TestReloadWithoutMaterializer(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/api/reload", map[string]any{"scope": "src/main.ts"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "no_materializer", decode[errorResponse](t, rec).Error.Type)
}

func TestSnapshotExport(t *testing.T) {
	srv, s := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/snapshot?format=zstd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap, err := persist.Read(rec.Body, persist.FormatZstd)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, s.Stats().Nodes)
	assert.Equal(t, "/src/app", snap.ProjectRoot)

	rec = do(t, srv, http.MethodGet, "/api/snapshot?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/snapshot", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsAndMetrics(t *testing.T) {
	srv, s := newTestServer(t)

	rec := do(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[store.Stats](t, rec)
	assert.Equal(t, 4, st.Nodes)
	assert.Equal(t, s.Generation(), st.Generation)

	rec = do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/subscribe/gossip", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCycles(t *testing.T) {
	srv, s := newTestServer(t)

	type cyclesResponse struct {
		Cycles [][]string `json:"cycles"`
	}
	rec := do(t, srv, http.MethodGet, "/api/cycles?type=imports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[cyclesResponse](t, rec).Cycles)

	_, err := s.UpsertBatch(&model.Batch{
		Edges: []*model.Edge{{Source: "src/util.ts", Target: "src/main.ts", Type: model.EdgeImports, Weight: 1}},
	}, store.BatchOptions{})
	require.NoError(t, err)

	rec = do(t, srv, http.MethodGet, "/api/cycles?type=imports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, [][]string{{"src/main.ts", "src/util.ts"}}, decode[cyclesResponse](t, rec).Cycles)

	rec = do(t, srv, http.MethodGet, "/api/cycles?type=calls", nil)
	assert.Empty(t, decode[cyclesResponse](t, rec).Cycles)
}
