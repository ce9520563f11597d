// Package web exposes the store, query, relevance and maintenance
// boundaries over HTTP, with SSE subscriptions and prometheus metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/ritzau/mindmap/pkg/graph"
	"github.com/ritzau/mindmap/pkg/ingest"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/persist"
	"github.com/ritzau/mindmap/pkg/pubsub"
	"github.com/ritzau/mindmap/pkg/query"
	"github.com/ritzau/mindmap/pkg/reclaim"
	"github.com/ritzau/mindmap/pkg/relevance"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/telemetry"
)

// maxBody bounds request bodies; batches are the largest
const maxBody = 64 << 20

// Options wires the server to its collaborators. Manager may be nil, in
// which case maintenance and reload answer 503.
type Options struct {
	Store     *store.Store
	Engine    *query.Engine
	Pipeline  *relevance.Pipeline
	Manager   *reclaim.Manager
	Runner    *ingest.Runner
	Publisher *pubsub.SSEPublisher

	// SnapshotPath is where POST /api/snapshot saves; empty disables it
	SnapshotPath string
}

// Server represents the web server
type Server struct {
	router    *mux.Router
	store     *store.Store
	engine    *query.Engine
	pipeline  *relevance.Pipeline
	manager   *reclaim.Manager
	runner    *ingest.Runner
	publisher *pubsub.SSEPublisher
	snapshot  string
}

// NewServer creates a new web server
func NewServer(opts Options) *Server {
	publisher := opts.Publisher
	if publisher == nil {
		publisher = pubsub.NewSSEPublisher()
		pubsub.DefaultTopics(publisher)
	}
	runner := opts.Runner
	if runner == nil {
		runner = ingest.NewRunner(opts.Store, publisher)
	}
	engine := opts.Engine
	if engine == nil {
		engine = query.NewEngine(opts.Store, query.DefaultOptions())
	}

	s := &Server{
		router:    mux.NewRouter(),
		store:     opts.Store,
		engine:    engine,
		pipeline:  opts.Pipeline,
		manager:   opts.Manager,
		runner:    runner,
		publisher: publisher,
		snapshot:  opts.SnapshotPath,
	}
	s.setupRoutes()
	return s
}

// Publisher returns the SSE publisher the server streams from
func (s *Server) Publisher() pubsub.Publisher {
	return s.publisher
}

// Handler returns the router wrapped in the request logging middleware
func (s *Server) Handler() http.Handler {
	return logging.RequestIDMiddleware(s.router)
}

func (s *Server) setupRoutes() {
	// Node ids contain slashes; clients escape them
	s.router.UseEncodedPath()

	// SSE subscription endpoints
	s.router.HandleFunc("/api/subscribe/{topic}", s.handleSubscribe).Methods("GET")

	// Read boundaries
	s.router.HandleFunc("/api/query", s.handleQuery).Methods("GET", "POST")
	s.router.HandleFunc("/api/search", s.handleSearch).Methods("GET", "POST")
	s.router.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/api/nodes/{id}", s.handleGetNode).Methods("GET")
	s.router.HandleFunc("/api/cycles", s.handleCycles).Methods("GET")

	// Write boundaries
	s.router.HandleFunc("/api/batch", s.handleBatch).Methods("POST")
	s.router.HandleFunc("/api/nodes/{id}", s.handleDeleteNode).Methods("DELETE")
	s.router.HandleFunc("/api/dangling", s.handleDangling).Methods("GET")
	s.router.HandleFunc("/api/dangling", s.handlePurgeDangling).Methods("DELETE")

	// Maintenance
	s.router.HandleFunc("/api/maintenance", s.handleMaintenance).Methods("POST")
	s.router.HandleFunc("/api/reload", s.handleReload).Methods("POST")
	s.router.HandleFunc("/api/snapshot", s.handleSaveSnapshot).Methods("POST")
	s.router.HandleFunc("/api/snapshot", s.handleExportSnapshot).Methods("GET")

	s.router.Handle("/metrics", telemetry.Handler()).Methods("GET")
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "generation": s.store.Generation()})
	}).Methods("GET")
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if topic != pubsub.TopicGraph && topic != pubsub.TopicMaintenance {
		writeError(w, r, fmt.Errorf("topic %q: %w", topic, model.ErrNotFound))
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*") // CORS support

	// Reconnecting EventSource clients send the id of the last event seen
	lastID, _ := strconv.Atoi(r.Header.Get("Last-Event-ID"))
	sub, err := s.publisher.SubscribeFrom(r.Context(), topic, lastID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	// Send initial comment to establish connection (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	flush(w)

	// Stream events
	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.DebugContext(r.Context(), "SSE client gone", "topic", topic, "error", err)
			return
		}
		flush(w)
	}
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if r.Method == http.MethodGet {
		req.Query = r.URL.Query().Get("q")
	} else if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.engine.Execute(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "relevance pipeline not configured", http.StatusServiceUnavailable)
		return
	}

	var (
		req relevance.Request
		err error
	)
	if r.Method == http.MethodGet {
		req, err = searchFromQuery(r.URL.Query())
	} else {
		req, err = searchFromBody(r)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// searchFromQuery reads ?text=...&limit=...&bypass=temporal,inhibition
func searchFromQuery(v url.Values) (relevance.Request, error) {
	req := relevance.Request{Text: v.Get("text")}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return req, &model.InvalidOptionsError{Option: "limit", Value: l, Reason: "not an integer"}
		}
		req.Limit = n
	}
	if b := v.Get("bypass"); b != "" {
		flags := make(map[string]bool)
		for _, stage := range strings.Split(b, ",") {
			flags[strings.TrimSpace(stage)] = true
		}
		bypass, err := relevance.ParseBypass(flags)
		if err != nil {
			return req, err
		}
		req.Bypass = bypass
	}
	return req, nil
}

type searchRequest struct {
	Text   string          `json:"text"`
	Limit  int             `json:"limit"`
	Bypass map[string]bool `json:"bypass"`
}

// searchFromBody decodes the bypass mapping through ParseBypass so unknown
// stage names are rejected rather than ignored
func searchFromBody(r *http.Request) (relevance.Request, error) {
	var body searchRequest
	if err := decodeBody(r, &body); err != nil {
		return relevance.Request{}, err
	}
	bypass, err := relevance.ParseBypass(body.Bypass)
	if err != nil {
		return relevance.Request{}, err
	}
	return relevance.Request{Text: body.Text, Limit: body.Limit, Bypass: bypass}, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

// handleCycles lists strongly connected groups, restricted to the edge types
// named by repeated ?type= parameters
func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	var types []model.EdgeType
	for _, t := range r.URL.Query()["type"] {
		types = append(types, model.EdgeType(t))
	}
	cycles := graph.StoreCycles(s.store, types...)
	if cycles == nil {
		cycles = [][]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

type nodeResponse struct {
	Node *model.Node   `json:"node"`
	Out  []*model.Edge `json:"out"`
	In   []*model.Edge `json:"in"`
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var resp nodeResponse
	_ = s.store.View(func(tx *store.ReadTx) error {
		n, ok := tx.Node(id)
		if !ok {
			return nil
		}
		resp.Node = n
		resp.Out = tx.OutEdges(id)
		resp.In = tx.InEdges(id)
		return nil
	})
	if resp.Node == nil {
		writeError(w, r, fmt.Errorf("node %q: %w", id, model.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := nodeID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	edges, err := s.store.RemoveNode(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ingest.Announce(s.store, s.publisher, pubsub.EventRemoved, "api", 1+edges)
	writeJSON(w, http.StatusOK, map[string]any{
		"removed":      id,
		"edgesRemoved": edges,
		"generation":   s.store.Generation(),
	})
}

func nodeID(r *http.Request) (string, error) {
	id, err := url.PathUnescape(mux.Vars(r)["id"])
	if err != nil || id == "" {
		return "", &model.InvalidOptionsError{Option: "id", Value: mux.Vars(r)["id"], Reason: "not a valid node id"}
	}
	return id, nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := decompress(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	b, err := ingest.DecodeBatch(body)
	if err != nil {
		writeError(w, r, badRequest(err))
		return
	}

	strict, _ := strconv.ParseBool(r.URL.Query().Get("strict"))
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "api"
	}
	res, err := s.runner.Apply(r.Context(), source, b, ingest.Options{Strict: strict})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decompress honours Content-Encoding gzip and zstd on batch uploads
func decompress(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	body := http.MaxBytesReader(w, r.Body, maxBody)
	switch enc := strings.ToLower(r.Header.Get("Content-Encoding")); enc {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, badRequest(err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, badRequest(err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, &model.InvalidOptionsError{Option: "Content-Encoding", Value: enc, Reason: "want gzip or zstd"}
	}
}

func (s *Server) handleDangling(w http.ResponseWriter, r *http.Request) {
	keys := s.store.DanglingEdges()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"dangling": out, "generation": s.store.Generation()})
}

func (s *Server) handlePurgeDangling(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PurgeDangling()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if n > 0 {
		ingest.Announce(s.store, s.publisher, pubsub.EventRemoved, "api", n)
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n, "generation": s.store.Generation()})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "maintenance not configured", http.StatusServiceUnavailable)
		return
	}

	var req reclaim.MaintenanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.manager.Run(r.Context(), req)
	if res != nil {
		AnnounceMaintenance(s.store, s.publisher, res, err)
	}
	if err != nil {
		var chunkErr *reclaim.ChunkError
		if errors.As(err, &chunkErr) && res != nil {
			// Committed chunks stay committed; report them with the failure
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":  errorBody(err),
				"result": res,
			})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "maintenance not configured", http.StatusServiceUnavailable)
		return
	}

	var req reclaim.ReloadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.manager.Reload(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Materialized && len(res.Nodes) > 0 {
		ingest.Announce(s.store, s.publisher, pubsub.EventReloaded, "api", len(res.Nodes))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == "" {
		http.Error(w, "no snapshot path configured", http.StatusServiceUnavailable)
		return
	}
	info, err := persist.Save(s.store, s.snapshot)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleExportSnapshot streams the current snapshot; ?format=zstd|gzip|json
func (s *Server) handleExportSnapshot(w http.ResponseWriter, r *http.Request) {
	var format persist.Format
	switch f := r.URL.Query().Get("format"); f {
	case "", "json":
		format = persist.FormatJSON
		w.Header().Set("Content-Type", "application/json")
	case "zstd":
		format = persist.FormatZstd
		w.Header().Set("Content-Type", "application/zstd")
	case "gzip":
		format = persist.FormatGzip
		w.Header().Set("Content-Type", "application/gzip")
	default:
		writeError(w, r, &model.InvalidOptionsError{Option: "format", Value: f, Reason: "want json, zstd or gzip"})
		return
	}

	w.Header().Set("X-Mindmap-Generation", strconv.FormatUint(s.store.Generation(), 10))
	if err := persist.Write(w, s.store.Snapshot(), format); err != nil {
		logging.ErrorContext(r.Context(), "snapshot export failed", "error", err)
	}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting web server", "url", fmt.Sprintf("http://localhost:%d", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// SSE streams end when the publisher closes
	_ = s.publisher.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logging.Info("web server stopped")
	return nil
}

// flush goes through ResponseController so wrapped writers still flush
func flush(w http.ResponseWriter) {
	_ = http.NewResponseController(w).Flush()
}
