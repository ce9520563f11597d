// Package ingest feeds producer batches into the graph store. A Source
// yields one batch; the Runner applies it at the upsert boundary, records
// metrics and announces the new generation to subscribers.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/pubsub"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/telemetry"
)

// Source produces one batch of nodes and edges
type Source interface {
	// Name labels the source in logs and metrics
	Name() string
	Read(ctx context.Context) (*model.Batch, error)
}

// Options configures one ingest run
type Options struct {
	// Strict rejects the batch when an edge would be left dangling
	Strict bool
	// Reason is logged and published with the change, e.g. "initial scan"
	Reason string
	// Scan marks the batch as a full project scan and stamps the store's last scan time
	Scan bool
}

// Result reports one ingest run
type Result struct {
	Source   string            `json:"source"`
	Batch    store.BatchResult `json:"batch"`
	Duration time.Duration     `json:"duration"`
}

// Runner applies batches one at a time
type Runner struct {
	store     *store.Store
	publisher pubsub.Publisher
	mu        sync.Mutex // Serializes runs so each reason maps to one generation step
}

// NewRunner creates a runner. publisher may be nil.
func NewRunner(s *store.Store, publisher pubsub.Publisher) *Runner {
	return &Runner{store: s, publisher: publisher}
}

// Run reads src and applies its batch
func (r *Runner) Run(ctx context.Context, src Source, opts Options) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logging.DebugContext(ctx, "reading batch", "source", src.Name(), "reason", opts.Reason)
	b, err := src.Read(ctx)
	if err != nil {
		telemetry.ObserveIngest(src.Name(), err)
		return nil, fmt.Errorf("read %s: %w", src.Name(), err)
	}
	return r.apply(ctx, src.Name(), b, opts)
}

// Apply upserts an already decoded batch, as received over the API
func (r *Runner) Apply(ctx context.Context, source string, b *model.Batch, opts Options) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(ctx, source, b, opts)
}

func (r *Runner) apply(ctx context.Context, source string, b *model.Batch, opts Options) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bopts := store.BatchOptions{Strict: opts.Strict}
	if opts.Scan {
		bopts.ScanTime = r.store.Now()
	}
	res, err := r.store.UpsertBatch(b, bopts)
	telemetry.ObserveIngest(source, err)
	if err != nil {
		logging.WarnContext(ctx, "batch rejected", "source", source, "error", err)
		return nil, err
	}

	out := &Result{Source: source, Batch: res, Duration: time.Since(start)}
	logging.InfoContext(ctx, "batch applied",
		"source", source,
		"reason", opts.Reason,
		"nodesInserted", res.NodesInserted,
		"nodesUpdated", res.NodesUpdated,
		"edgesInserted", res.EdgesInserted,
		"edgesUpdated", res.EdgesUpdated,
		"dangling", len(res.Dangling),
		"generation", res.Generation,
		"duration", out.Duration)

	if res.Changed() {
		changed := res.NodesInserted + res.NodesUpdated + res.EdgesInserted + res.EdgesUpdated
		Announce(r.store, r.publisher, pubsub.EventIngested, source, changed)
	}
	return out, nil
}

// Announce publishes the current store shape on the graph topic and
// refreshes the store gauges. A nil publisher only refreshes the gauges.
func Announce(s *store.Store, publisher pubsub.Publisher, eventType, source string, changed int) {
	st := s.Stats()
	telemetry.ObserveStore(telemetry.StoreStats{
		Generation:     st.Generation,
		NodesByType:    st.NodesByType,
		Edges:          st.Edges,
		DanglingEdges:  st.DanglingEdges,
		EstimatedBytes: st.EstimatedBytes,
	})
	if publisher == nil {
		return
	}
	err := publisher.Publish(pubsub.TopicGraph, eventType, pubsub.GraphChanged{
		Generation: st.Generation,
		Nodes:      st.Nodes,
		Edges:      st.Edges,
		Source:     source,
		Changed:    changed,
	})
	if err != nil {
		logging.Warn("failed to publish graph change", "source", source, "error", err)
	}
}
