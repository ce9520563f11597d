// Package reclaim keeps the graph's memory footprint bounded: it prunes weak
// edges, folds compressible nodes into lazy summaries, and reloads them on
// demand through an analyzer.
//
// Long operations are planned under one read transaction and applied in
// chunks, each its own write transaction, so readers are never blocked for
// the whole run. A failing chunk is rolled back alone; earlier chunks stay
// committed and the report says how many made it.
package reclaim

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ritzau/mindmap/pkg/analyzer"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

// ErrNoMaterializer is returned by Reload when no analyzer is configured
var ErrNoMaterializer = errors.New("no materializer configured")

// ChunkError reports a chunk that failed and was rolled back
type ChunkError struct {
	Operation string
	Chunk     int // Zero-based index of the failed chunk
	Committed int
	Err       error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s: chunk %d failed after %d committed: %v", e.Operation, e.Chunk, e.Committed, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Manager runs maintenance against one store
type Manager struct {
	store        *store.Store
	materializer analyzer.Materializer
	config       Config

	// afterChunk runs inside each chunk's write transaction; an error rolls the chunk back
	afterChunk func(tx *store.WriteTx, op string, chunk int) error
}

// New creates a manager. m may be nil, in which case Reload is unavailable.
func New(s *store.Store, m analyzer.Materializer, cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []model.NodeType{model.NodeVariable}
	}
	mgr := &Manager{store: s, materializer: m, config: cfg}
	s.PreCommit(mgr.refreshChanged)
	return mgr, nil
}

// refreshChanged recomputes, inside the committing transaction, the summaries
// whose ledgers can count one of the changed nodes as loaded. Summaries of
// any type are covered, not only the configured ones.
func (m *Manager) refreshChanged(tx *store.WriteTx) error {
	ids := make(map[string]bool)
	for _, n := range tx.ChangedNodes() {
		if n.IsLazySummary() {
			continue
		}
		ids[SummaryID(n.Type, ScopeOf(n))] = true
	}
	for id := range ids {
		if _, err := refreshSummary(tx, id); err != nil {
			return err
		}
	}
	return nil
}

// chunkFunc applies one window of work. The returned function, if any, runs
// only once the window has committed.
type chunkFunc func(tx *store.WriteTx, lo, hi int) (onCommit func(), err error)

// chunks applies fn to [lo, hi) windows of n items, one write transaction
// per window. Cancellation is checked before each window.
func (m *Manager) chunks(ctx context.Context, op string, n, size int, fn chunkFunc) (committed int, err error) {
	if size <= 0 {
		size = m.config.ChunkSize
	}
	for i, lo := 0, 0; lo < n; i, lo = i+1, lo+size {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		hi := min(lo+size, n)
		var onCommit func()
		err := m.store.Update(func(tx *store.WriteTx) error {
			var err error
			if onCommit, err = fn(tx, lo, hi); err != nil {
				return err
			}
			if m.afterChunk != nil {
				return m.afterChunk(tx, op, i)
			}
			return nil
		})
		if err != nil {
			return committed, &ChunkError{Operation: op, Chunk: i, Committed: committed, Err: err}
		}
		committed++
		if onCommit != nil {
			onCommit()
		}
		logging.TraceContext(ctx, "maintenance chunk committed", "operation", op, "chunk", i, "items", hi-lo)
	}
	return committed, nil
}

func chunkCount(n, size int) int {
	if n == 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Run executes one maintenance request, filling unset options from the
// manager config. On failure the result still describes what was committed.
func (m *Manager) Run(ctx context.Context, req MaintenanceRequest) (*MaintenanceResult, error) {
	res := &MaintenanceResult{RunID: uuid.NewString(), Operation: req.Operation, DryRun: req.DryRun}
	if logging.GetRequestID(ctx) == "" {
		ctx = logging.WithRequestID(ctx, res.RunID)
	}

	switch req.Operation {
	case OpPrune:
		opts := PruneOptions{
			Threshold:      m.config.Threshold,
			KeepTransitive: m.config.KeepTransitive,
			DryRun:         req.DryRun,
		}
		if req.Threshold != nil {
			opts.Threshold = *req.Threshold
		}
		if req.KeepTransitive != nil {
			opts.KeepTransitive = *req.KeepTransitive
		}
		rep, err := m.Prune(ctx, opts)
		if rep != nil {
			res.Prune = rep
			res.Removed = rep.Removed
			res.Kept = rep.Kept
			res.MemoryReduced = rep.MemoryReduced
			res.Chunks = rep.Chunks
			res.ChunksCommitted = rep.ChunksCommitted
			res.Generation = rep.Generation
		}
		return res, err

	case OpCompress:
		opts := CompressOptions{
			Types:  m.config.Types,
			Dedupe: req.Dedupe || m.config.Dedupe,
			Scope:  req.Scope,
			DryRun: req.DryRun,
		}
		rep, err := m.Compress(ctx, opts)
		if rep != nil {
			res.Compress = rep
			res.Compressed = rep.Compressed
			res.LazyLoaded = rep.LazyLoaded
			res.MemoryReduced = rep.MemoryReduced
			res.Chunks = rep.Chunks
			res.ChunksCommitted = rep.ChunksCommitted
			res.Generation = rep.Generation
		}
		return res, err
	}
	return nil, &model.InvalidOptionsError{Option: "operation", Value: req.Operation, Reason: "must be prune or compress"}
}

// RefreshSummaries recomputes the counters of every summary whose scope is
// one of scopes, or of every summary when scopes is empty, and returns how
// many of them were stale
func (m *Manager) RefreshSummaries(ctx context.Context, scopes ...string) (int, error) {
	want := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		want[s] = true
	}
	var ids []string
	_ = m.store.View(func(tx *store.ReadTx) error {
		tx.ScanNodes(func(n *model.Node) bool {
			if !n.IsLazySummary() {
				return true
			}
			if len(want) > 0 {
				v, _ := n.Metadata.Get(model.MetaScope)
				s, _ := v.Str()
				if !want[s] {
					return true
				}
			}
			ids = append(ids, n.ID)
			return true
		})
		return nil
	})

	refreshed := 0
	_, err := m.chunks(ctx, "refresh", len(ids), 0, func(tx *store.WriteTx, lo, hi int) (func(), error) {
		n := 0
		for _, id := range ids[lo:hi] {
			ok, err := refreshSummary(tx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				n++
			}
		}
		return func() { refreshed += n }, nil
	})
	return refreshed, err
}
