// Package query implements the structured query dialect:
//
//	MATCH (n) [WHERE predicate] RETURN projection[, ...] [LIMIT k]
//
// Queries are parsed completely before evaluation and evaluated inside a
// single store read transaction, so a result always reflects exactly one
// store generation.
package query

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/telemetry"
)

// Row maps column names to projected values: a *model.Node for a whole-node
// projection, otherwise the attribute value or nil when it is missing.
type Row map[string]any

// Result of a structured query. Results may be shared between callers
// through the result cache and must be treated as read-only.
type Result struct {
	Query        string        `json:"query"`
	Columns      []string      `json:"columns"`
	Nodes        []Row         `json:"nodes"`
	Matched      []*model.Node `json:"-"`
	TotalMatches int           `json:"totalMatches"`
	Generation   uint64        `json:"generation"`
	QueryTime    time.Duration `json:"queryTime"`
	Cached       bool          `json:"cached,omitempty"`
}

// Options sizes the engine caches. A size of zero disables that cache.
type Options struct {
	PlanCacheSize   int
	ResultCacheSize int
}

// DefaultOptions returns the cache sizes used when none are configured
func DefaultOptions() Options {
	return Options{PlanCacheSize: 256, ResultCacheSize: 64}
}

// resultKey ties a cached result to the store revision, which also moves
// when only timestamps were refreshed
type resultKey struct {
	query    string
	revision uint64
}

// Engine evaluates structured queries against a store
type Engine struct {
	store   *store.Store
	plans   *lru.Cache[string, *Query]
	results *lru.Cache[resultKey, *Result]
}

// NewEngine creates an engine over s
func NewEngine(s *store.Store, opts Options) *Engine {
	e := &Engine{store: s}
	if opts.PlanCacheSize > 0 {
		e.plans, _ = lru.New[string, *Query](opts.PlanCacheSize)
	}
	if opts.ResultCacheSize > 0 {
		e.results, _ = lru.New[resultKey, *Result](opts.ResultCacheSize)
	}
	return e
}

// Prepare parses a query, consulting the plan cache
func (e *Engine) Prepare(text string) (*Query, error) {
	if e.plans != nil {
		if q, ok := e.plans.Get(text); ok {
			telemetry.CacheLookup("plan", true)
			return q, nil
		}
		telemetry.CacheLookup("plan", false)
	}
	q, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if e.plans != nil {
		e.plans.Add(text, q)
	}
	return q, nil
}

// cancelCheckInterval is how many nodes are scanned between context checks
const cancelCheckInterval = 1024

// Execute parses and evaluates a query. A syntax error is returned before
// anything is evaluated; cancellation aborts without a partial result.
func (e *Engine) Execute(ctx context.Context, text string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		telemetry.ObserveQuery("structured", time.Since(start), err)
	}()

	q, err := e.Prepare(text)
	if err != nil {
		logging.DebugContext(ctx, "query rejected", "query", text, "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cached := e.cached(text); cached != nil {
		cached.QueryTime = time.Since(start)
		return cached, nil
	}

	res = &Result{Query: text, Columns: q.Columns()}
	var revision uint64
	err = e.store.View(func(tx *store.ReadTx) error {
		res.Generation = tx.Generation()
		revision = tx.Revision()
		scanned := 0
		var scanErr error
		tx.ScanNodes(func(n *model.Node) bool {
			scanned++
			if scanned%cancelCheckInterval == 0 {
				if scanErr = ctx.Err(); scanErr != nil {
					return false
				}
			}
			if !Match(q.Where, n) {
				return true
			}
			res.TotalMatches++
			if q.Limit < 0 || len(res.Nodes) < q.Limit {
				row := make(Row, len(q.Projections))
				for _, p := range q.Projections {
					row[p.Column()] = project(n, p)
				}
				res.Nodes = append(res.Nodes, row)
				res.Matched = append(res.Matched, n.Clone())
			}
			return true
		})
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	if res.Nodes == nil {
		res.Nodes = []Row{}
	}

	if e.results != nil {
		e.results.Add(resultKey{query: text, revision: revision}, res)
	}
	out := *res
	out.QueryTime = time.Since(start)
	logging.DebugContext(ctx, "query executed",
		"query", text,
		"matches", out.TotalMatches,
		"returned", len(out.Nodes),
		"generation", out.Generation,
		"durationMs", out.QueryTime.Milliseconds())
	return &out, nil
}

// cached returns a copy of the cached result for the current store revision
func (e *Engine) cached(text string) *Result {
	if e.results == nil {
		return nil
	}
	r, ok := e.results.Get(resultKey{query: text, revision: e.store.Revision()})
	telemetry.CacheLookup("result", ok)
	if !ok {
		return nil
	}
	out := *r
	out.Cached = true
	return &out
}

// Purge empties both caches
func (e *Engine) Purge() {
	if e.plans != nil {
		e.plans.Purge()
	}
	if e.results != nil {
		e.results.Purge()
	}
}
