// Package store holds the in-memory project graph.
//
// All mutation is serialized through Update, which holds the exclusive lock for
// the duration of one call and rolls back on error. Reads go through View,
// which holds the shared lock so a reader always sees exactly one generation.
package store

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// Store owns the node and edge collections of one project
type Store struct {
	mu sync.RWMutex

	nodes map[string]*model.Node
	order []string       // Scan order; "" marks a removed slot
	pos   map[string]int // Node id -> index in order
	holes int

	edges map[model.EdgeKey]*model.Edge
	out   map[string]map[model.EdgeKey]struct{}
	in    map[string]map[model.EdgeKey]struct{}

	projectRoot string
	lastScan    time.Time

	generation atomic.Uint64
	revision   atomic.Uint64 // Moves with the generation and also on touch-only upserts
	now        func() time.Time

	preCommit []func(tx *WriteTx) error
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for lastUpdated bookkeeping
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithProjectRoot sets the project root recorded in snapshots
func WithProjectRoot(root string) Option {
	return func(s *Store) { s.projectRoot = root }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		nodes: make(map[string]*model.Node),
		pos:   make(map[string]int),
		edges: make(map[model.EdgeKey]*model.Edge),
		out:   make(map[string]map[model.EdgeKey]struct{}),
		in:    make(map[string]map[model.EdgeKey]struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generation returns the current mutation generation
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// Revision returns a counter that moves on every committed write that changed
// anything, timestamp refreshes included. Caches of node content key on it.
func (s *Store) Revision() uint64 {
	return s.revision.Load()
}

// PreCommit registers fn to run at the end of every write transaction that
// changed nodes, inside that transaction and before readers can see it.
// Derived state stored in nodes is kept in step here. An error rolls the
// whole transaction back.
func (s *Store) PreCommit(fn func(tx *WriteTx) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preCommit = append(s.preCommit, fn)
}

// Now returns the store's notion of the current time
func (s *Store) Now() time.Time {
	return s.now()
}

// ProjectRoot returns the project root recorded for this graph
func (s *Store) ProjectRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectRoot
}

// SetProjectRoot records the project root
func (s *Store) SetProjectRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectRoot = root
}

// LastScan returns the time of the last completed scan
func (s *Store) LastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}

// View runs fn against a consistent read-only view of the store.
// Entities handed out by the view are shared with the store and must not be
// mutated or retained after fn returns; clone them instead.
func (s *Store) View(fn func(tx *ReadTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&ReadTx{s: s, gen: s.generation.Load(), rev: s.revision.Load()})
}

// Update runs fn with exclusive access. If fn returns an error (or panics)
// every change it made is rolled back and the generation is left untouched.
func (s *Store) Update(fn func(tx *WriteTx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &WriteTx{ReadTx: ReadTx{s: s, gen: s.generation.Load(), rev: s.revision.Load()}}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if len(tx.changed) > 0 {
		for _, hook := range s.preCommit {
			if err := hook(tx); err != nil {
				tx.rollback()
				return err
			}
		}
	}
	tx.commit()
	return nil
}

// UpsertNode inserts or updates a single node
func (s *Store) UpsertNode(n *model.Node) (Change, error) {
	var change Change
	err := s.Update(func(tx *WriteTx) error {
		var err error
		change, err = tx.UpsertNode(n)
		return err
	})
	return change, err
}

// UpsertEdge inserts or updates a single edge
func (s *Store) UpsertEdge(e *model.Edge) (Change, error) {
	var change Change
	err := s.Update(func(tx *WriteTx) error {
		var err error
		change, err = tx.UpsertEdge(e)
		return err
	})
	return change, err
}

// GetNode returns a copy of the node with the given id
func (s *Store) GetNode(id string) (*model.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// GetEdge returns a copy of the edge with the given key
func (s *Store) GetEdge(key model.EdgeKey) (*model.Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// RemoveNode deletes a node and every edge incident to it.
// Returns the number of edges removed along with it.
func (s *Store) RemoveNode(id string) (int, error) {
	var removed int
	err := s.Update(func(tx *WriteTx) error {
		var ok bool
		removed, ok = tx.RemoveNode(id)
		if !ok {
			return fmt.Errorf("node %q: %w", id, model.ErrNotFound)
		}
		return nil
	})
	return removed, err
}

// RemoveEdge deletes the edge with the given identity tuple
func (s *Store) RemoveEdge(key model.EdgeKey) error {
	return s.Update(func(tx *WriteTx) error {
		if !tx.RemoveEdge(key) {
			return fmt.Errorf("edge %s: %w", key, model.ErrNotFound)
		}
		return nil
	})
}

// Find returns copies of all nodes matching pred, in scan order
func (s *Store) Find(pred func(*model.Node) bool) []*model.Node {
	var result []*model.Node
	_ = s.View(func(tx *ReadTx) error {
		tx.ScanNodes(func(n *model.Node) bool {
			if pred == nil || pred(n) {
				result = append(result, n.Clone())
			}
			return true
		})
		return nil
	})
	return result
}

// DanglingEdges lists edges whose source or target is not (yet) present
func (s *Store) DanglingEdges() []model.EdgeKey {
	var keys []model.EdgeKey
	_ = s.View(func(tx *ReadTx) error {
		tx.ScanEdges(func(e *model.Edge) bool {
			if tx.IsDangling(e) {
				keys = append(keys, e.Key())
			}
			return true
		})
		return nil
	})
	return keys
}

// PurgeDangling removes every edge that does not resolve to two existing nodes
func (s *Store) PurgeDangling() (int, error) {
	var removed int
	err := s.Update(func(tx *WriteTx) error {
		var keys []model.EdgeKey
		tx.ScanEdges(func(e *model.Edge) bool {
			if tx.IsDangling(e) {
				keys = append(keys, e.Key())
			}
			return true
		})
		for _, k := range keys {
			if tx.RemoveEdge(k) {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Stats summarizes the store contents
type Stats struct {
	Generation     uint64         `json:"generation"`
	Nodes          int            `json:"nodes"`
	Edges          int            `json:"edges"`
	DanglingEdges  int            `json:"danglingEdges"`
	LazySummaries  int            `json:"lazySummaries"`
	NodesByType    map[string]int `json:"nodesByType"`
	EdgesByType    map[string]int `json:"edgesByType"`
	EstimatedBytes int64          `json:"estimatedBytes"`
	ProjectRoot    string         `json:"projectRoot"`
	LastScan       time.Time      `json:"lastScan"`
}

// Stats computes a summary of the current generation
func (s *Store) Stats() Stats {
	st := Stats{
		NodesByType: make(map[string]int),
		EdgesByType: make(map[string]int),
	}
	_ = s.View(func(tx *ReadTx) error {
		st.Generation = tx.Generation()
		st.ProjectRoot = s.projectRoot
		st.LastScan = s.lastScan
		tx.ScanNodes(func(n *model.Node) bool {
			st.Nodes++
			st.NodesByType[string(n.Type)]++
			st.EstimatedBytes += model.EstimateNodeSize(n)
			if n.IsLazySummary() {
				st.LazySummaries++
			}
			return true
		})
		tx.ScanEdges(func(e *model.Edge) bool {
			st.Edges++
			st.EdgesByType[string(e.Type)]++
			st.EstimatedBytes += model.EstimateEdgeSize(e)
			if tx.IsDangling(e) {
				st.DanglingEdges++
			}
			return true
		})
		return nil
	})
	return st
}

// sortedKeys returns the keys of an adjacency set in a stable order
func sortedKeys(set map[model.EdgeKey]struct{}) []model.EdgeKey {
	keys := make([]model.EdgeKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Type < b.Type
	})
	return keys
}
