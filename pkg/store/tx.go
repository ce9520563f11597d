package store

import (
	"sort"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// Change describes what an upsert did to the store
type Change int

const (
	Unchanged Change = iota // Content identical; at most lastUpdated was refreshed
	Inserted
	Updated
)

func (c Change) String() string {
	switch c {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// ReadTx is a read-only view of one store generation
type ReadTx struct {
	s   *Store
	gen uint64
	rev uint64
}

// Generation returns the generation this view observes
func (tx *ReadTx) Generation() uint64 {
	return tx.gen
}

// Revision returns the content revision this view observes
func (tx *ReadTx) Revision() uint64 {
	return tx.rev
}

// ProjectRoot returns the project root recorded for this graph
func (tx *ReadTx) ProjectRoot() string {
	return tx.s.projectRoot
}

// Now returns the store clock
func (tx *ReadTx) Now() time.Time {
	return tx.s.now()
}

// Node returns the stored node. The result must not be modified.
func (tx *ReadTx) Node(id string) (*model.Node, bool) {
	n, ok := tx.s.nodes[id]
	return n, ok
}

// HasNode reports whether a node with the id exists
func (tx *ReadTx) HasNode(id string) bool {
	_, ok := tx.s.nodes[id]
	return ok
}

// Edge returns the stored edge. The result must not be modified.
func (tx *ReadTx) Edge(key model.EdgeKey) (*model.Edge, bool) {
	e, ok := tx.s.edges[key]
	return e, ok
}

// NodeCount returns the number of nodes
func (tx *ReadTx) NodeCount() int {
	return len(tx.s.nodes)
}

// EdgeCount returns the number of edges, dangling ones included
func (tx *ReadTx) EdgeCount() int {
	return len(tx.s.edges)
}

// IsDangling reports whether either endpoint of e is missing
func (tx *ReadTx) IsDangling(e *model.Edge) bool {
	_, src := tx.s.nodes[e.Source]
	_, tgt := tx.s.nodes[e.Target]
	return !src || !tgt
}

// ScanNodes visits nodes in scan order until fn returns false
func (tx *ReadTx) ScanNodes(fn func(*model.Node) bool) {
	for _, id := range tx.s.order {
		if id == "" {
			continue
		}
		if !fn(tx.s.nodes[id]) {
			return
		}
	}
}

// ScanEdges visits every edge until fn returns false. Edges are grouped by
// source in node scan order; edges from unknown sources come last.
func (tx *ReadTx) ScanEdges(fn func(*model.Edge) bool) {
	for _, id := range tx.s.order {
		if id == "" {
			continue
		}
		for _, k := range sortedKeys(tx.s.out[id]) {
			if !fn(tx.s.edges[k]) {
				return
			}
		}
	}

	var orphans []string
	for src := range tx.s.out {
		if _, ok := tx.s.nodes[src]; !ok {
			orphans = append(orphans, src)
		}
	}
	sort.Strings(orphans)
	for _, src := range orphans {
		for _, k := range sortedKeys(tx.s.out[src]) {
			if !fn(tx.s.edges[k]) {
				return
			}
		}
	}
}

// OutEdges returns the edges leaving id in a stable order
func (tx *ReadTx) OutEdges(id string) []*model.Edge {
	return tx.collect(tx.s.out[id])
}

// InEdges returns the edges arriving at id in a stable order
func (tx *ReadTx) InEdges(id string) []*model.Edge {
	return tx.collect(tx.s.in[id])
}

func (tx *ReadTx) collect(set map[model.EdgeKey]struct{}) []*model.Edge {
	if len(set) == 0 {
		return nil
	}
	edges := make([]*model.Edge, 0, len(set))
	for _, k := range sortedKeys(set) {
		edges = append(edges, tx.s.edges[k])
	}
	return edges
}

// WriteTx is an exclusive transaction. Every change is recorded in an undo log
// so that a failed Update leaves the store exactly as it was.
type WriteTx struct {
	ReadTx

	undo       []func()
	structural bool
	touched    bool                   // Some lastUpdated was refreshed
	changed    map[string]*model.Node // Inserted, updated or removed nodes by id
}

func (tx *WriteTx) noteChanged(n *model.Node) {
	if tx.changed == nil {
		tx.changed = make(map[string]*model.Node)
	}
	tx.changed[n.ID] = n
}

// ChangedNodes returns the nodes this transaction inserted, updated or
// removed so far, sorted by id. Removed nodes are returned as they were.
// Touch-only upserts are not changes.
func (tx *WriteTx) ChangedNodes() []*model.Node {
	out := make([]*model.Node, 0, len(tx.changed))
	for _, n := range tx.changed {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpsertNode inserts n or updates the node with the same id.
// The stored node is a copy; n is not retained.
func (tx *WriteTx) UpsertNode(n *model.Node) (Change, error) {
	if n == nil {
		return Unchanged, model.ErrInvalidEntity
	}
	next := n.Clone()
	if err := next.Validate(); err != nil {
		return Unchanged, err
	}

	now := tx.s.now()
	if next.LastUpdated.IsZero() {
		next.LastUpdated = now
	}

	s := tx.s
	prev, exists := s.nodes[next.ID]
	if !exists {
		if next.ConfidenceSince.IsZero() {
			next.ConfidenceSince = next.LastUpdated
		}
		s.nodes[next.ID] = next
		s.pos[next.ID] = len(s.order)
		s.order = append(s.order, next.ID)
		tx.structural = true
		tx.noteChanged(next)
		tx.undo = append(tx.undo, func() {
			delete(s.nodes, next.ID)
			delete(s.pos, next.ID)
			s.order = s.order[:len(s.order)-1]
		})
		return Inserted, nil
	}

	if prev.SameContent(next) {
		// Touch only: keep identity and generation, refresh the timestamp
		touched := prev.Clone()
		if next.LastUpdated.After(touched.LastUpdated) {
			touched.LastUpdated = next.LastUpdated
			tx.touched = true
		}
		s.nodes[next.ID] = touched
		tx.undo = append(tx.undo, func() { s.nodes[next.ID] = prev })
		return Unchanged, nil
	}

	if prev.Confidence == next.Confidence {
		next.ConfidenceSince = prev.ConfidenceSince
	} else {
		next.ConfidenceSince = next.LastUpdated
	}
	s.nodes[next.ID] = next
	tx.structural = true
	tx.noteChanged(next)
	tx.undo = append(tx.undo, func() { s.nodes[next.ID] = prev })
	return Updated, nil
}

// UpsertEdge inserts e or updates the edge with the same (source, target, type).
// Endpoints need not exist yet; such edges are dangling until both do.
func (tx *WriteTx) UpsertEdge(e *model.Edge) (Change, error) {
	if e == nil {
		return Unchanged, model.ErrInvalidEntity
	}
	next := e.Clone()
	if err := next.Validate(); err != nil {
		return Unchanged, err
	}

	s := tx.s
	key := next.Key()
	prev, exists := s.edges[key]
	if exists {
		if prev.SameContent(next) {
			return Unchanged, nil
		}
		s.edges[key] = next
		tx.structural = true
		tx.undo = append(tx.undo, func() { s.edges[key] = prev })
		return Updated, nil
	}

	tx.putEdge(next)
	return Inserted, nil
}

// RemoveNode deletes a node and its incident edges. Returns the number of
// edges removed and whether the node existed.
func (tx *WriteTx) RemoveNode(id string) (int, bool) {
	s := tx.s
	prev, ok := s.nodes[id]
	if !ok {
		return 0, false
	}

	removed := 0
	for _, k := range sortedKeys(s.out[id]) {
		if tx.dropEdge(k) {
			removed++
		}
	}
	for _, k := range sortedKeys(s.in[id]) {
		if tx.dropEdge(k) {
			removed++
		}
	}

	p := s.pos[id]
	delete(s.nodes, id)
	delete(s.pos, id)
	s.order[p] = ""
	s.holes++
	tx.structural = true
	tx.noteChanged(prev)
	tx.undo = append(tx.undo, func() {
		s.nodes[id] = prev
		s.pos[id] = p
		s.order[p] = id
		s.holes--
	})
	return removed, true
}

// RemoveEdge deletes an edge, reporting whether it existed
func (tx *WriteTx) RemoveEdge(key model.EdgeKey) bool {
	return tx.dropEdge(key)
}

// SetLastScan records the time of a completed scan as part of this transaction
func (tx *WriteTx) SetLastScan(t time.Time) {
	s := tx.s
	prev := s.lastScan
	s.lastScan = t
	tx.undo = append(tx.undo, func() { s.lastScan = prev })
}

func (tx *WriteTx) putEdge(e *model.Edge) {
	s := tx.s
	key := e.Key()
	s.edges[key] = e
	addIndex(s.out, key.Source, key)
	addIndex(s.in, key.Target, key)
	tx.structural = true
	tx.undo = append(tx.undo, func() {
		delete(s.edges, key)
		dropIndex(s.out, key.Source, key)
		dropIndex(s.in, key.Target, key)
	})
}

func (tx *WriteTx) dropEdge(key model.EdgeKey) bool {
	s := tx.s
	prev, ok := s.edges[key]
	if !ok {
		return false
	}
	delete(s.edges, key)
	dropIndex(s.out, key.Source, key)
	dropIndex(s.in, key.Target, key)
	tx.structural = true
	tx.undo = append(tx.undo, func() {
		s.edges[key] = prev
		addIndex(s.out, key.Source, key)
		addIndex(s.in, key.Target, key)
	})
	return true
}

func (tx *WriteTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.structural = false
	tx.touched = false
	tx.changed = nil
}

func (tx *WriteTx) commit() {
	tx.undo = nil
	if tx.structural {
		tx.s.generation.Add(1)
	}
	if tx.structural || tx.touched {
		tx.s.revision.Add(1)
	}
	tx.s.compact()
}

// compact drops removed slots from the scan order once they dominate it
func (s *Store) compact() {
	if s.holes == 0 || s.holes*2 < len(s.order) {
		return
	}
	order := make([]string, 0, len(s.nodes))
	for _, id := range s.order {
		if id == "" {
			continue
		}
		s.pos[id] = len(order)
		order = append(order, id)
	}
	s.order = order
	s.holes = 0
}

func addIndex(idx map[string]map[model.EdgeKey]struct{}, id string, key model.EdgeKey) {
	set, ok := idx[id]
	if !ok {
		set = make(map[model.EdgeKey]struct{})
		idx[id] = set
	}
	set[key] = struct{}{}
}

func dropIndex(idx map[string]map[model.EdgeKey]struct{}, id string, key model.EdgeKey) {
	set, ok := idx[id]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx, id)
	}
}
