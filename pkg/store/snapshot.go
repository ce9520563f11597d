package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// Snapshot is a point-in-time copy of the graph
type Snapshot struct {
	ProjectRoot string
	LastScan    time.Time
	Generation  uint64
	Nodes       []*model.Node
	Edges       []*model.Edge
}

// Snapshot copies the current generation. Node order is scan order.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{}
	_ = s.View(func(tx *ReadTx) error {
		snap.ProjectRoot = s.projectRoot
		snap.LastScan = s.lastScan
		snap.Generation = tx.Generation()
		snap.Nodes = make([]*model.Node, 0, tx.NodeCount())
		snap.Edges = make([]*model.Edge, 0, tx.EdgeCount())
		tx.ScanNodes(func(n *model.Node) bool {
			snap.Nodes = append(snap.Nodes, n.Clone())
			return true
		})
		tx.ScanEdges(func(e *model.Edge) bool {
			snap.Edges = append(snap.Edges, e.Clone())
			return true
		})
		return nil
	})
	return snap
}

// Restore replaces the whole graph with the snapshot contents.
// The snapshot is validated before anything is replaced, so a bad snapshot
// leaves the store untouched. The generation moves past both the current
// one and the one recorded in the snapshot.
func (s *Store) Restore(snap *Snapshot) error {
	if snap == nil {
		return &model.PersistenceFormatError{Entry: "snapshot", Index: -1, Reason: "nil snapshot"}
	}

	nodes := make(map[string]*model.Node, len(snap.Nodes))
	order := make([]string, 0, len(snap.Nodes))
	pos := make(map[string]int, len(snap.Nodes))
	for i, n := range snap.Nodes {
		if n == nil {
			return &model.PersistenceFormatError{Entry: "node", Index: i, Reason: "null entry"}
		}
		c := n.Clone()
		if err := c.Validate(); err != nil {
			return &model.PersistenceFormatError{Entry: "node", Index: i, ID: n.ID, Reason: err.Error()}
		}
		if c.ConfidenceSince.IsZero() {
			c.ConfidenceSince = c.LastUpdated
		}
		if _, dup := nodes[c.ID]; dup {
			return &model.PersistenceFormatError{Entry: "node", Index: i, ID: c.ID, Reason: "duplicate id"}
		}
		nodes[c.ID] = c
		pos[c.ID] = len(order)
		order = append(order, c.ID)
	}

	edges := make(map[model.EdgeKey]*model.Edge, len(snap.Edges))
	out := make(map[string]map[model.EdgeKey]struct{})
	in := make(map[string]map[model.EdgeKey]struct{})
	for i, e := range snap.Edges {
		if e == nil {
			return &model.PersistenceFormatError{Entry: "edge", Index: i, Reason: "null entry"}
		}
		c := e.Clone()
		if err := c.Validate(); err != nil {
			return &model.PersistenceFormatError{Entry: "edge", Index: i, ID: e.Key().String(), Reason: err.Error()}
		}
		key := c.Key()
		edges[key] = c
		addIndex(out, key.Source, key)
		addIndex(in, key.Target, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
	s.order = order
	s.pos = pos
	s.holes = 0
	s.edges = edges
	s.out = out
	s.in = in
	s.projectRoot = snap.ProjectRoot
	s.lastScan = snap.LastScan

	next := s.generation.Load() + 1
	if snap.Generation >= next {
		next = snap.Generation + 1
	}
	s.generation.Store(next)
	s.revision.Add(1)
	return nil
}

// Wire format of the snapshot file. Pointer fields distinguish "missing"
// from zero so that defaults and required-field checks can be applied.
type wireSnapshot struct {
	ProjectRoot *string           `json:"projectRoot"`
	LastScan    *time.Time        `json:"lastScan,omitempty"`
	Generation  uint64            `json:"generation,omitempty"`
	Nodes       []json.RawMessage `json:"nodes"`
	Edges       []json.RawMessage `json:"edges"`
}

type wireNode struct {
	ID              *string          `json:"id"`
	Type            *model.NodeType  `json:"type"`
	Name            string           `json:"name"`
	Path            string           `json:"path,omitempty"`
	Properties      model.Attributes `json:"properties,omitempty"`
	Metadata        model.Attributes `json:"metadata,omitempty"`
	Confidence      *float64         `json:"confidence,omitempty"`
	LastUpdated     *time.Time       `json:"lastUpdated,omitempty"`
	ConfidenceSince *time.Time       `json:"confidenceSince,omitempty"`
}

type wireEdge struct {
	Source   *string          `json:"source"`
	Target   *string          `json:"target"`
	Type     *model.EdgeType  `json:"type"`
	Weight   *float64         `json:"weight,omitempty"`
	Metadata model.Attributes `json:"metadata,omitempty"`

	// Older producers called the weight "confidence"
	Confidence *float64 `json:"confidence,omitempty"`
}

// EncodeSnapshot writes snap in the snapshot file format:
// {"projectRoot", "lastScan", "nodes": [[id, node]...], "edges": [[key, edge]...]}
func EncodeSnapshot(w io.Writer, snap *Snapshot) error {
	root := snap.ProjectRoot
	ws := wireSnapshot{
		ProjectRoot: &root,
		Generation:  snap.Generation,
		Nodes:       make([]json.RawMessage, 0, len(snap.Nodes)),
		Edges:       make([]json.RawMessage, 0, len(snap.Edges)),
	}
	if !snap.LastScan.IsZero() {
		t := snap.LastScan
		ws.LastScan = &t
	}

	for _, n := range snap.Nodes {
		raw, err := json.Marshal([2]any{n.ID, n})
		if err != nil {
			return fmt.Errorf("encoding node %q: %w", n.ID, err)
		}
		ws.Nodes = append(ws.Nodes, raw)
	}
	for _, e := range snap.Edges {
		raw, err := json.Marshal([2]any{e.Key().String(), e})
		if err != nil {
			return fmt.Errorf("encoding edge %s: %w", e.Key(), err)
		}
		ws.Edges = append(ws.Edges, raw)
	}

	enc := json.NewEncoder(w)
	return enc.Encode(ws)
}

// DecodeSnapshot reads the snapshot file format. Unknown fields are ignored
// and missing optional fields are defaulted; structurally invalid input
// yields a *model.PersistenceFormatError.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var ws wireSnapshot
	if err := json.NewDecoder(r).Decode(&ws); err != nil {
		return nil, &model.PersistenceFormatError{Entry: "snapshot", Index: -1, Reason: err.Error()}
	}
	if ws.ProjectRoot == nil {
		return nil, &model.PersistenceFormatError{Entry: "snapshot", Index: -1, Reason: "missing projectRoot"}
	}

	snap := &Snapshot{
		ProjectRoot: *ws.ProjectRoot,
		Generation:  ws.Generation,
		Nodes:       make([]*model.Node, 0, len(ws.Nodes)),
		Edges:       make([]*model.Edge, 0, len(ws.Edges)),
	}
	if ws.LastScan != nil {
		snap.LastScan = *ws.LastScan
	}

	for i, raw := range ws.Nodes {
		n, err := decodeNode(raw)
		if err != nil {
			return nil, &model.PersistenceFormatError{Entry: "node", Index: i, Reason: err.Error()}
		}
		snap.Nodes = append(snap.Nodes, n)
	}
	for i, raw := range ws.Edges {
		e, err := decodeEdge(raw)
		if err != nil {
			return nil, &model.PersistenceFormatError{Entry: "edge", Index: i, Reason: err.Error()}
		}
		snap.Edges = append(snap.Edges, e)
	}
	return snap, nil
}

func splitPair(raw json.RawMessage) (string, json.RawMessage, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return "", nil, fmt.Errorf("entry is not a [key, value] pair: %w", err)
	}
	if len(pair) != 2 {
		return "", nil, fmt.Errorf("entry has %d elements, want 2", len(pair))
	}
	var key string
	if err := json.Unmarshal(pair[0], &key); err != nil {
		return "", nil, fmt.Errorf("entry key: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(pair[1]), []byte("null")) {
		return "", nil, fmt.Errorf("entry %q has null value", key)
	}
	return key, pair[1], nil
}

func decodeNode(raw json.RawMessage) (*model.Node, error) {
	key, body, err := splitPair(raw)
	if err != nil {
		return nil, err
	}
	var wn wireNode
	if err := json.Unmarshal(body, &wn); err != nil {
		return nil, fmt.Errorf("node %q: %w", key, err)
	}

	id := key
	if wn.ID != nil {
		if key != "" && *wn.ID != key {
			return nil, fmt.Errorf("node id %q does not match entry key %q", *wn.ID, key)
		}
		id = *wn.ID
	}
	if id == "" {
		return nil, fmt.Errorf("node missing id")
	}
	if wn.Type == nil || *wn.Type == "" {
		return nil, fmt.Errorf("node %q missing type", id)
	}

	n := &model.Node{
		ID:         id,
		Type:       *wn.Type,
		Name:       wn.Name,
		Path:       wn.Path,
		Properties: wn.Properties,
		Metadata:   wn.Metadata,
		Confidence: model.DefaultConfidence,
	}
	if wn.Confidence != nil {
		n.Confidence = *wn.Confidence
	}
	if wn.LastUpdated != nil {
		n.LastUpdated = *wn.LastUpdated
	}
	if wn.ConfidenceSince != nil {
		n.ConfidenceSince = *wn.ConfidenceSince
	}
	return n, nil
}

func decodeEdge(raw json.RawMessage) (*model.Edge, error) {
	key, body, err := splitPair(raw)
	if err != nil {
		return nil, err
	}
	var we wireEdge
	if err := json.Unmarshal(body, &we); err != nil {
		return nil, fmt.Errorf("edge %q: %w", key, err)
	}
	if we.Source == nil || we.Target == nil || *we.Source == "" || *we.Target == "" {
		return nil, fmt.Errorf("edge %q missing endpoint", key)
	}
	if we.Type == nil || *we.Type == "" {
		return nil, fmt.Errorf("edge %q missing type", key)
	}

	e := &model.Edge{
		Source:   *we.Source,
		Target:   *we.Target,
		Type:     *we.Type,
		Weight:   model.DefaultConfidence,
		Metadata: we.Metadata,
	}
	switch {
	case we.Weight != nil:
		e.Weight = *we.Weight
	case we.Confidence != nil:
		e.Weight = *we.Confidence
	}
	return e, nil
}
