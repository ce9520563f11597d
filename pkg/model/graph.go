package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// NodeType is the closed-but-extensible tag of a project entity
type NodeType string

const (
	NodeFile        NodeType = "file"
	NodeDirectory   NodeType = "directory"
	NodeFunction    NodeType = "function"
	NodeClass       NodeType = "class"
	NodeVariable    NodeType = "variable"
	NodePattern     NodeType = "pattern"
	NodeLazySummary NodeType = "lazy_summary" // Synthetic node standing in for a compressed group
)

// EdgeType is the relation kind of an edge
type EdgeType string

const (
	EdgeContains   EdgeType = "contains"
	EdgeImports    EdgeType = "imports"
	EdgeCalls      EdgeType = "calls"
	EdgeUsedBy     EdgeType = "used_by"
	EdgeReferences EdgeType = "references"
)

// DefaultConfidence is assigned when a producer (or an older snapshot) omits confidence or weight
const DefaultConfidence = 0.5

// Well-known metadata keys
const (
	MetaLazySummary    = "isLazySummary"
	MetaCompressedType = "compressedType"
	MetaScope          = "scope"
	MetaMembers        = "members"
)

// Node is a graph vertex representing a project entity
type Node struct {
	ID          string     `json:"id"`
	Type        NodeType   `json:"type"`
	Name        string     `json:"name"`
	Path        string     `json:"path,omitempty"`
	Properties  Attributes `json:"properties,omitempty"`
	Metadata    Attributes `json:"metadata,omitempty"`
	Confidence  float64    `json:"confidence"`
	LastUpdated time.Time  `json:"lastUpdated"`

	// ConfidenceSince is when Confidence last changed. Maintained by the store.
	ConfidenceSince time.Time `json:"confidenceSince,omitempty"`
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Properties = n.Properties.Clone()
	c.Metadata = n.Metadata.Clone()
	return &c
}

// IsLazySummary reports whether the node is a compression summary
func (n *Node) IsLazySummary() bool {
	if n.Type == NodeLazySummary {
		return true
	}
	v, ok := n.Metadata.Get(MetaLazySummary)
	return ok && v.Truthy()
}

// SameContent compares everything except the bookkeeping timestamps
func (n *Node) SameContent(o *Node) bool {
	return n.ID == o.ID &&
		n.Type == o.Type &&
		n.Name == o.Name &&
		n.Path == o.Path &&
		n.Confidence == o.Confidence &&
		n.Properties.Equal(o.Properties) &&
		n.Metadata.Equal(o.Metadata)
}

// Validate checks required fields and normalizes confidence into [0,1]
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: node without id", ErrInvalidEntity)
	}
	if n.Type == "" {
		return fmt.Errorf("%w: node %q without type", ErrInvalidEntity, n.ID)
	}
	c, err := normalizeUnit(n.Confidence)
	if err != nil {
		return fmt.Errorf("%w: node %q confidence: %v", ErrInvalidEntity, n.ID, err)
	}
	n.Confidence = c
	return nil
}

// EdgeKey is the identity of an edge: re-inserting the same key updates in place
type EdgeKey struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
}

// String renders the key in the snapshot format: source->target#type
func (k EdgeKey) String() string {
	return k.Source + "->" + k.Target + "#" + string(k.Type)
}

// ParseEdgeKey parses the format produced by EdgeKey.String
func ParseEdgeKey(s string) (EdgeKey, error) {
	hash := strings.LastIndex(s, "#")
	if hash < 0 {
		return EdgeKey{}, fmt.Errorf("edge key %q: missing type", s)
	}
	arrow := strings.Index(s[:hash], "->")
	if arrow < 0 {
		return EdgeKey{}, fmt.Errorf("edge key %q: missing arrow", s)
	}
	return EdgeKey{Source: s[:arrow], Target: s[arrow+2 : hash], Type: EdgeType(s[hash+1:])}, nil
}

// Edge is a directed, typed relation between two node ids
type Edge struct {
	Source   string     `json:"source"`
	Target   string     `json:"target"`
	Type     EdgeType   `json:"type"`
	Weight   float64    `json:"weight"`
	Metadata Attributes `json:"metadata,omitempty"`
}

// Key returns the identity tuple of the edge
func (e *Edge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Target: e.Target, Type: e.Type}
}

// Clone returns a deep copy of the edge
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.Metadata = e.Metadata.Clone()
	return &c
}

// SameContent compares weight and metadata of two edges with the same key
func (e *Edge) SameContent(o *Edge) bool {
	return e.Key() == o.Key() && e.Weight == o.Weight && e.Metadata.Equal(o.Metadata)
}

// Validate checks required fields and normalizes weight into [0,1]
func (e *Edge) Validate() error {
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("%w: edge %s without endpoint", ErrInvalidEntity, e.Key())
	}
	if e.Type == "" {
		return fmt.Errorf("%w: edge %s without type", ErrInvalidEntity, e.Key())
	}
	w, err := normalizeUnit(e.Weight)
	if err != nil {
		return fmt.Errorf("%w: edge %s weight: %v", ErrInvalidEntity, e.Key(), err)
	}
	e.Weight = w
	return nil
}

// Batch is a unit of upsert produced by a scanner or analyzer collaborator
type Batch struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Len returns the total number of entities in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Nodes) + len(b.Edges)
}

func normalizeUnit(f float64) (float64, error) {
	if math.IsNaN(f) {
		return 0, fmt.Errorf("NaN")
	}
	return Clamp01(f), nil
}

// Clamp01 clamps f into [0,1]
func Clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
