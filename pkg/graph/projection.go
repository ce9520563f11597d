// Package graph projects the store's multigraph onto a gonum directed graph
// for reachability and component analysis.
package graph

import (
	"sort"

	gonum "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

type pair struct {
	from, to int64
}

// Projection is a simple directed graph over node ids. Parallel store edges
// between the same ordered pair (edges of different types) collapse into one
// gonum edge; the projection counts how many store edges back each pair.
type Projection struct {
	graph    *simple.DirectedGraph
	ids      map[string]int64
	names    []string
	parallel map[pair]int
}

// NewProjection creates an empty projection
func NewProjection() *Projection {
	return &Projection{
		graph:    simple.NewDirectedGraph(),
		ids:      make(map[string]int64),
		parallel: make(map[pair]int),
	}
}

// FromStore projects every non-dangling edge accepted by include
// (all edges when include is nil). Every node is present, edges or not.
func FromStore(tx *store.ReadTx, include func(*model.Edge) bool) *Projection {
	p := NewProjection()
	tx.ScanNodes(func(n *model.Node) bool {
		p.AddNode(n.ID)
		return true
	})
	tx.ScanEdges(func(e *model.Edge) bool {
		if tx.IsDangling(e) {
			return true
		}
		if include == nil || include(e) {
			p.AddEdge(e.Source, e.Target)
		}
		return true
	})
	return p
}

// AddNode adds a node id if absent and returns its graph id
func (p *Projection) AddNode(id string) int64 {
	if gid, ok := p.ids[id]; ok {
		return gid
	}
	gid := int64(len(p.names))
	p.ids[id] = gid
	p.names = append(p.names, id)
	p.graph.AddNode(simple.Node(gid))
	return gid
}

// AddEdge records one store edge from source to target.
// Self-loops are counted but never added to the gonum graph, which rejects them.
func (p *Projection) AddEdge(source, target string) {
	from := p.AddNode(source)
	to := p.AddNode(target)
	key := pair{from, to}
	p.parallel[key]++
	if from == to || p.parallel[key] > 1 {
		return
	}
	p.graph.SetEdge(p.graph.NewEdge(simple.Node(from), simple.Node(to)))
}

// RemoveEdge drops one store edge from source to target. The gonum edge
// disappears once no store edge backs the pair.
func (p *Projection) RemoveEdge(source, target string) {
	from, ok1 := p.ids[source]
	to, ok2 := p.ids[target]
	if !ok1 || !ok2 {
		return
	}
	key := pair{from, to}
	if p.parallel[key] == 0 {
		return
	}
	p.parallel[key]--
	if p.parallel[key] > 0 {
		return
	}
	delete(p.parallel, key)
	if from != to {
		p.graph.RemoveEdge(from, to)
	}
}

// Parallel returns how many store edges back the pair source->target
func (p *Projection) Parallel(source, target string) int {
	from, ok1 := p.ids[source]
	to, ok2 := p.ids[target]
	if !ok1 || !ok2 {
		return 0
	}
	return p.parallel[pair{from, to}]
}

// HasNode reports whether id is part of the projection
func (p *Projection) HasNode(id string) bool {
	_, ok := p.ids[id]
	return ok
}

// Graph returns the underlying directed graph
func (p *Projection) Graph() *simple.DirectedGraph {
	return p.graph
}

// Name returns the node id for a graph id
func (p *Projection) Name(gid int64) string {
	if gid < 0 || int(gid) >= len(p.names) {
		return ""
	}
	return p.names[gid]
}

// Nodes returns all node ids in insertion order
func (p *Projection) Nodes() []string {
	return append([]string(nil), p.names...)
}

// Edges returns all projected pairs as [source, target], sorted
func (p *Projection) Edges() [][2]string {
	edges := make([][2]string, 0, len(p.parallel))
	for k := range p.parallel {
		edges = append(edges, [2]string{p.names[k.from], p.names[k.to]})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

// Successors returns the ids reachable over one edge from id
func (p *Projection) Successors(id string) []string {
	gid, ok := p.ids[id]
	if !ok {
		return nil
	}
	var out []string
	iter := p.graph.From(gid)
	for iter.Next() {
		out = append(out, p.names[iter.Node().ID()])
	}
	sort.Strings(out)
	return out
}

// Reachable reports whether target can be reached from source over one or
// more edges. A node reaches itself only through a cycle or a self-loop.
func (p *Projection) Reachable(source, target string) bool {
	from, ok1 := p.ids[source]
	to, ok2 := p.ids[target]
	if !ok1 || !ok2 {
		return false
	}
	if from == to && p.parallel[pair{from, to}] > 0 {
		return true
	}

	found := false
	bf := traverse.BreadthFirst{
		Traverse: func(e gonum.Edge) bool {
			if e.To().ID() == to {
				found = true
			}
			return !found
		},
	}
	bf.Walk(p.graph, simple.Node(from), func(gonum.Node, int) bool { return found })
	return found
}

// ReachableSet returns every node reachable from source, source excluded
// unless it lies on a cycle
func (p *Projection) ReachableSet(source string) map[string]bool {
	from, ok := p.ids[source]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	bf := traverse.BreadthFirst{
		Traverse: func(e gonum.Edge) bool {
			seen[p.names[e.To().ID()]] = true
			return true
		},
	}
	bf.Walk(p.graph, simple.Node(from), nil)
	if p.parallel[pair{from, from}] > 0 {
		seen[source] = true
	}
	return seen
}
