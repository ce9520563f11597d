package graph

import (
	"slices"
	"sort"

	gonum "gonum.org/v1/gonum/graph"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

// tarjan finds strongly connected components with Tarjan's algorithm
type tarjan struct {
	graph   gonum.Directed
	index   int
	stack   []int64
	onStack map[int64]bool
	indices map[int64]int
	lowLink map[int64]int
	sccs    [][]int64
}

func newTarjan(g gonum.Directed) *tarjan {
	return &tarjan{
		graph:   g,
		onStack: make(map[int64]bool),
		indices: make(map[int64]int),
		lowLink: make(map[int64]int),
	}
}

// run returns every component, singletons included
func (t *tarjan) run() [][]int64 {
	nodes := t.graph.Nodes()
	var ids []int64
	for nodes.Next() {
		ids = append(ids, nodes.Node().ID())
	}
	// gonum iterates maps; sort for stable component numbering
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, visited := t.indices[id]; !visited {
			t.strongConnect(id)
		}
	}
	return t.sccs
}

func (t *tarjan) strongConnect(id int64) {
	t.indices[id] = t.index
	t.lowLink[id] = t.index
	t.index++
	t.stack = append(t.stack, id)
	t.onStack[id] = true

	successors := t.graph.From(id)
	for successors.Next() {
		next := successors.Node().ID()
		if _, visited := t.indices[next]; !visited {
			t.strongConnect(next)
			t.lowLink[id] = min(t.lowLink[id], t.lowLink[next])
		} else if t.onStack[next] {
			t.lowLink[id] = min(t.lowLink[id], t.indices[next])
		}
	}

	if t.lowLink[id] != t.indices[id] {
		return
	}
	var scc []int64
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		scc = append(scc, w)
		if w == id {
			break
		}
	}
	t.sccs = append(t.sccs, scc)
}

// Components maps each node id to the index of its strongly connected
// component. Two nodes share an index exactly when each reaches the other.
func (p *Projection) Components() map[string]int {
	comp := make(map[string]int, len(p.names))
	for i, scc := range newTarjan(p.graph).run() {
		for _, gid := range scc {
			comp[p.names[gid]] = i
		}
	}
	return comp
}

// Cycles returns the components with more than one node, each sorted
func (p *Projection) Cycles() [][]string {
	var cycles [][]string
	for _, scc := range newTarjan(p.graph).run() {
		if len(scc) < 2 {
			continue
		}
		ids := make([]string, 0, len(scc))
		for _, gid := range scc {
			ids = append(ids, p.names[gid])
		}
		sort.Strings(ids)
		cycles = append(cycles, ids)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// StoreCycles returns the cycles formed by edges of the given types, or by
// every edge type when none is given
func StoreCycles(s *store.Store, types ...model.EdgeType) [][]string {
	var include func(*model.Edge) bool
	if len(types) > 0 {
		include = func(e *model.Edge) bool {
			return slices.Contains(types, e.Type)
		}
	}
	var cycles [][]string
	_ = s.View(func(tx *store.ReadTx) error {
		cycles = FromStore(tx, include).Cycles()
		return nil
	})
	return cycles
}
