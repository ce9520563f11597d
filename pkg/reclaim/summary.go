package reclaim

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

// GlobalScope groups compressible nodes that have neither a path nor a scope property
const GlobalScope = "<global>"

// Metadata keys of the summary counters
const (
	CounterTotal      = "totalVariables"
	CounterLoaded     = "loadedVariables"
	CounterLazyLoaded = "lazyLoadedCount"
	CounterExported   = "exportedCount"
	CounterGlobal     = "globalCount"
	CounterUnused     = "unusedCount"

	metaDedupe = "dedupe"
)

// Member is one ledger entry of a summary: a compressed node, whether or
// not it is currently loaded back into the store
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Exported bool   `json:"exported,omitempty"`
	Global   bool   `json:"global,omitempty"`
	Unused   bool   `json:"unused,omitempty"`
}

// Counters are the aggregates a summary carries. They are always derived
// from the ledger, never adjusted incrementally.
type Counters struct {
	TotalVariables  int `json:"totalVariables"`
	LoadedVariables int `json:"loadedVariables"`
	LazyLoadedCount int `json:"lazyLoadedCount"`
	ExportedCount   int `json:"exportedCount"`
	GlobalCount     int `json:"globalCount"`
	UnusedCount     int `json:"unusedCount"`
}

// SummaryID is the id of the unique summary of one (type, scope) group
func SummaryID(t model.NodeType, scope string) string {
	return "summary:" + string(t) + ":" + scope
}

// ScopeOf returns the owning scope of a compressible node: its path, else
// its scope property, else GlobalScope
func ScopeOf(n *model.Node) string {
	if n.Path != "" {
		return n.Path
	}
	if v, ok := n.Properties.Get("scope"); ok {
		if s, ok := v.Str(); ok && s != "" {
			return s
		}
	}
	return GlobalScope
}

// memberOf records a node in ledger form. A node is unused when nothing
// but containment links it to the rest of the graph.
func memberOf(tx *store.ReadTx, n *model.Node) Member {
	m := Member{
		ID:       n.ID,
		Name:     n.Name,
		Exported: flag(n, "exported") || visibility(n) == "public" || visibility(n) == "exported",
		Global:   flag(n, "global"),
	}
	if v, ok := n.Properties.Get("unused"); ok {
		m.Unused = v.Truthy()
		return m
	}
	m.Unused = true
	for _, e := range append(tx.OutEdges(n.ID), tx.InEdges(n.ID)...) {
		if e.Type != model.EdgeContains && !tx.IsDangling(e) {
			m.Unused = false
			break
		}
	}
	return m
}

func flag(n *model.Node, key string) bool {
	v, ok := n.Properties.Get(key)
	return ok && v.Truthy()
}

func visibility(n *model.Node) string {
	if v, ok := n.Properties.Get("visibility"); ok {
		s, _ := v.Str()
		return s
	}
	return ""
}

// readLedger decodes the member ledger of a summary node. A missing ledger is empty.
func readLedger(n *model.Node) ([]Member, error) {
	if n == nil {
		return nil, nil
	}
	v, ok := n.Metadata.Get(model.MetaMembers)
	if !ok {
		return nil, nil
	}
	raw, ok := v.Str()
	if !ok {
		return nil, fmt.Errorf("summary %s: members is %s, not a string", n.ID, v.Kind())
	}
	var members []Member
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, fmt.Errorf("summary %s: decode members: %w", n.ID, err)
	}
	return members, nil
}

// mergeLedger adds members, replacing entries with the same id. The result is sorted by id.
func mergeLedger(ledger, add []Member) []Member {
	byID := make(map[string]Member, len(ledger)+len(add))
	for _, m := range ledger {
		byID[m.ID] = m
	}
	for _, m := range add {
		byID[m.ID] = m
	}
	out := make([]Member, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// countLedger derives the counters. With dedupe, members sharing a name
// count once; such a name is loaded if any of its members is.
func countLedger(ledger []Member, dedupe bool, loaded func(id string) bool) Counters {
	type agg struct {
		loaded, exported, global, unused bool
	}
	groups := make(map[string]*agg)
	var order []string
	for _, m := range ledger {
		key := m.ID
		if dedupe {
			key = m.Name
		}
		a, ok := groups[key]
		if !ok {
			a = &agg{unused: true}
			groups[key] = a
			order = append(order, key)
		}
		a.loaded = a.loaded || loaded(m.ID)
		a.exported = a.exported || m.Exported
		a.global = a.global || m.Global
		a.unused = a.unused && m.Unused
	}

	var c Counters
	for _, key := range order {
		a := groups[key]
		c.TotalVariables++
		if a.loaded {
			c.LoadedVariables++
		}
		if a.exported {
			c.ExportedCount++
		}
		if a.global {
			c.GlobalCount++
		}
		if a.unused {
			c.UnusedCount++
		}
	}
	c.LazyLoadedCount = c.TotalVariables - c.LoadedVariables
	return c
}

// CountersOf reads the counters stored on a summary node
func CountersOf(n *model.Node) Counters {
	get := func(k string) int {
		v, ok := n.Metadata.Get(k)
		if !ok {
			return 0
		}
		f, _ := v.Num()
		return int(f)
	}
	return Counters{
		TotalVariables:  get(CounterTotal),
		LoadedVariables: get(CounterLoaded),
		LazyLoadedCount: get(CounterLazyLoaded),
		ExportedCount:   get(CounterExported),
		GlobalCount:     get(CounterGlobal),
		UnusedCount:     get(CounterUnused),
	}
}

// buildSummary renders the summary node of a group from its ledger
func buildSummary(t model.NodeType, scope string, ledger []Member, dedupe bool, c Counters) (*model.Node, error) {
	raw, err := json.Marshal(ledger)
	if err != nil {
		return nil, fmt.Errorf("encode members: %w", err)
	}
	n := &model.Node{
		ID:         SummaryID(t, scope),
		Type:       model.NodeLazySummary,
		Name:       fmt.Sprintf("%s summary", t),
		Confidence: model.DefaultConfidence,
		Metadata: model.Attributes{
			model.MetaLazySummary:    model.Bool(true),
			model.MetaCompressedType: model.String(string(t)),
			model.MetaScope:          model.String(scope),
			model.MetaMembers:        model.String(string(raw)),
			metaDedupe:               model.Bool(dedupe),
			CounterTotal:             model.Int(c.TotalVariables),
			CounterLoaded:            model.Int(c.LoadedVariables),
			CounterLazyLoaded:        model.Int(c.LazyLoadedCount),
			CounterExported:          model.Int(c.ExportedCount),
			CounterGlobal:            model.Int(c.GlobalCount),
			CounterUnused:            model.Int(c.UnusedCount),
		},
	}
	if scope != GlobalScope {
		n.Path = scope
	}
	return n, nil
}

// refreshSummary recomputes the counters of an existing summary against the
// store as seen by tx and reports whether they moved
func refreshSummary(tx *store.WriteTx, id string) (bool, error) {
	n, ok := tx.Node(id)
	if !ok || !n.IsLazySummary() {
		return false, nil
	}
	ledger, err := readLedger(n)
	if err != nil {
		return false, err
	}
	dedupe := false
	if v, ok := n.Metadata.Get(metaDedupe); ok {
		dedupe = v.Truthy()
	}
	c := countLedger(ledger, dedupe, tx.HasNode)
	if c == CountersOf(n) {
		return false, nil
	}
	next := n.Clone()
	for k, v := range map[string]int{
		CounterTotal:      c.TotalVariables,
		CounterLoaded:     c.LoadedVariables,
		CounterLazyLoaded: c.LazyLoadedCount,
		CounterExported:   c.ExportedCount,
		CounterGlobal:     c.GlobalCount,
		CounterUnused:     c.UnusedCount,
	} {
		next.Metadata[k] = model.Int(v)
	}
	_, err = tx.UpsertNode(next)
	return true, err
}
