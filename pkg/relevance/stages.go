package relevance

import (
	"math"
	"path"
	"sort"
	"strings"

	"github.com/ritzau/mindmap/pkg/model"
)

// Stage is one scoring step of the pipeline. Apply may rescore candidates,
// append new ones or reorder them, but must never drop one.
type Stage interface {
	Name() string
	Apply(cands []*Candidate, rc *RunContext) []*Candidate
}

// DefaultStages returns the stages in their fixed order
func DefaultStages() []Stage {
	return []Stage{Lexical{}, Activation{}, Attention{}, Inhibition{}, Temporal{}, Fusion{}}
}

// Lexical seeds the candidate set from the store: a node is a candidate when
// a query token matches its name, a path segment or a string property.
type Lexical struct{}

func (Lexical) Name() string { return StageLexical }

func (Lexical) Apply(cands []*Candidate, rc *RunContext) []*Candidate {
	if len(rc.Tokens) == 0 {
		return cands
	}
	cfg := rc.Config
	whole := strings.ToLower(strings.TrimSpace(rc.Query))

	rc.Tx.ScanNodes(func(n *model.Node) bool {
		rc.TotalNodes++
		f := fieldsOf(n)

		var sum float64
		var matched []string
		exact := 0.0
		for _, tok := range rc.Tokens {
			best := 0.0
			switch {
			case f.name == tok || f.name == whole:
				best = cfg.ExactScore
				exact = 1
			case f.tokens[tok]:
				best = cfg.TokenScore
			case f.contains(tok):
				best = cfg.SubstringScore
			}
			if best > 0 {
				sum += best
				matched = append(matched, tok)
				rc.DocFreq[tok]++
			}
		}
		if len(matched) == 0 {
			return true
		}

		c := newCandidate(n, sum/float64(len(rc.Tokens)))
		c.Matched = matched
		c.Signals[StageLexical] = c.Base
		c.Signals[SignalExact] = exact
		cands = append(cands, c)
		return true
	})
	rank(cands)
	return cands
}

type nodeFields struct {
	name   string
	texts  []string
	tokens map[string]bool
}

func fieldsOf(n *model.Node) nodeFields {
	f := nodeFields{
		name:   strings.ToLower(n.Name),
		tokens: make(map[string]bool),
	}
	add := func(s string) {
		if s == "" {
			return
		}
		f.texts = append(f.texts, strings.ToLower(s))
		for _, t := range Tokenize(s) {
			f.tokens[t] = true
		}
	}
	add(n.Name)
	for _, seg := range strings.Split(n.Path, "/") {
		add(seg)
	}
	keys := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := n.Properties[k].Str(); ok {
			add(s)
		}
	}
	return f
}

func (f nodeFields) contains(tok string) bool {
	for _, s := range f.texts {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// Activation spreads each candidate's score to its neighbourhood, along
// edges in both directions, up to Config.Radius hops. The contribution at
// hop d is parent × Decay × weight / d; contributions add up, capped at 1.
type Activation struct{}

func (Activation) Name() string { return StageActivation }

func (Activation) Apply(cands []*Candidate, rc *RunContext) []*Candidate {
	cfg := rc.Config
	byID := make(map[string]*Candidate, len(cands))
	for _, c := range cands {
		byID[c.Node.ID] = c
	}

	sources := make([]*Candidate, len(cands))
	copy(sources, cands)
	sort.Slice(sources, func(i, j int) bool { return sources[i].Node.ID < sources[j].Node.ID })

	received := make(map[string]float64)
	for _, src := range sources {
		if src.Base <= 0 {
			continue
		}
		visited := map[string]bool{src.Node.ID: true}
		frontier := map[string]float64{src.Node.ID: src.Base}
		for d := 1; d <= cfg.Radius && len(frontier) > 0; d++ {
			next := make(map[string]float64)
			for _, id := range sortedIDs(frontier) {
				val := frontier[id]
				for _, nb := range neighbours(rc, id) {
					if visited[nb.id] {
						continue
					}
					contrib := val * cfg.Decay * nb.weight / float64(d)
					if contrib <= 0 {
						continue
					}
					received[nb.id] += contrib
					if contrib > next[nb.id] {
						next[nb.id] = contrib
					}
				}
			}
			for id := range next {
				visited[id] = true
			}
			frontier = next
		}
	}

	for _, id := range sortedIDs(received) {
		if c, ok := byID[id]; ok {
			c.Base = math.Min(1, c.Base+received[id])
			continue
		}
		n, ok := rc.Tx.Node(id)
		if !ok {
			continue
		}
		c := newCandidate(n, math.Min(1, received[id]))
		byID[id] = c
		cands = append(cands, c)
	}
	for _, c := range cands {
		c.Signals[StageActivation] = c.Base
	}
	rank(cands)
	return cands
}

type neighbour struct {
	id     string
	weight float64
}

// neighbours lists resolvable nodes adjacent to id in either direction.
// Parallel edges count once, with the strongest weight.
func neighbours(rc *RunContext, id string) []neighbour {
	best := make(map[string]float64)
	for _, e := range rc.Tx.OutEdges(id) {
		if rc.Tx.HasNode(e.Target) && e.Target != id && e.Weight > best[e.Target] {
			best[e.Target] = e.Weight
		}
	}
	for _, e := range rc.Tx.InEdges(id) {
		if rc.Tx.HasNode(e.Source) && e.Source != id && e.Weight > best[e.Source] {
			best[e.Source] = e.Weight
		}
	}
	out := make([]neighbour, 0, len(best))
	for _, nid := range sortedIDs(best) {
		out = append(out, neighbour{id: nid, weight: best[nid]})
	}
	return out
}

func sortedIDs(m map[string]float64) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Attention rescales by a per-type prior and by the rarity of the query
// tokens a candidate matched: tokens matching many nodes count for less.
type Attention struct{}

func (Attention) Name() string { return StageAttention }

func (Attention) Apply(cands []*Candidate, rc *RunContext) []*Candidate {
	cfg := rc.Config
	for _, c := range cands {
		rarity := 1.0
		if len(c.Matched) > 0 && rc.TotalNodes > 0 {
			var sum float64
			for _, tok := range c.Matched {
				sum += idf(rc.DocFreq[tok], rc.TotalNodes)
			}
			rarity = cfg.RarityFloor + (1-cfg.RarityFloor)*sum/float64(len(c.Matched))
		}
		c.Base = model.Clamp01(c.Base * cfg.prior(c.Node.Type) * rarity)
		c.Signals[StageAttention] = c.Base
	}
	rank(cands)
	return cands
}

// idf is a normalized inverse document frequency in (0,1]
func idf(df, total int) float64 {
	if df <= 0 {
		df = 1
	}
	if total <= 1 {
		return 1
	}
	return math.Log(1+float64(total)/float64(df)) / math.Log(1+float64(total))
}

// Inhibition walks candidates in rank order and suppresses later near
// duplicates (same name, same type, overlapping path) of earlier ones.
// Suppressed candidates stay in the set.
type Inhibition struct{}

func (Inhibition) Name() string { return StageInhibition }

func (Inhibition) Apply(cands []*Candidate, rc *RunContext) []*Candidate {
	type key struct {
		name string
		typ  model.NodeType
	}
	rank(cands)
	seen := make(map[key][]string)
	for _, c := range cands {
		k := key{strings.ToLower(c.Node.Name), c.Node.Type}
		dup := false
		for _, p := range seen[k] {
			if pathsOverlap(p, c.Node.Path) {
				dup = true
				break
			}
		}
		if dup {
			c.Suppression *= rc.Config.InhibitionFactor
		} else {
			seen[k] = append(seen[k], c.Node.Path)
		}
		c.Signals[StageInhibition] = c.Suppression
	}
	rank(cands)
	return cands
}

// pathsOverlap reports whether two paths are the same, nested, or siblings
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}
	if strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/") {
		return true
	}
	return path.Dir(a) == path.Dir(b)
}

// Temporal blends recency (exponential decay of lastUpdated) with stability
// (how long confidence has held, scaled by confidence) into a multiplicative
// factor in [TemporalFloor, 1].
type Temporal struct{}

func (Temporal) Name() string { return StageTemporal }

func (Temporal) Apply(cands []*Candidate, rc *RunContext) []*Candidate {
	for _, c := range cands {
		c.Base = model.Clamp01(c.Base * temporalFactor(c.Node, rc))
		c.Signals[StageTemporal] = c.Base
	}
	rank(cands)
	return cands
}

func temporalFactor(n *model.Node, rc *RunContext) float64 {
	cfg := rc.Config
	recency := 0.0
	if !n.LastUpdated.IsZero() {
		age := rc.Now.Sub(n.LastUpdated)
		if age < 0 {
			age = 0
		}
		recency = math.Pow(0.5, age.Hours()/cfg.HalfLife.Hours())
	}

	stability := 0.0
	if !n.ConfidenceSince.IsZero() {
		stable := rc.Now.Sub(n.ConfidenceSince)
		if stable < 0 {
			stable = 0
		}
		stability = n.Confidence * (1 - math.Pow(0.5, stable.Hours()/cfg.StabilityHalfLife.Hours()))
	}

	blend := cfg.RecencyWeight*recency + (1-cfg.RecencyWeight)*stability
	return cfg.TemporalFloor + (1-cfg.TemporalFloor)*blend
}

// Fusion replaces the running score with a weighted sum of the signals
// recorded by the stages that ran, renormalized over their weights.
type Fusion struct{}

func (Fusion) Name() string { return StageFusion }

func (Fusion) Apply(cands []*Candidate, rc *RunContext) []*Candidate {
	type term struct {
		signal string
		weight float64
	}
	w := rc.Config.Weights
	var terms []term
	if !rc.Bypass.Lexical {
		terms = append(terms, term{StageLexical, w.Lexical}, term{SignalExact, w.Exact})
	}
	if !rc.Bypass.Activation {
		terms = append(terms, term{StageActivation, w.Activation})
	}
	if !rc.Bypass.Attention {
		terms = append(terms, term{StageAttention, w.Attention})
	}
	if !rc.Bypass.Temporal {
		terms = append(terms, term{StageTemporal, w.Temporal})
	}

	var total float64
	for _, t := range terms {
		total += t.weight
	}
	if total <= 0 {
		return cands
	}

	for _, c := range cands {
		var sum float64
		for _, t := range terms {
			sum += t.weight * c.Signals[t.signal]
		}
		c.Base = model.Clamp01(sum / total)
		c.Signals[StageFusion] = c.Base
	}
	rank(cands)
	return cands
}
