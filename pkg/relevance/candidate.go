package relevance

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

// Candidate is a node under consideration together with its running score
type Candidate struct {
	Node *model.Node

	// Base is the running score; Suppression scales it without touching the signals
	Base        float64
	Suppression float64

	// Signals holds each stage's view of the candidate, keyed by stage name
	Signals map[string]float64
	Matched []string
}

func newCandidate(n *model.Node, base float64) *Candidate {
	return &Candidate{
		Node:        n.Clone(),
		Base:        model.Clamp01(base),
		Suppression: 1,
		Signals:     make(map[string]float64),
	}
}

// Confidence is the candidate's current score in [0,1]
func (c *Candidate) Confidence() float64 {
	return model.Clamp01(c.Base * c.Suppression)
}

// RunContext carries what stages share during one pipeline run
type RunContext struct {
	Tx     *store.ReadTx
	Config Config
	Bypass Bypass
	Now    time.Time

	Query  string
	Tokens []string

	// DocFreq counts, per query token, the nodes it matched
	DocFreq    map[string]int
	TotalNodes int
}

// rank sorts candidates by confidence descending, then id ascending
func rank(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		ci, cj := cands[i].Confidence(), cands[j].Confidence()
		if ci != cj {
			return ci > cj
		}
		return cands[i].Node.ID < cands[j].Node.ID
	})
}

// Tokenize splits text into lower-case tokens on non-alphanumerics and
// camelCase boundaries. Duplicates are dropped, first occurrence wins.
func Tokenize(text string) []string {
	var tokens []string
	seen := make(map[string]bool)
	emit := func(tok []rune) {
		if len(tok) == 0 {
			return
		}
		s := strings.ToLower(string(tok))
		if !seen[s] {
			seen[s] = true
			tokens = append(tokens, s)
		}
	}

	runes := []rune(text)
	var cur []rune
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			emit(cur)
			cur = cur[:0]
			continue
		}
		if len(cur) > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				emit(cur)
				cur = cur[:0]
			}
		}
		cur = append(cur, r)
	}
	emit(cur)
	return tokens
}
