package relevance

import (
	"sort"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// Stage names, in pipeline order. They double as bypass keys and signal names.
const (
	StageLexical    = "lexical"
	StageActivation = "activation"
	StageAttention  = "attention"
	StageInhibition = "inhibition"
	StageTemporal   = "temporal"
	StageFusion     = "fusion"

	// SignalExact is recorded by the lexical stage for exact name matches
	SignalExact = "exact"
)

// Bypass names the stages to skip. A bypassed stage passes candidates through unchanged.
type Bypass struct {
	Lexical    bool `json:"lexical,omitempty"`
	Activation bool `json:"activation,omitempty"`
	Attention  bool `json:"attention,omitempty"`
	Inhibition bool `json:"inhibition,omitempty"`
	Temporal   bool `json:"temporal,omitempty"`
	Fusion     bool `json:"fusion,omitempty"`
}

// Skips reports whether the named stage is bypassed
func (b Bypass) Skips(stage string) bool {
	switch stage {
	case StageLexical:
		return b.Lexical
	case StageActivation:
		return b.Activation
	case StageAttention:
		return b.Attention
	case StageInhibition:
		return b.Inhibition
	case StageTemporal:
		return b.Temporal
	case StageFusion:
		return b.Fusion
	}
	return false
}

// Names lists the bypassed stages in pipeline order
func (b Bypass) Names() []string {
	var names []string
	for _, s := range []string{StageLexical, StageActivation, StageAttention, StageInhibition, StageTemporal, StageFusion} {
		if b.Skips(s) {
			names = append(names, s)
		}
	}
	return names
}

// Only bypasses every stage except the named ones
func Only(stages ...string) Bypass {
	keep := make(map[string]bool, len(stages))
	for _, s := range stages {
		keep[s] = true
	}
	return Bypass{
		Lexical:    !keep[StageLexical],
		Activation: !keep[StageActivation],
		Attention:  !keep[StageAttention],
		Inhibition: !keep[StageInhibition],
		Temporal:   !keep[StageTemporal],
		Fusion:     !keep[StageFusion],
	}
}

// ParseBypass builds a Bypass from a flag mapping, rejecting unknown keys
func ParseBypass(flags map[string]bool) (Bypass, error) {
	var b Bypass
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := flags[k]
		switch k {
		case StageLexical:
			b.Lexical = v
		case StageActivation:
			b.Activation = v
		case StageAttention:
			b.Attention = v
		case StageInhibition:
			b.Inhibition = v
		case StageTemporal:
			b.Temporal = v
		case StageFusion:
			b.Fusion = v
		default:
			return Bypass{}, &model.InvalidOptionsError{Option: "bypass." + k, Value: v, Reason: "unknown stage"}
		}
	}
	return b, nil
}

// Request is a free-text relevance query
type Request struct {
	Text   string `json:"text"`
	Limit  int    `json:"limit,omitempty"`
	Bypass Bypass `json:"bypass"`
}

// Validate rejects malformed options
func (r Request) Validate() error {
	if r.Limit < 0 {
		return &model.InvalidOptionsError{Option: "limit", Value: r.Limit, Reason: "must not be negative"}
	}
	return nil
}

// Ranked is one entry of a relevance response
type Ranked struct {
	Node       *model.Node        `json:"node"`
	Confidence float64            `json:"confidence"`
	Signals    map[string]float64 `json:"signals,omitempty"`
	Matched    []string           `json:"matched,omitempty"`
	Suppressed bool               `json:"suppressed,omitempty"`
}

// Response is the ranked result of a relevance query
type Response struct {
	Query        string        `json:"query"`
	Nodes        []Ranked      `json:"nodes"`
	TotalMatches int           `json:"totalMatches"`
	Generation   uint64        `json:"generation"`
	Bypassed     []string      `json:"bypassed,omitempty"`
	QueryTime    time.Duration `json:"queryTime"`
}
