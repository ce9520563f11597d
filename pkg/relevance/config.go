package relevance

import (
	"fmt"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// Weights of the per-stage signals combined by the fusion stage
type Weights struct {
	Lexical    float64 `koanf:"lexical" json:"lexical"`
	Activation float64 `koanf:"activation" json:"activation"`
	Attention  float64 `koanf:"attention" json:"attention"`
	Temporal   float64 `koanf:"temporal" json:"temporal"`
	Exact      float64 `koanf:"exact" json:"exact"`
}

// DefaultWeights puts lexical match first and graph proximity second
func DefaultWeights() Weights {
	return Weights{
		Lexical:    0.40,
		Activation: 0.30,
		Attention:  0.15,
		Temporal:   0.10,
		Exact:      0.05,
	}
}

// Config holds every tunable of the pipeline
type Config struct {
	// Limit is the result count used when a request asks for 0
	Limit int

	// Lexical match specificity
	ExactScore     float64
	TokenScore     float64
	SubstringScore float64

	// Activation spreading
	Radius int
	Decay  float64

	// Attention
	TypePriors  map[model.NodeType]float64
	RarityFloor float64

	// Inhibition
	InhibitionFactor float64

	// Bi-temporal decay
	HalfLife          time.Duration
	StabilityHalfLife time.Duration
	RecencyWeight     float64
	TemporalFloor     float64

	Weights Weights
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		Limit:          20,
		ExactScore:     1.0,
		TokenScore:     0.8,
		SubstringScore: 0.5,
		Radius:         2,
		Decay:          0.5,
		TypePriors: map[model.NodeType]float64{
			model.NodeFunction:    1.2,
			model.NodeClass:       1.2,
			model.NodePattern:     1.1,
			model.NodeFile:        1.0,
			model.NodeVariable:    0.8,
			model.NodeDirectory:   0.6,
			model.NodeLazySummary: 0.5,
		},
		RarityFloor:       0.5,
		InhibitionFactor:  0.5,
		HalfLife:          7 * 24 * time.Hour,
		StabilityHalfLife: 24 * time.Hour,
		RecencyWeight:     0.6,
		TemporalFloor:     0.5,
		Weights:           DefaultWeights(),
	}
}

// Validate rejects configurations that would break the [0,1] score range
// or leave requests without a usable default limit
func (c Config) Validate() error {
	unit := map[string]float64{
		"exactscore":     c.ExactScore,
		"tokenscore":     c.TokenScore,
		"substringscore": c.SubstringScore,
		"decay":          c.Decay,
		"rarityfloor":    c.RarityFloor,
		"inhibition":     c.InhibitionFactor,
		"recencyweight":  c.RecencyWeight,
		"temporalfloor":  c.TemporalFloor,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			return &model.InvalidOptionsError{Option: "relevance." + name, Value: v, Reason: "must be within [0,1]"}
		}
	}
	if c.Limit <= 0 {
		return &model.InvalidOptionsError{Option: "relevance.limit", Value: c.Limit, Reason: "must be positive"}
	}
	if c.Radius < 0 {
		return &model.InvalidOptionsError{Option: "relevance.radius", Value: c.Radius, Reason: "must not be negative"}
	}
	if c.HalfLife <= 0 || c.StabilityHalfLife <= 0 {
		return &model.InvalidOptionsError{Option: "relevance.halflife", Value: fmt.Sprintf("%s/%s", c.HalfLife, c.StabilityHalfLife), Reason: "must be positive"}
	}
	w := c.Weights
	for name, v := range map[string]float64{
		"lexical": w.Lexical, "activation": w.Activation, "attention": w.Attention,
		"temporal": w.Temporal, "exact": w.Exact,
	} {
		if v < 0 {
			return &model.InvalidOptionsError{Option: "relevance.weights." + name, Value: v, Reason: "must not be negative"}
		}
	}
	return nil
}

func (c Config) prior(t model.NodeType) float64 {
	if p, ok := c.TypePriors[t]; ok {
		return p
	}
	return 1.0
}
