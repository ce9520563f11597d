// Package relevance ranks graph nodes against free-text queries.
//
// A query runs through a fixed chain of stages: lexical match, activation
// spreading, attention weighting, inhibition, bi-temporal decay and fusion.
// Any stage can be bypassed, in which case it passes candidates through
// untouched.
package relevance

import (
	"context"
	"time"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/telemetry"
)

// Pipeline ranks nodes of one store
type Pipeline struct {
	store  *store.Store
	config Config
	stages []Stage
}

// New creates a pipeline with the default stage chain
func New(s *store.Store, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{store: s, config: cfg, stages: DefaultStages()}, nil
}

// Config returns the pipeline configuration
func (p *Pipeline) Config() Config {
	return p.config
}

// Run ranks nodes for req. No matches is an empty response, not an error.
func (p *Pipeline) Run(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		telemetry.ObserveQuery("relevance", time.Since(start), err)
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = p.config.Limit
	}

	resp = &Response{Query: req.Text, Nodes: []Ranked{}, Bypassed: req.Bypass.Names()}
	err = p.store.View(func(tx *store.ReadTx) error {
		rc := &RunContext{
			Tx:      tx,
			Config:  p.config,
			Bypass:  req.Bypass,
			Now:     tx.Now(),
			Query:   req.Text,
			Tokens:  Tokenize(req.Text),
			DocFreq: make(map[string]int),
		}
		resp.Generation = tx.Generation()

		var cands []*Candidate
		for _, st := range p.stages {
			if err := ctx.Err(); err != nil {
				return err
			}
			if req.Bypass.Skips(st.Name()) {
				continue
			}
			cands = st.Apply(cands, rc)
			logging.TraceContext(ctx, "relevance stage", "stage", st.Name(), "candidates", len(cands))
		}

		rank(cands)
		resp.TotalMatches = len(cands)
		if len(cands) > limit {
			cands = cands[:limit]
		}
		for _, c := range cands {
			resp.Nodes = append(resp.Nodes, Ranked{
				Node:       c.Node,
				Confidence: c.Confidence(),
				Signals:    c.Signals,
				Matched:    c.Matched,
				Suppressed: c.Suppression < 1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp.QueryTime = time.Since(start)
	logging.DebugContext(ctx, "relevance query",
		"query", req.Text,
		"matches", resp.TotalMatches,
		"returned", len(resp.Nodes),
		"bypassed", resp.Bypassed,
		"durationMs", resp.QueryTime.Milliseconds())
	return resp, nil
}
