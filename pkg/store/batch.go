package store

import (
	"fmt"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// BatchOptions controls how UpsertBatch treats a batch
type BatchOptions struct {
	// Strict rejects the whole batch if any of its edges would be left dangling
	Strict bool

	// ScanTime, when set, is recorded as the store's last scan time
	ScanTime time.Time
}

// BatchResult reports what a batch did
type BatchResult struct {
	NodesInserted  int             `json:"nodesInserted"`
	NodesUpdated   int             `json:"nodesUpdated"`
	NodesUnchanged int             `json:"nodesUnchanged"`
	EdgesInserted  int             `json:"edgesInserted"`
	EdgesUpdated   int             `json:"edgesUpdated"`
	EdgesUnchanged int             `json:"edgesUnchanged"`
	Dangling       []model.EdgeKey `json:"dangling,omitempty"`
	Generation     uint64          `json:"generation"`
}

// Changed reports whether the batch altered the graph structure
func (r BatchResult) Changed() bool {
	return r.NodesInserted+r.NodesUpdated+r.EdgesInserted+r.EdgesUpdated > 0
}

func (r *BatchResult) countNode(c Change) {
	switch c {
	case Inserted:
		r.NodesInserted++
	case Updated:
		r.NodesUpdated++
	default:
		r.NodesUnchanged++
	}
}

func (r *BatchResult) countEdge(c Change) {
	switch c {
	case Inserted:
		r.EdgesInserted++
	case Updated:
		r.EdgesUpdated++
	default:
		r.EdgesUnchanged++
	}
}

// UpsertBatch applies a producer batch in one transaction: nodes first, then
// edges. Re-submitting an unchanged batch only refreshes lastUpdated.
func (s *Store) UpsertBatch(b *model.Batch, opts BatchOptions) (BatchResult, error) {
	var res BatchResult
	if b == nil {
		res.Generation = s.Generation()
		return res, nil
	}

	err := s.Update(func(tx *WriteTx) error {
		res = BatchResult{}
		for i, n := range b.Nodes {
			c, err := tx.UpsertNode(n)
			if err != nil {
				return fmt.Errorf("batch node %d: %w", i, err)
			}
			res.countNode(c)
		}
		for i, e := range b.Edges {
			c, err := tx.UpsertEdge(e)
			if err != nil {
				return fmt.Errorf("batch edge %d: %w", i, err)
			}
			res.countEdge(c)
		}

		for _, e := range b.Edges {
			var missing []string
			if !tx.HasNode(e.Source) {
				missing = append(missing, e.Source)
			}
			if !tx.HasNode(e.Target) && e.Target != e.Source {
				missing = append(missing, e.Target)
			}
			if len(missing) == 0 {
				continue
			}
			if opts.Strict {
				return &model.ReferentialIntegrityError{Edge: e.Key(), Missing: missing}
			}
			res.Dangling = append(res.Dangling, e.Key())
		}

		if !opts.ScanTime.IsZero() {
			tx.SetLastScan(opts.ScanTime)
		}
		return nil
	})
	if err != nil {
		return BatchResult{Generation: s.Generation()}, err
	}
	res.Generation = s.Generation()
	return res, nil
}
