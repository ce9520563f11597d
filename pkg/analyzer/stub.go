//go:build !cgo

package analyzer

import (
	"context"

	"github.com/ritzau/mindmap/pkg/model"
)

// TreeSitter is unavailable without cgo
type TreeSitter struct {
	MaxFileSize int64
}

// NewTreeSitter creates a materializer that always fails
func NewTreeSitter() *TreeSitter {
	return &TreeSitter{}
}

// Materialize always returns ErrNoCgo
func (ts *TreeSitter) Materialize(ctx context.Context, req Request) (*model.Batch, error) {
	return nil, ErrNoCgo
}
