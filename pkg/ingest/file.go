package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/ritzau/mindmap/pkg/model"
)

// FileSource reads a JSON batch {"nodes": [...], "edges": [...]} from a
// file. ".gz" and ".zst" files are decompressed; "-" reads Stdin.
type FileSource struct {
	Path  string
	Stdin io.Reader
}

func (f *FileSource) Name() string {
	if f.Path == "-" {
		return "stdin"
	}
	return "file:" + filepath.Base(f.Path)
}

func (f *FileSource) Read(ctx context.Context) (*model.Batch, error) {
	if f.Path == "-" {
		in := f.Stdin
		if in == nil {
			in = os.Stdin
		}
		return DecodeBatch(in)
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".gz":
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return DecodeBatch(r)
}

// DecodeBatch decodes one JSON batch. Unknown fields are ignored; a node
// without confidence or an edge without weight gets model.DefaultConfidence.
func DecodeBatch(r io.Reader) (*model.Batch, error) {
	var wire struct {
		Nodes []*struct {
			model.Node
			Confidence *float64 `json:"confidence"`
		} `json:"nodes"`
		Edges []*struct {
			model.Edge
			Weight *float64 `json:"weight"`
		} `json:"edges"`
	}
	if err := json.NewDecoder(r).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	b := &model.Batch{
		Nodes: make([]*model.Node, 0, len(wire.Nodes)),
		Edges: make([]*model.Edge, 0, len(wire.Edges)),
	}
	for i, wn := range wire.Nodes {
		if wn == nil {
			return nil, fmt.Errorf("%w: null node at index %d", model.ErrInvalidEntity, i)
		}
		n := wn.Node
		n.Confidence = model.DefaultConfidence
		if wn.Confidence != nil {
			n.Confidence = *wn.Confidence
		}
		b.Nodes = append(b.Nodes, &n)
	}
	for i, we := range wire.Edges {
		if we == nil {
			return nil, fmt.Errorf("%w: null edge at index %d", model.ErrInvalidEntity, i)
		}
		e := we.Edge
		e.Weight = model.DefaultConfidence
		if we.Weight != nil {
			e.Weight = *we.Weight
		}
		b.Edges = append(b.Edges, &e)
	}
	return b, nil
}
