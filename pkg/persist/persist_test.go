package persist

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/store"
)

func populated(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(store.WithProjectRoot("/work/app"))
	_, err := s.UpsertBatch(&model.Batch{
		Nodes: []*model.Node{
			{ID: "main.ts", Type: model.NodeFile, Name: "main.ts", Path: "main.ts", Confidence: 1},
			{ID: "main.ts::function::run", Type: model.NodeFunction, Name: "run", Path: "main.ts", Confidence: 0.8},
		},
		Edges: []*model.Edge{
			{Source: "main.ts", Target: "main.ts::function::run", Type: model.EdgeContains, Weight: 1},
		},
	}, store.BatchOptions{ScanTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})
	require.NoError(t, err)
	return s
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"graph.json", FormatJSON},
		{"graph.json.zst", FormatZstd},
		{"graph.ZSTD", FormatZstd},
		{"graph.json.gz", FormatGzip},
		{"graph", FormatJSON},
	}
	for _, tt := range tests {
		if got := FormatFor(tt.path); got != tt.want {
			t.Errorf("FormatFor(%q): expected %v, got %v", tt.path, tt.want, got)
		}
	}
}

func TestSaveLoadAllFormats(t *testing.T) {
	for _, name := range []string{"graph.json", "graph.json.zst", "graph.json.gz"} {
		t.Run(name, func(t *testing.T) {
			src := populated(t)
			path := filepath.Join(t.TempDir(), "nested", name)

			saved, err := Save(src, path)
			require.NoError(t, err)
			assert.Equal(t, 2, saved.Nodes)
			assert.Equal(t, 1, saved.Edges)
			assert.Positive(t, saved.Bytes)

			dst := store.New()
			loaded, err := Load(dst, path)
			require.NoError(t, err)
			assert.Equal(t, saved.Bytes, loaded.Bytes)
			assert.Equal(t, "/work/app", dst.ProjectRoot())

			n, ok := dst.GetNode("main.ts::function::run")
			require.True(t, ok)
			assert.Equal(t, "run", n.Name)
			assert.Equal(t, 0.8, n.Confidence)
			assert.Empty(t, dst.DanglingEdges())

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1, "temp file left behind")
		})
	}
}

func TestZstdIsCompressed(t *testing.T) {
	snap := populated(t).Snapshot()
	var plain, packed bytes.Buffer
	require.NoError(t, Write(&plain, snap, FormatJSON))
	require.NoError(t, Write(&packed, snap, FormatZstd))
	assert.NotEqual(t, plain.Bytes(), packed.Bytes())

	back, err := Read(&packed, FormatZstd)
	require.NoError(t, err)
	assert.Len(t, back.Nodes, 2)
}

func TestLoadMissingFile(t *testing.T) {
	s := store.New()
	_, err := Load(s, filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, found, err := LoadIfExists(s, filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLoadInvalidFileKeepsStore(t *testing.T) {
	s := populated(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nodes": []}`), 0o644))

	_, err := Load(s, path)
	var pfe *model.PersistenceFormatError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, 2, s.Stats().Nodes)
}
