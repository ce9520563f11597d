package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mindmap/pkg/persist"
	"github.com/ritzau/mindmap/pkg/store"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestScanIngestAndPrune(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "notes.txt"), []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("build/\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build", "out.bin"), []byte{0}, 0o644))

	common := []string{"--root", root, "--snapshot", "graph.json", "--verbosity", "error"}

	require.NoError(t, execute(t, append([]string{"scan", "--analyze=false"}, common...)...))

	s := store.New()
	_, err := persist.Load(s, filepath.Join(root, "graph.json"))
	require.NoError(t, err)
	_, ok := s.GetNode("src/notes.txt")
	assert.True(t, ok)
	_, ok = s.GetNode("build/out.bin")
	assert.False(t, ok, "ignored by .gitignore")

	batch := filepath.Join(root, "batch.json")
	require.NoError(t, os.WriteFile(batch, []byte(`{
		"nodes": [{"id": "src/notes.txt::function::greet", "type": "function", "name": "greet"}],
		"edges": [
			{"source": "src/notes.txt", "target": "src/notes.txt::function::greet", "type": "contains", "weight": 1},
			{"source": "src/notes.txt::function::greet", "target": "src", "type": "references", "weight": 0.05}
		]
	}`), 0o644))
	require.NoError(t, execute(t, append([]string{"ingest", batch}, common...)...))

	require.NoError(t, execute(t, append([]string{"prune", "--keep-transitive=false"}, common...)...))

	s = store.New()
	_, err = persist.Load(s, filepath.Join(root, "graph.json"))
	require.NoError(t, err)
	_, ok = s.GetNode("src/notes.txt::function::greet")
	assert.True(t, ok)
	st := s.Stats()
	assert.Zero(t, st.EdgesByType["references"])
	assert.Equal(t, 1, st.NodesByType["function"])
}

func TestQueryRejectsBadSyntax(t *testing.T) {
	root := t.TempDir()
	err := execute(t, "query", "MATCH (n) RETURN", "--root", root, "--verbosity", "error")
	assert.Error(t, err)
}
