package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/mindmap/pkg/model"
)

// chdir changes the working directory for the duration of the test
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func testFlags() *pflag.FlagSet {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.Int("port", 8080, "")
	f.Float64("threshold", 0.3, "")
	f.Bool("keep-transitive", true, "")
	f.Bool("dry-run", false, "")
	f.CountP("verbose", "v", "")
	return f
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.Root)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.3, cfg.Maintenance.Threshold)
	assert.True(t, cfg.Maintenance.KeepTransitive)
	assert.Equal(t, []string{"variable"}, cfg.Maintenance.Types)
	assert.Equal(t, 7*24*time.Hour, cfg.Relevance.HalfLife)
	assert.Equal(t, 20, cfg.Relevance.Limit)

	rc := cfg.RelevanceConfig()
	require.NoError(t, rc.Validate())
	assert.Equal(t, 2, rc.Radius)

	mc := cfg.ReclaimConfig()
	assert.Equal(t, []model.NodeType{model.NodeVariable}, mc.Types)
	assert.Equal(t, 256, cfg.QueryOptions().PlanCacheSize)
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte(`
port = 9000
verbosity = "debug"

[maintenance]
threshold = 0.4
chunksize = 50

[relevance]
halflife = "48h"

[relevance.weights]
lexical = 2.0

[relevance.priors]
function = 1.5
`), 0o644))
	t.Setenv("MINDMAP_MAINTENANCE_THRESHOLD", "0.2")

	f := testFlags()
	require.NoError(t, f.Parse([]string{"--port", "9100", "--dry-run"}))

	cfg, err := Load(f, "")
	require.NoError(t, err)

	// Flag beats file
	assert.Equal(t, 9100, cfg.Port)
	// Env beats file; the unchanged threshold flag does not override env
	assert.Equal(t, 0.2, cfg.Maintenance.Threshold)
	// File beats defaults
	assert.Equal(t, 50, cfg.Maintenance.ChunkSize)
	assert.Equal(t, 48*time.Hour, cfg.Relevance.HalfLife)
	assert.Equal(t, 2.0, cfg.RelevanceConfig().Weights.Lexical)
	assert.Equal(t, 1.5, cfg.RelevanceConfig().TypePriors[model.NodeFunction])
	assert.Equal(t, "debug", cfg.Verbosity)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load(nil, "missing.toml")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MINDMAP_MAINTENANCE_THRESHOLD", "1.5")

	_, err := Load(nil, "")
	var invalid *model.InvalidOptionsError
	require.True(t, errors.As(err, &invalid), "got %v", err)
}

func TestLoadRejectsZeroRelevanceLimit(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MINDMAP_RELEVANCE_LIMIT", "0")

	_, err := Load(nil, "")
	var invalid *model.InvalidOptionsError
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.Equal(t, "relevance.limit", invalid.Option)
}

func TestLogLevelFromVerboseFlag(t *testing.T) {
	chdir(t, t.TempDir())
	f := testFlags()
	require.NoError(t, f.Parse([]string{"-vv"}))

	cfg, err := Load(f, "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.VerboseCnt)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG-4", level.String())
}
