// Package config layers defaults, mindmap.toml, MINDMAP_* environment
// variables and command-line flags into one Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/query"
	"github.com/ritzau/mindmap/pkg/reclaim"
	"github.com/ritzau/mindmap/pkg/relevance"
)

// DefaultFile is read from the working directory when no --config is given
const DefaultFile = "mindmap.toml"

// EnvPrefix prefixes environment overrides, e.g. MINDMAP_MAINTENANCE_THRESHOLD=0.2
const EnvPrefix = "MINDMAP_"

// Config holds all configuration for the application
type Config struct {
	Root       string `koanf:"root"`
	Snapshot   string `koanf:"snapshot"`
	Port       int    `koanf:"port"`
	Watch      bool   `koanf:"watch"`
	Analyze    bool   `koanf:"analyze"`
	Verbosity  string `koanf:"verbosity"`
	VerboseCnt int    `koanf:"verbose"`
	JSON       bool   `koanf:"json"`

	Query       QueryConfig       `koanf:"query"`
	Relevance   RelevanceConfig   `koanf:"relevance"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// QueryConfig sizes the structured query caches
type QueryConfig struct {
	PlanCache   int `koanf:"plancache"`
	ResultCache int `koanf:"resultcache"`
}

// RelevanceConfig tunes the relevance pipeline
type RelevanceConfig struct {
	Limit             int                `koanf:"limit"`
	Radius            int                `koanf:"radius"`
	Decay             float64            `koanf:"decay"`
	HalfLife          time.Duration      `koanf:"halflife"`
	StabilityHalfLife time.Duration      `koanf:"stabilityhalflife"`
	RecencyWeight     float64            `koanf:"recencyweight"`
	Inhibition        float64            `koanf:"inhibition"`
	Priors            map[string]float64 `koanf:"priors"`
	Weights           relevance.Weights  `koanf:"weights"`
}

// MaintenanceConfig drives pruning, compression and the scheduler
type MaintenanceConfig struct {
	Threshold      float64       `koanf:"threshold"`
	KeepTransitive bool          `koanf:"keeptransitive"`
	ChunkSize      int           `koanf:"chunksize"`
	Dedupe         bool          `koanf:"dedupe"`
	Types          []string      `koanf:"types"`
	Interval       time.Duration `koanf:"interval"`
	Autosave       bool          `koanf:"autosave"`
}

// flagKeys maps command-line flag names to config keys. Flags not listed
// here and not top-level keys are command options, not configuration.
var flagKeys = map[string]string{
	"root":            "root",
	"snapshot":        "snapshot",
	"port":            "port",
	"watch":           "watch",
	"analyze":         "analyze",
	"verbosity":       "verbosity",
	"verbose":         "verbose",
	"json":            "json",
	"threshold":       "maintenance.threshold",
	"keep-transitive": "maintenance.keeptransitive",
	"chunk-size":      "maintenance.chunksize",
	"dedupe":          "maintenance.dedupe",
	"interval":        "maintenance.interval",
	"autosave":        "maintenance.autosave",
	"radius":          "relevance.radius",
	"decay":           "relevance.decay",
}

func defaults() map[string]interface{} {
	rel := relevance.DefaultConfig()
	mnt := reclaim.DefaultConfig()
	qry := query.DefaultOptions()

	priors := make(map[string]interface{}, len(rel.TypePriors))
	for t, p := range rel.TypePriors {
		priors[string(t)] = p
	}
	types := make([]string, len(mnt.Types))
	for i, t := range mnt.Types {
		types[i] = string(t)
	}

	return map[string]interface{}{
		"root":      ".",
		"snapshot":  ".mindmap/graph.json.zst",
		"port":      8080,
		"watch":     false,
		"analyze":   true,
		"verbosity": "",
		"verbose":   0,
		"json":      false,

		"query.plancache":   qry.PlanCacheSize,
		"query.resultcache": qry.ResultCacheSize,

		"relevance.limit":              rel.Limit,
		"relevance.radius":             rel.Radius,
		"relevance.decay":              rel.Decay,
		"relevance.halflife":           rel.HalfLife,
		"relevance.stabilityhalflife":  rel.StabilityHalfLife,
		"relevance.recencyweight":      rel.RecencyWeight,
		"relevance.inhibition":         rel.InhibitionFactor,
		"relevance.priors":             priors,
		"relevance.weights.lexical":    rel.Weights.Lexical,
		"relevance.weights.activation": rel.Weights.Activation,
		"relevance.weights.attention":  rel.Weights.Attention,
		"relevance.weights.temporal":   rel.Weights.Temporal,
		"relevance.weights.exact":      rel.Weights.Exact,

		"maintenance.threshold":      mnt.Threshold,
		"maintenance.keeptransitive": mnt.KeepTransitive,
		"maintenance.chunksize":      mnt.ChunkSize,
		"maintenance.dedupe":         mnt.Dedupe,
		"maintenance.types":          types,
		"maintenance.interval":       time.Duration(0),
		"maintenance.autosave":       true,
	}
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults.
// An empty path reads DefaultFile if it exists; an explicit path must exist.
func Load(f *pflag.FlagSet, path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(makeMapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	} else {
		logging.Debug("loaded config file", "path", path)
	}

	// 3. Environment variables, e.g. MINDMAP_RELEVANCE_WEIGHTS_LEXICAL=0.5
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		provider := posflag.ProviderWithFlag(f, ".", k, func(fl *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[fl.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(f, fl)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the components do not check themselves
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &model.InvalidOptionsError{Option: "port", Value: c.Port, Reason: "must be within [0,65535]"}
	}
	if c.Maintenance.Interval < 0 {
		return &model.InvalidOptionsError{Option: "maintenance.interval", Value: c.Maintenance.Interval, Reason: "must not be negative"}
	}
	if c.Query.PlanCache < 0 || c.Query.ResultCache < 0 {
		return &model.InvalidOptionsError{Option: "query", Value: c.Query, Reason: "cache sizes must not be negative"}
	}
	if err := c.RelevanceConfig().Validate(); err != nil {
		return err
	}
	return c.ReclaimConfig().Validate()
}

// RelevanceConfig overlays the configured tunables on the pipeline defaults
func (c *Config) RelevanceConfig() relevance.Config {
	rc := relevance.DefaultConfig()
	rc.Limit = c.Relevance.Limit
	rc.Radius = c.Relevance.Radius
	rc.Decay = c.Relevance.Decay
	rc.HalfLife = c.Relevance.HalfLife
	rc.StabilityHalfLife = c.Relevance.StabilityHalfLife
	rc.RecencyWeight = c.Relevance.RecencyWeight
	rc.InhibitionFactor = c.Relevance.Inhibition
	rc.Weights = c.Relevance.Weights
	for t, p := range c.Relevance.Priors {
		rc.TypePriors[model.NodeType(t)] = p
	}
	return rc
}

// ReclaimConfig returns the maintenance defaults for the reclamation manager
func (c *Config) ReclaimConfig() reclaim.Config {
	types := make([]model.NodeType, len(c.Maintenance.Types))
	for i, t := range c.Maintenance.Types {
		types[i] = model.NodeType(t)
	}
	return reclaim.Config{
		Threshold:      c.Maintenance.Threshold,
		KeepTransitive: c.Maintenance.KeepTransitive,
		ChunkSize:      c.Maintenance.ChunkSize,
		Dedupe:         c.Maintenance.Dedupe,
		Types:          types,
	}
}

// QueryOptions sizes the structured query engine caches
func (c *Config) QueryOptions() query.Options {
	return query.Options{PlanCacheSize: c.Query.PlanCache, ResultCacheSize: c.Query.ResultCache}
}

// LogLevel resolves verbosity and the -v count
func (c *Config) LogLevel() (slog.Level, error) {
	return logging.ParseLevel(c.Verbosity, c.VerboseCnt)
}

// ApplyLogging configures the process logger from the config
func (c *Config) ApplyLogging() error {
	level, err := c.LogLevel()
	if err != nil {
		return err
	}
	logging.Configure(logging.Options{Level: level, JSON: c.JSON, Output: os.Stderr})
	return nil
}

// Helper to use map as a provider
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: m}
}

// Read unflattens the dotted keys so they merge with nested sources
func (p *mapProvider) Read() (map[string]interface{}, error) {
	return unflatten(p.m), nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

func unflatten(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, v := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v
	}
	return out
}
