package reclaim

import (
	"math"
	"time"

	"github.com/ritzau/mindmap/pkg/model"
)

// Operation names accepted at the maintenance boundary
const (
	OpPrune    = "prune"
	OpCompress = "compress"
)

// DefaultChunkSize bounds how much work one write transaction does
const DefaultChunkSize = 500

// Config holds the manager defaults used when a request leaves a field unset
type Config struct {
	Threshold      float64          `koanf:"threshold"`
	KeepTransitive bool             `koanf:"keeptransitive"`
	ChunkSize      int              `koanf:"chunksize"`
	Dedupe         bool             `koanf:"dedupe"`
	Types          []model.NodeType `koanf:"types"`
}

// DefaultConfig prunes edges weaker than 0.3 and compresses variables
func DefaultConfig() Config {
	return Config{
		Threshold:      0.3,
		KeepTransitive: true,
		ChunkSize:      DefaultChunkSize,
		Types:          []model.NodeType{model.NodeVariable},
	}
}

// Validate rejects unusable defaults
func (c Config) Validate() error {
	if err := checkThreshold(c.Threshold); err != nil {
		return err
	}
	if c.ChunkSize < 0 {
		return &model.InvalidOptionsError{Option: "maintenance.chunksize", Value: c.ChunkSize, Reason: "must not be negative"}
	}
	return nil
}

func checkThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return &model.InvalidOptionsError{Option: "threshold", Value: t, Reason: "must be within [0,1]"}
	}
	return nil
}

// PruneOptions controls edge pruning
type PruneOptions struct {
	// Threshold: edges with weight strictly below it are pruned
	Threshold float64

	// KeepTransitive retains a weak edge when removing it would disconnect
	// its target from its source
	KeepTransitive bool
	DryRun         bool
	ChunkSize      int
}

// PruneReport describes the effect of a prune run
type PruneReport struct {
	Threshold       float64         `json:"threshold"`
	Examined        int             `json:"examined"`
	Removed         int             `json:"removed"`
	Kept            int             `json:"kept"`
	KeptTransitive  []model.EdgeKey `json:"keptTransitive,omitempty"`
	Skipped         int             `json:"skipped"`
	MemoryReduced   int64           `json:"memoryReduced"`
	DryRun          bool            `json:"dryRun"`
	Chunks          int             `json:"chunks"`
	ChunksCommitted int             `json:"chunksCommitted"`
	Generation      uint64          `json:"generation"`
	Duration        time.Duration   `json:"duration"`
}

// CompressOptions controls node compression
type CompressOptions struct {
	// Types lists the compressible node types; defaults to variable
	Types []model.NodeType

	// Dedupe counts identically named members of a group once
	Dedupe bool

	// Scope restricts compression to one owning scope when set
	Scope     string
	DryRun    bool
	ChunkSize int
}

// GroupReport describes one compressed group
type GroupReport struct {
	SummaryID string         `json:"summaryId"`
	Scope     string         `json:"scope"`
	Type      model.NodeType `json:"type"`
	Members   int            `json:"members"`
	Counters  Counters       `json:"counters"`
}

// CompressReport describes the effect of a compress run
type CompressReport struct {
	Groups          []GroupReport `json:"groups"`
	Compressed      int           `json:"compressed"`
	LazyLoaded      int           `json:"lazyLoaded"`
	Skipped         int           `json:"skipped"`
	MemoryReduced   int64         `json:"memoryReduced"`
	DryRun          bool          `json:"dryRun"`
	Chunks          int           `json:"chunks"`
	ChunksCommitted int           `json:"chunksCommitted"`
	Generation      uint64        `json:"generation"`
	Duration        time.Duration `json:"duration"`
}

// MaintenanceRequest is the maintenance boundary input. Unset threshold and
// chunk size fall back to the manager config.
type MaintenanceRequest struct {
	Operation      string   `json:"operation"`
	Threshold      *float64 `json:"threshold,omitempty"`
	KeepTransitive *bool    `json:"keepTransitive,omitempty"`
	Dedupe         bool     `json:"dedupe,omitempty"`
	Scope          string   `json:"scope,omitempty"`
	DryRun         bool     `json:"dryRun,omitempty"`
}

// MaintenanceResult is the maintenance boundary output
type MaintenanceResult struct {
	RunID           string          `json:"runId"`
	Operation       string          `json:"operation"`
	Removed         int             `json:"removed"`
	Kept            int             `json:"kept"`
	Compressed      int             `json:"compressed"`
	LazyLoaded      int             `json:"lazyLoaded"`
	MemoryReduced   int64           `json:"memoryReduced"`
	DryRun          bool            `json:"dryRun"`
	Chunks          int             `json:"chunks"`
	ChunksCommitted int             `json:"chunksCommitted"`
	Generation      uint64          `json:"generation"`
	Prune           *PruneReport    `json:"prune,omitempty"`
	Compress        *CompressReport `json:"compress,omitempty"`
}
