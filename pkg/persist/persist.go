// Package persist reads and writes snapshot files.
//
// A snapshot file is the JSON document produced by store.EncodeSnapshot,
// optionally compressed. The compression is chosen by file extension:
// ".zst" for zstd, ".gz" for gzip, anything else is plain JSON.
package persist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/telemetry"
)

// Format is the on-disk encoding of a snapshot file
type Format int

const (
	FormatJSON Format = iota
	FormatZstd
	FormatGzip
)

func (f Format) String() string {
	switch f {
	case FormatZstd:
		return "zstd"
	case FormatGzip:
		return "gzip"
	default:
		return "json"
	}
}

// FormatFor picks the format from the file extension
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return FormatZstd
	case ".gz":
		return FormatGzip
	default:
		return FormatJSON
	}
}

// Info describes a completed save or load
type Info struct {
	Path       string        `json:"path"`
	Format     string        `json:"format"`
	Bytes      int64         `json:"bytes"`
	Nodes      int           `json:"nodes"`
	Edges      int           `json:"edges"`
	Generation uint64        `json:"generation"`
	Duration   time.Duration `json:"duration"`
}

// Write encodes snap to w in the given format
func Write(w io.Writer, snap *store.Snapshot, format Format) error {
	switch format {
	case FormatZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if err := store.EncodeSnapshot(zw, snap); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	case FormatGzip:
		gw := gzip.NewWriter(w)
		if err := store.EncodeSnapshot(gw, snap); err != nil {
			gw.Close()
			return err
		}
		return gw.Close()
	default:
		return store.EncodeSnapshot(w, snap)
	}
}

// Read decodes a snapshot from r in the given format
func Read(r io.Reader, format Format) (*store.Snapshot, error) {
	switch format {
	case FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		return store.DecodeSnapshot(zr)
	case FormatGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gr.Close()
		return store.DecodeSnapshot(gr)
	default:
		return store.DecodeSnapshot(r)
	}
}

// Save writes a point-in-time snapshot of s to path. The file is written
// to a temporary sibling and renamed into place, so readers of path never
// see a partial file.
func Save(s *store.Store, path string) (info Info, err error) {
	start := time.Now()
	defer func() {
		info.Duration = time.Since(start)
		telemetry.ObserveSnapshot("save", info.Duration, info.Bytes, err)
	}()

	snap := s.Snapshot()
	format := FormatFor(path)
	info = Info{
		Path:       path,
		Format:     format.String(),
		Nodes:      len(snap.Nodes),
		Edges:      len(snap.Edges),
		Generation: snap.Generation,
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return info, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return info, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	counter := &countingWriter{w: tmp}
	buf := bufio.NewWriter(counter)
	if err := Write(buf, snap, format); err != nil {
		return info, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return info, fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return info, fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return info, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return info, fmt.Errorf("atomic rename: %w", err)
	}
	cleanup = false
	info.Bytes = counter.n

	logging.Info("snapshot saved",
		"path", path,
		"format", info.Format,
		"nodes", info.Nodes,
		"edges", info.Edges,
		"bytes", info.Bytes,
		"generation", info.Generation)
	return info, nil
}

// Load reads the snapshot at path and restores it into s. A missing file
// is reported as os.ErrNotExist; an invalid file leaves s untouched.
func Load(s *store.Store, path string) (info Info, err error) {
	start := time.Now()
	defer func() {
		info.Duration = time.Since(start)
		telemetry.ObserveSnapshot("load", info.Duration, info.Bytes, err)
	}()

	format := FormatFor(path)
	info = Info{Path: path, Format: format.String()}

	f, err := os.Open(path)
	if err != nil {
		return info, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil {
		info.Bytes = st.Size()
	}

	snap, err := Read(bufio.NewReader(f), format)
	if err != nil {
		return info, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	if err := s.Restore(snap); err != nil {
		return info, fmt.Errorf("restore snapshot %s: %w", path, err)
	}

	info.Nodes = len(snap.Nodes)
	info.Edges = len(snap.Edges)
	info.Generation = s.Generation()
	logging.Info("snapshot loaded",
		"path", path,
		"nodes", info.Nodes,
		"edges", info.Edges,
		"generation", info.Generation)
	return info, nil
}

// LoadIfExists is Load that treats a missing file as an empty graph
func LoadIfExists(s *store.Store, path string) (Info, bool, error) {
	info, err := Load(s, path)
	if errors.Is(err, os.ErrNotExist) {
		return info, false, nil
	}
	return info, err == nil, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
