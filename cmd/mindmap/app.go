package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ritzau/mindmap/pkg/analyzer"
	"github.com/ritzau/mindmap/pkg/ingest"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/output"
	"github.com/ritzau/mindmap/pkg/persist"
	"github.com/ritzau/mindmap/pkg/pubsub"
	"github.com/ritzau/mindmap/pkg/query"
	"github.com/ritzau/mindmap/pkg/reclaim"
	"github.com/ritzau/mindmap/pkg/relevance"
	"github.com/ritzau/mindmap/pkg/store"
	"github.com/ritzau/mindmap/pkg/watcher"
)

// app is the set of components every command works on
type app struct {
	root      string
	store     *store.Store
	engine    *query.Engine
	pipeline  *relevance.Pipeline
	manager   *reclaim.Manager
	runner    *ingest.Runner
	analyzer  analyzer.Materializer
	publisher pubsub.Publisher

	loadedGen uint64 // Generation right after loading the snapshot
}

// openApp restores the snapshot, if any, and wires the components to it
func openApp(publisher pubsub.Publisher) (*app, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	s := store.New(store.WithProjectRoot(root))
	if _, found, err := persist.LoadIfExists(s, snapshotPath(root)); err != nil {
		return nil, err
	} else if !found {
		logging.Debug("no snapshot yet, starting empty", "path", snapshotPath(root))
	}
	s.SetProjectRoot(root)

	var mat analyzer.Materializer
	if cfg.Analyze {
		mat = analyzer.NewTreeSitter()
	}

	pipeline, err := relevance.New(s, cfg.RelevanceConfig())
	if err != nil {
		return nil, err
	}
	loadedGen := s.Generation()
	manager, err := reclaim.New(s, mat, cfg.ReclaimConfig())
	if err != nil {
		return nil, err
	}
	// Snapshots written by hand or by older builds may carry stale counters
	if n, err := manager.RefreshSummaries(context.Background()); err != nil {
		return nil, err
	} else if n > 0 {
		logging.Info("refreshed stale summary counters", "summaries", n)
	}

	return &app{
		root:      root,
		store:     s,
		engine:    query.NewEngine(s, cfg.QueryOptions()),
		pipeline:  pipeline,
		manager:   manager,
		runner:    ingest.NewRunner(s, publisher),
		analyzer:  mat,
		publisher: publisher,
		loadedGen: loadedGen,
	}, nil
}

// snapshotPath resolves a relative snapshot path against the project root
func snapshotPath(root string) string {
	if filepath.IsAbs(cfg.Snapshot) {
		return cfg.Snapshot
	}
	return filepath.Join(root, cfg.Snapshot)
}

// save writes the snapshot when the store changed since it was loaded
func (a *app) save() error {
	if a.store.Generation() == a.loadedGen {
		logging.Debug("store unchanged, snapshot not written")
		return nil
	}
	path := snapshotPath(a.root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if _, err := persist.Save(a.store, path); err != nil {
		return err
	}
	a.loadedGen = a.store.Generation()
	return nil
}

// reconciler keeps the graph in step with the project tree
func (a *app) reconciler() *watcher.Reconciler {
	return watcher.NewReconciler(a.store, a.runner, watcher.ReconcilerConfig{
		Root:      a.root,
		Analyzer:  a.analyzer,
		Publisher: a.publisher,
	})
}

// render prints v as JSON with --json, otherwise through the text printer
func render[T any](w io.Writer, v T, text func(io.Writer, T)) error {
	if cfg.JSON {
		return output.WriteJSON(w, v)
	}
	text(w, v)
	return nil
}
