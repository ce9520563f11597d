package watcher

import (
	"context"
	"strings"
	"time"

	"github.com/ritzau/mindmap/pkg/analyzer"
	"github.com/ritzau/mindmap/pkg/ingest"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/model"
	"github.com/ritzau/mindmap/pkg/pubsub"
	"github.com/ritzau/mindmap/pkg/store"
)

// Reconciler applies file changes to the graph
type Reconciler struct {
	store     *store.Store
	runner    *ingest.Runner
	publisher pubsub.Publisher
	root      string
	ignore    *ingest.Ignorer
	analyzer  analyzer.Materializer
}

// ReconcilerConfig names the project and the optional collaborators.
// Analyzer adds variables to scans. Lazy summary counters follow the
// writes by themselves once a reclaim.Manager is attached to the store.
type ReconcilerConfig struct {
	Root      string
	Ignore    *ingest.Ignorer
	Analyzer  analyzer.Materializer
	Publisher pubsub.Publisher
}

// NewReconciler creates a reconciler writing through runner
func NewReconciler(s *store.Store, runner *ingest.Runner, cfg ReconcilerConfig) *Reconciler {
	ig := cfg.Ignore
	if ig == nil {
		ig = ingest.LoadIgnorer(cfg.Root)
	}
	return &Reconciler{
		store:     s,
		runner:    runner,
		publisher: cfg.Publisher,
		root:      cfg.Root,
		ignore:    ig,
		analyzer:  cfg.Analyzer,
	}
}

// Outcome reports one reconciliation
type Outcome struct {
	Scanned int // Nodes and edges in the applied scan batch
	Removed int // Nodes removed
}

// Apply brings the graph in line with one analyzed change
func (r *Reconciler) Apply(ctx context.Context, a *ChangeAnalysis) (Outcome, error) {
	var out Outcome
	if a.NeedFullScan {
		r.ignore = ingest.LoadIgnorer(r.root)
		return r.Sync(ctx)
	}

	if len(a.Removed) > 0 {
		n := r.remove(func(n *model.Node) bool { return underAny(n, a.Removed) })
		out.Removed += n
	}
	if len(a.Rescan) > 0 {
		scanned, removed, err := r.rescan(ctx, a.Rescan)
		out.Scanned += scanned
		out.Removed += removed
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Sync scans the whole project and removes file and directory nodes (and
// everything they own) that the scan no longer produces
func (r *Reconciler) Sync(ctx context.Context) (Outcome, error) {
	var out Outcome
	src := &ingest.ScanSource{Root: r.root, Ignore: r.ignore, Analyzer: r.analyzer}
	b, err := src.Read(ctx)
	if err != nil {
		return out, err
	}
	if _, err := r.runner.Apply(ctx, src.Name(), b, ingest.Options{Reason: "full scan", Scan: true}); err != nil {
		return out, err
	}
	out.Scanned = b.Len()

	present := make(map[string]bool)
	for _, id := range ingest.FileIDs(b) {
		present[id] = true
	}
	var gone []string
	_ = r.store.View(func(tx *store.ReadTx) error {
		tx.ScanNodes(func(n *model.Node) bool {
			if (n.Type == model.NodeFile || n.Type == model.NodeDirectory) && !present[n.ID] {
				gone = append(gone, n.ID)
			}
			return true
		})
		return nil
	})
	if len(gone) > 0 {
		out.Removed = r.remove(func(n *model.Node) bool { return underAny(n, gone) })
	}
	return out, nil
}

// rescan re-reads the written paths and drops variables that vanished from them
func (r *Reconciler) rescan(ctx context.Context, paths []string) (scanned, removed int, err error) {
	src := &ingest.ScanSource{Root: r.root, Ignore: r.ignore, Analyzer: r.analyzer, Paths: paths}
	b, err := src.Read(ctx)
	if err != nil {
		return 0, 0, err
	}
	if _, err := r.runner.Apply(ctx, "watcher", b, ingest.Options{Reason: "files changed"}); err != nil {
		return 0, 0, err
	}

	if r.analyzer == nil {
		return b.Len(), 0, nil
	}
	fresh := make(map[string]bool, len(b.Nodes))
	scopes := make(map[string]bool)
	for _, n := range b.Nodes {
		fresh[n.ID] = true
		if n.Type == model.NodeFile {
			scopes[n.ID] = true
		}
	}
	removed = r.remove(func(n *model.Node) bool {
		return n.Type == model.NodeVariable && scopes[n.Path] && !fresh[n.ID]
	})
	return b.Len(), removed, nil
}

// remove deletes every node matching pred in one transaction and announces it
func (r *Reconciler) remove(pred func(*model.Node) bool) int {
	var removed int
	_ = r.store.Update(func(tx *store.WriteTx) error {
		var ids []string
		tx.ScanNodes(func(n *model.Node) bool {
			if pred(n) {
				ids = append(ids, n.ID)
			}
			return true
		})
		for _, id := range ids {
			if _, ok := tx.RemoveNode(id); ok {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		logging.Info("removed nodes of changed files", "count", removed)
		ingest.Announce(r.store, r.publisher, pubsub.EventRemoved, "watcher", removed)
	}
	return removed
}

// underAny reports whether n is one of paths or lives below one of them
func underAny(n *model.Node, paths []string) bool {
	for _, p := range paths {
		for _, s := range []string{n.ID, n.Path} {
			if s == p || strings.HasPrefix(s, p+"/") || strings.HasPrefix(s, p+"::") {
				return true
			}
		}
	}
	return false
}

// Watch runs the watcher, debouncer and reconciler until ctx is done
func (r *Reconciler) Watch(ctx context.Context, quietPeriod, maxWait time.Duration) error {
	fw, err := NewFileWatcher(r.root, r.ignore)
	if err != nil {
		return err
	}
	if err := fw.Start(ctx); err != nil {
		return err
	}
	deb := NewDebouncer(fw.Events(), quietPeriod, maxWait)
	deb.Start(ctx)

	for event := range deb.Output() {
		a := AnalyzeChanges(event)
		if a.Empty() {
			continue
		}
		logging.Info("reconciling file changes", "type", event.Type, "paths", len(event.Paths), "fullScan", a.NeedFullScan)
		out, err := r.Apply(ctx, a)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logging.Error("reconciliation failed", "error", err)
			continue
		}
		logging.Debug("reconciled", "scanned", out.Scanned, "removed", out.Removed)
	}
	return nil
}
