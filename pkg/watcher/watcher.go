// Package watcher keeps the graph in step with the project directory:
// fsnotify events are batched, debounced and handed to a Reconciler that
// re-scans written files and removes the nodes of deleted ones.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ritzau/mindmap/pkg/ingest"
	"github.com/ritzau/mindmap/pkg/logging"
)

// ChangeType represents the type of file change detected
type ChangeType int

const (
	// ChangeTypeWritten covers created and modified files
	ChangeTypeWritten ChangeType = iota
	// ChangeTypeRemoved covers deleted and renamed-away paths
	ChangeTypeRemoved
)

func (c ChangeType) String() string {
	if c == ChangeTypeRemoved {
		return "removed"
	}
	return "written"
}

// ChangeEvent represents a batch of file system changes. Paths are
// slash-separated and relative to the project root.
type ChangeEvent struct {
	Type      ChangeType
	Paths     []string
	Timestamp time.Time
}

// flushDelay groups the burst of events a single save produces
const flushDelay = 100 * time.Millisecond

// FileWatcher watches a project directory tree for file changes
type FileWatcher struct {
	watcher *fsnotify.Watcher
	root    string
	ignore  *ingest.Ignorer
	events  chan ChangeEvent
	done    chan struct{}
	mu      sync.Mutex
	watched map[string]bool
}

// NewFileWatcher creates a new file system watcher for a project root
func NewFileWatcher(root string, ignore *ingest.Ignorer) (*FileWatcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	fw := &FileWatcher{
		watcher: watcher,
		root:    abs,
		ignore:  ignore,
		events:  make(chan ChangeEvent, 100),
		done:    make(chan struct{}),
		watched: make(map[string]bool),
	}
	return fw, nil
}

// Start begins watching for file changes
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := fw.watchTree(fw.root); err != nil {
		fw.watcher.Close()
		return err
	}
	logging.Info("started watching project", "path", fw.root, "directories", fw.watchedCount())

	go fw.processEvents(ctx)
	return nil
}

// watchTree adds dir and every non-ignored directory below it
func (fw *FileWatcher) watchTree(dir string) error {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip directories we can't access
		}
		if !d.IsDir() {
			return nil
		}
		rel, ok := fw.rel(p)
		if !ok || fw.ignore.Ignored(rel, true) {
			return filepath.SkipDir
		}
		fw.mu.Lock()
		defer fw.mu.Unlock()
		if fw.watched[p] {
			return nil
		}
		if err := fw.watcher.Add(p); err != nil {
			logging.Warn("failed to watch directory", "path", p, "error", err)
			return nil
		}
		fw.watched[p] = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk project: %w", err)
	}
	return nil
}

func (fw *FileWatcher) watchedCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.watched)
}

// rel converts an absolute path below the root to the slash form used for node ids
func (fw *FileWatcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(fw.root, p)
	if err != nil || rel == ".." || (len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// classify maps one fsnotify event to a change, creating watches for new directories
func (fw *FileWatcher) classify(event fsnotify.Event) (ChangeType, string, bool) {
	rel, ok := fw.rel(event.Name)
	if !ok || rel == ingest.RootID {
		return 0, "", false
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		fw.mu.Lock()
		delete(fw.watched, event.Name)
		fw.mu.Unlock()
		return ChangeTypeRemoved, rel, true

	case event.Has(fsnotify.Create):
		if isDir(event.Name) {
			if fw.ignore.Ignored(rel, true) {
				return 0, "", false
			}
			// Files created before the watch was added are picked up by the rescan
			if err := fw.watchTree(event.Name); err != nil {
				logging.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return ChangeTypeWritten, rel, true
		}
		fallthrough

	case event.Has(fsnotify.Write):
		if fw.ignore.Ignored(rel, false) {
			return 0, "", false
		}
		return ChangeTypeWritten, rel, true
	}
	return 0, "", false
}

// processEvents batches file system events by type
func (fw *FileWatcher) processEvents(ctx context.Context) {
	pending := make(map[ChangeType][]string)

	flushTimer := time.NewTimer(flushDelay)
	flushTimer.Stop()

	flush := func() {
		for _, typ := range []ChangeType{ChangeTypeRemoved, ChangeTypeWritten} {
			if len(pending[typ]) == 0 {
				continue
			}
			select {
			case fw.events <- ChangeEvent{Type: typ, Paths: pending[typ], Timestamp: time.Now()}:
			case <-ctx.Done():
			}
			delete(pending, typ)
		}
	}

	for {
		select {
		case <-ctx.Done():
			fw.watcher.Close()
			close(fw.events)
			close(fw.done)
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				close(fw.events)
				return
			}
			typ, rel, ok := fw.classify(event)
			if !ok {
				continue
			}
			logging.Trace("file event", "op", event.Op.String(), "path", rel)
			pending[typ] = append(pending[typ], rel)
			flushTimer.Reset(flushDelay)

		case <-flushTimer.C:
			flush()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher error", "error", err)
		}
	}
}

// Events returns the channel of change events. It is closed when the
// watcher stops.
func (fw *FileWatcher) Events() <-chan ChangeEvent {
	return fw.events
}

// Done is closed once the watcher has shut down after context cancellation
func (fw *FileWatcher) Done() <-chan struct{} {
	return fw.done
}
