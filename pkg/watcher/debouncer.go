package watcher

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/ritzau/mindmap/pkg/logging"
)

// Debouncer batches rapid file system events to avoid excessive re-scans.
// Within one window the last change to a path wins.
type Debouncer struct {
	input       <-chan ChangeEvent
	output      chan ChangeEvent
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewDebouncer creates a new event debouncer
func NewDebouncer(input <-chan ChangeEvent, quietPeriod, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		input:       input,
		output:      make(chan ChangeEvent, 10),
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}
}

// Start begins processing events with debouncing
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

// run accumulates events until the input has been quiet for quietPeriod,
// or maxWait has passed since the first unflushed event
func (d *Debouncer) run(ctx context.Context) {
	defer close(d.output)

	quiet := time.NewTimer(d.quietPeriod)
	quiet.Stop()
	deadline := time.NewTimer(d.maxWait)
	deadline.Stop()

	latest := make(map[string]ChangeType)
	eventCount := 0

	flush := func() {
		quiet.Stop()
		deadline.Stop()
		if len(latest) == 0 {
			return
		}
		logging.Debug("flushing accumulated events", "events", eventCount, "paths", len(latest))

		// Removals first so a rescan never sees nodes of deleted files
		for _, typ := range []ChangeType{ChangeTypeRemoved, ChangeTypeWritten} {
			var paths []string
			for p, t := range latest {
				if t == typ {
					paths = append(paths, p)
				}
			}
			if len(paths) == 0 {
				continue
			}
			sort.Strings(paths)
			d.output <- ChangeEvent{Type: typ, Paths: paths, Timestamp: time.Now()}
		}
		latest = make(map[string]ChangeType)
		eventCount = 0
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case event, ok := <-d.input:
			if !ok {
				flush()
				return
			}
			if eventCount == 0 {
				deadline.Reset(d.maxWait)
			}
			for _, p := range event.Paths {
				latest[p] = event.Type
			}
			eventCount++
			quiet.Reset(d.quietPeriod)

		case <-quiet.C:
			flush()

		case <-deadline.C:
			flush()
		}
	}
}

// Output returns the channel of debounced events
func (d *Debouncer) Output() <-chan ChangeEvent {
	return d.output
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
