package reclaim

import (
	"context"
	"errors"
	"time"

	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/persist"
)

// Scheduler runs prune and compress periodically and optionally saves a
// snapshot afterwards
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	autosave string
	saved    uint64 // Generation of the last autosave

	// OnResult is called after each maintenance operation, failed ones included
	OnResult func(*MaintenanceResult, error)
}

// NewScheduler creates a scheduler. An empty autosave path disables saving.
func NewScheduler(m *Manager, interval time.Duration, autosave string) *Scheduler {
	return &Scheduler{manager: m, interval: interval, autosave: autosave}
}

// Run ticks until ctx is done. A zero interval disables the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	logging.Info("maintenance scheduled", "interval", s.interval, "autosave", s.autosave)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error("scheduled maintenance failed", "error", err)
			}
		}
	}
}

// Tick runs one prune, one compress and the autosave. The save is skipped
// when the store has not changed since the last one.
func (s *Scheduler) Tick(ctx context.Context) error {
	var errs []error
	for _, op := range []string{OpPrune, OpCompress} {
		res, err := s.manager.Run(ctx, MaintenanceRequest{Operation: op})
		if s.OnResult != nil {
			s.OnResult(res, err)
		}
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				return errors.Join(errs...)
			}
		}
	}

	if gen := s.manager.store.Generation(); s.autosave != "" && gen != s.saved {
		info, err := persist.Save(s.manager.store, s.autosave)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.saved = info.Generation
		}
	}
	return errors.Join(errs...)
}
