package web

import (
	"github.com/ritzau/mindmap/pkg/ingest"
	"github.com/ritzau/mindmap/pkg/logging"
	"github.com/ritzau/mindmap/pkg/pubsub"
	"github.com/ritzau/mindmap/pkg/reclaim"
	"github.com/ritzau/mindmap/pkg/store"
)

// AnnounceMaintenance publishes a maintenance run on the maintenance topic
// and, when it changed the store, the new generation on the graph topic.
// It serves both the HTTP boundary and the scheduler.
func AnnounceMaintenance(s *store.Store, publisher pubsub.Publisher, res *reclaim.MaintenanceResult, err error) {
	if publisher == nil || res == nil {
		return
	}

	ev := pubsub.MaintenanceEvent{
		RunID:         res.RunID,
		Operation:     res.Operation,
		Removed:       res.Removed,
		Compressed:    res.Compressed,
		MemoryReduced: res.MemoryReduced,
		DryRun:        res.DryRun,
		Generation:    res.Generation,
	}
	eventType := pubsub.EventMaintained
	if err != nil {
		eventType = pubsub.EventFailed
		ev.Error = err.Error()
	}
	if perr := publisher.Publish(pubsub.TopicMaintenance, eventType, ev); perr != nil {
		logging.Debug("maintenance event not published", "error", perr)
	}

	if changed := res.Removed + res.Compressed; !res.DryRun && changed > 0 {
		ingest.Announce(s, publisher, pubsub.EventMaintained, res.Operation, changed)
	}
}
