// Package pubsub fans graph and maintenance events out to long-lived
// subscribers such as SSE clients.
package pubsub

import (
	"context"
	"encoding/json"
)

// Topics published by the server
const (
	// TopicGraph carries a GraphChanged event whenever the store generation moves
	TopicGraph = "graph"
	// TopicMaintenance carries a MaintenanceEvent per prune or compress run
	TopicMaintenance = "maintenance"
)

// Event types
const (
	EventIngested   = "ingested"
	EventRemoved    = "removed"
	EventRestored   = "restored"
	EventReloaded   = "reloaded"
	EventMaintained = "completed"
	EventFailed     = "failed"
	EventResync     = "resync" // Events after the client's last id were discarded
)

// Event is one published message. Version increases per topic.
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Version int             `json:"version"`
}

// Subscription represents a client subscription to a topic
type Subscription interface {
	// Topic returns the subscription topic
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	// Close closes the subscription
	Close() error
}

// Publisher manages subscriptions and event publishing
type Publisher interface {
	// Subscribe creates a new subscription to a topic.
	// Context cancellation will close the subscription.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic
	Publish(topic string, eventType string, data any) error

	// Close shuts down the publisher and all subscriptions
	Close() error
}

// GraphChanged reports the store after a mutation
type GraphChanged struct {
	Generation uint64 `json:"generation"`
	Nodes      int    `json:"nodes"`
	Edges      int    `json:"edges"`
	Source     string `json:"source,omitempty"` // What caused it: ingest, watcher, api...
	Changed    int    `json:"changed"`          // Entities inserted, updated or removed
}

// Resync tells a resuming subscriber that events between LastID and Next
// are gone and its view has to be refetched
type Resync struct {
	LastID int `json:"lastId"`
	Next   int `json:"next"`
}

// MaintenanceEvent reports one maintenance run
type MaintenanceEvent struct {
	RunID         string `json:"runId"`
	Operation     string `json:"operation"`
	Removed       int    `json:"removed"`
	Compressed    int    `json:"compressed"`
	MemoryReduced int64  `json:"memoryReduced"`
	DryRun        bool   `json:"dryRun"`
	Generation    uint64 `json:"generation"`
	Error         string `json:"error,omitempty"`
}
