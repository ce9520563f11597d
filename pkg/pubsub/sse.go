package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ritzau/mindmap/pkg/logging"
)

// ErrClosed is returned by a publisher after Close
var ErrClosed = errors.New("publisher is closed")

// subscriberQueue is the per-subscriber backlog. A subscriber that falls
// further behind is evicted and has to resume with its last seen id.
const subscriberQueue = 64

// ReplayMode selects what a fresh subscriber (one without a resume id) gets
type ReplayMode int

const (
	ReplayLatest ReplayMode = iota // The newest retained event only
	ReplayAll                      // Every retained event, oldest first
)

// TopicConfig sets the history a topic retains for late subscribers
type TopicConfig struct {
	History int // Events retained (0 retains none)
	Replay  ReplayMode
}

// DefaultTopics configures the server topics. A graph subscriber only needs
// the current generation; maintenance subscribers get the recent runs.
func DefaultTopics(p *SSEPublisher) {
	p.ConfigureTopic(TopicGraph, TopicConfig{History: 32, Replay: ReplayLatest})
	p.ConfigureTopic(TopicMaintenance, TopicConfig{History: 16, Replay: ReplayAll})
}

type topicState struct {
	config  TopicConfig
	version int
	history []Event
	subs    map[*sseSubscription]struct{}
}

// SSEPublisher implements Publisher with per-topic versioned history, so
// Server-Sent Events clients can resume from their Last-Event-ID
type SSEPublisher struct {
	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

// NewSSEPublisher creates a publisher with no topic history configured
func NewSSEPublisher() *SSEPublisher {
	return &SSEPublisher{topics: make(map[string]*topicState)}
}

func (p *SSEPublisher) topic(name string) *topicState {
	t := p.topics[name]
	if t == nil {
		t = &topicState{subs: make(map[*sseSubscription]struct{})}
		p.topics[name] = t
	}
	return t
}

// ConfigureTopic sets the retention of a topic, trimming existing history
func (p *SSEPublisher) ConfigureTopic(topic string, config TopicConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.topic(topic)
	t.config = config
	t.history = trim(t.history, config.History)
}

// Subscribe subscribes as a fresh client
func (p *SSEPublisher) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	return p.SubscribeFrom(ctx, topic, 0)
}

// SubscribeFrom subscribes a client that has seen events up to lastID. The
// retained events after lastID are replayed; when some of them were already
// discarded the replay starts with an EventResync so the client knows to
// refetch state. lastID 0 means a fresh client, replayed per the topic's
// ReplayMode.
func (p *SSEPublisher) SubscribeFrom(ctx context.Context, topic string, lastID int) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	t := p.topic(topic)
	replay := t.replayAfter(topic, lastID)

	sub := &sseSubscription{
		topic:     topic,
		events:    make(chan Event, subscriberQueue+len(replay)),
		done:      make(chan struct{}),
		publisher: p,
	}
	for _, e := range replay {
		sub.events <- e
	}
	t.subs[sub] = struct{}{}

	if len(replay) > 0 {
		logging.Debug("replayed events to subscriber", "topic", topic, "after", lastID, "count", len(replay))
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// replayAfter picks the retained events a subscriber resuming at lastID gets
func (t *topicState) replayAfter(topic string, lastID int) []Event {
	if len(t.history) == 0 {
		if lastID > 0 && lastID < t.version {
			return []Event{resync(topic, lastID, t.version)}
		}
		return nil
	}
	if lastID <= 0 {
		if t.config.Replay == ReplayAll {
			return append([]Event(nil), t.history...)
		}
		return []Event{t.history[len(t.history)-1]}
	}

	var out []Event
	if oldest := t.history[0].Version; oldest > lastID+1 {
		out = append(out, resync(topic, lastID, oldest))
	}
	for _, e := range t.history {
		if e.Version > lastID {
			out = append(out, e)
		}
	}
	return out
}

func resync(topic string, lastID, next int) Event {
	data, _ := json.Marshal(Resync{LastID: lastID, Next: next})
	return Event{Topic: topic, Type: EventResync, Data: data, Version: lastID}
}

// Publish sends an event to all subscribers of a topic. Subscribers whose
// queue is full are evicted: their channel closes and they must resume.
func (p *SSEPublisher) Publish(topic string, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	t := p.topic(topic)
	t.version++
	event := Event{Topic: topic, Type: eventType, Data: payload, Version: t.version}

	if t.config.History > 0 {
		t.history = trim(append(t.history, event), t.config.History)
	}

	for sub := range t.subs {
		select {
		case sub.events <- event:
		default:
			logging.Warn("evicting slow subscriber", "topic", topic, "version", event.Version)
			delete(t.subs, sub)
			close(sub.events)
		}
	}
	return nil
}

func trim(history []Event, n int) []Event {
	if len(history) <= n {
		return history
	}
	return append([]Event(nil), history[len(history)-n:]...)
}

// Close shuts down the publisher and closes every subscription channel
func (p *SSEPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, t := range p.topics {
		for sub := range t.subs {
			close(sub.events)
		}
		t.subs = make(map[*sseSubscription]struct{})
	}
	return nil
}

func (p *SSEPublisher) unsubscribe(sub *sseSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t := p.topics[sub.topic]; t != nil {
		if _, ok := t.subs[sub]; ok {
			delete(t.subs, sub)
			close(sub.events)
		}
	}
}

type sseSubscription struct {
	topic     string
	events    chan Event
	done      chan struct{}
	once      sync.Once
	publisher *SSEPublisher
}

func (s *sseSubscription) Topic() string {
	return s.topic
}

func (s *sseSubscription) Events() <-chan Event {
	return s.events
}

func (s *sseSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.publisher.unsubscribe(s)
	})
	return nil
}

// WriteSSE writes an event in the text/event-stream framing. The id line
// carries the topic version so clients resume with Last-Event-ID.
func WriteSSE(w io.Writer, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Version, event.Type, jsonData)
	return err
}
