package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func publishGenerations(t *testing.T, pub *SSEPublisher, from, to int) {
	t.Helper()
	for i := from; i <= to; i++ {
		err := pub.Publish(TopicGraph, EventIngested, GraphChanged{Generation: uint64(i), Nodes: i})
		if err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
	}
}

func TestEventBuffer(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	pub.ConfigureTopic(TopicMaintenance, TopicConfig{
		History: 3,
		Replay:  ReplayAll,
	})

	for i := 1; i <= 5; i++ {
		err := pub.Publish(TopicMaintenance, EventMaintained, MaintenanceEvent{Operation: "prune", Removed: i})
		if err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sub, err := pub.Subscribe(ctx, TopicMaintenance)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	// Should receive the last 3 runs (3, 4, 5)
	for received := 1; received <= 3; received++ {
		select {
		case event := <-sub.Events():
			if event.Version != received+2 {
				t.Errorf("Expected version %d, got %d", received+2, event.Version)
			}
			var run MaintenanceEvent
			if err := json.Unmarshal(event.Data, &run); err != nil {
				t.Fatalf("Failed to decode payload: %v", err)
			}
			if run.Removed != received+2 {
				t.Errorf("Expected removed %d, got %d", received+2, run.Removed)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for event %d", received)
		}
	}
}

func TestReplayLastOnly(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()
	DefaultTopics(pub)

	publishGenerations(t, pub, 1, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sub, err := pub.Subscribe(ctx, TopicGraph)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case event := <-sub.Events():
		if event.Version != 3 {
			t.Errorf("Expected version 3, got %d", event.Version)
		}
		var changed GraphChanged
		if err := json.Unmarshal(event.Data, &changed); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if changed.Generation != 3 {
			t.Errorf("Expected generation 3, got %d", changed.Generation)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}

	select {
	case event := <-sub.Events():
		t.Errorf("Received unexpected extra event version %d", event.Version)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNoBuffer(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	publishGenerations(t, pub, 1, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sub, err := pub.Subscribe(ctx, TopicGraph)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case event := <-sub.Events():
		t.Errorf("Received unexpected replayed event version %d", event.Version)
	case <-time.After(50 * time.Millisecond):
	}

	publishGenerations(t, pub, 4, 4)

	select {
	case event := <-sub.Events():
		if event.Version != 4 {
			t.Errorf("Expected version 4, got %d", event.Version)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for new event")
	}
}

func TestResumeFromLastID(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()
	pub.ConfigureTopic(TopicGraph, TopicConfig{History: 3})

	publishGenerations(t, pub, 1, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sub, err := pub.SubscribeFrom(ctx, TopicGraph, 3)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	for _, want := range []int{4, 5} {
		select {
		case event := <-sub.Events():
			if event.Version != want {
				t.Errorf("Expected version %d, got %d", want, event.Version)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for version %d", want)
		}
	}
}

func TestResumeAfterGapSendsResync(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()
	pub.ConfigureTopic(TopicGraph, TopicConfig{History: 2})

	publishGenerations(t, pub, 1, 5)

	sub, err := pub.SubscribeFrom(context.Background(), TopicGraph, 1)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	event := <-sub.Events()
	if event.Type != EventResync {
		t.Fatalf("Expected a resync event first, got %q", event.Type)
	}
	var r Resync
	if err := json.Unmarshal(event.Data, &r); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if r.LastID != 1 || r.Next != 4 {
		t.Errorf("Expected resync from 1 to 4, got %+v", r)
	}
	if event := <-sub.Events(); event.Version != 4 {
		t.Errorf("Expected version 4 after the resync, got %d", event.Version)
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	sub, err := pub.Subscribe(context.Background(), TopicGraph)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	publishGenerations(t, pub, 1, subscriberQueue+1)

	count := 0
	for range sub.Events() {
		count++
	}
	if count != subscriberQueue {
		t.Errorf("Expected %d queued events before eviction, got %d", subscriberQueue, count)
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	pub := NewSSEPublisher()
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := pub.Subscribe(ctx, TopicGraph)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("Expected no events after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Subscription was not closed after cancel")
	}
}

func TestClosedPublisher(t *testing.T) {
	pub := NewSSEPublisher()
	sub, err := pub.Subscribe(context.Background(), TopicGraph)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("Expected the subscription channel to be closed")
	}
	if err := pub.Publish(TopicGraph, EventIngested, GraphChanged{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := pub.Subscribe(context.Background(), TopicGraph); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	event := Event{Topic: TopicGraph, Type: EventRemoved, Data: json.RawMessage(`{"generation":7}`), Version: 2}
	if err := WriteSSE(&buf, event); err != nil {
		t.Fatalf("WriteSSE failed: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "id: 2\nevent: removed\ndata: {") {
		t.Errorf("Unexpected framing: %q", out)
	}
	if !strings.HasSuffix(out, "}\n\n") {
		t.Errorf("Expected a blank line terminator, got %q", out)
	}
	if !strings.Contains(out, `"data":{"generation":7}`) {
		t.Errorf("Expected the payload inline, got %q", out)
	}
}
