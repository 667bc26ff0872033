package notifier

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"PersonDetection/internal/entity"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
	closed bool
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) snapshot() ([]Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...), p.closed
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("broker down")}
	d := NewDispatcher(quietLogger(), 16, failing, pub)

	states := []entity.SessionState{entity.StateCreated, entity.StateUploaded, entity.StateProcessing, entity.StateCompleted}
	for _, s := range states {
		d.Observe(entity.Session{ID: "s1", State: s})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, closed := pub.snapshot()
	if !closed {
		t.Error("publisher not closed")
	}
	if len(events) != len(states) {
		t.Fatalf("events = %d, want %d", len(events), len(states))
	}
	for i, s := range states {
		if events[i].State != s {
			t.Errorf("event %d state = %s, want %s", i, events[i].State, s)
		}
	}

	d.Notify(Event{SessionID: "late"})
	if events, _ := pub.snapshot(); len(events) != len(states) {
		t.Error("event accepted after Close")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	d := NewDispatcher(quietLogger(), 1, pub)

	for i := 0; i < 10; i++ {
		d.Notify(Event{SessionID: "s1"})
	}
	if d.Dropped() == 0 {
		t.Error("expected dropped events with a blocked publisher")
	}

	close(pub.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(entity.StateCompleted); got != "session.completed" {
		t.Errorf("RoutingKey = %q", got)
	}
}

type fakeRedis struct {
	snapshots map[string][]byte
	published [][]byte
}

func (f *fakeRedis) SetSnapshot(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.snapshots[key] = value
	return nil
}

func (f *fakeRedis) GetSnapshot(_ context.Context, key string) ([]byte, error) {
	return f.snapshots[key], nil
}

func (f *fakeRedis) DeleteSnapshot(_ context.Context, key string) error {
	delete(f.snapshots, key)
	return nil
}

func (f *fakeRedis) Publish(_ context.Context, _ string, payload []byte) error {
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisPublisherKeepsLatestSnapshot(t *testing.T) {
	client := &fakeRedis{snapshots: make(map[string][]byte)}
	p := NewRedisPublisher(client, time.Minute)
	ctx := context.Background()

	if err := p.Publish(ctx, Event{SessionID: "s1", State: entity.StateProcessing, Progress: entity.Progress{Processed: 1, Total: 3}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var got Event
	if err := json.Unmarshal(client.snapshots[SnapshotKey("s1")], &got); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if got.Progress.Processed != 1 {
		t.Errorf("snapshot progress = %+v", got.Progress)
	}

	if err := p.Publish(ctx, Event{SessionID: "s1", State: entity.StateDeleted}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, ok := client.snapshots[SnapshotKey("s1")]; ok {
		t.Error("snapshot kept after delete")
	}
	if len(client.published) != 2 {
		t.Errorf("published = %d, want 2", len(client.published))
	}
}

type fakeMQTT struct {
	topics []string
}

func (f *fakeMQTT) Publish(topic string, _ []byte) error {
	f.topics = append(f.topics, topic)
	return nil
}
func (f *fakeMQTT) IsConnected() bool { return true }
func (f *fakeMQTT) Disconnect()       {}

func TestMQTTPublisherTopic(t *testing.T) {
	client := &fakeMQTT{}
	p := NewMQTTPublisher(client, "cams/")
	if err := p.Publish(context.Background(), Event{SessionID: "abc"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(client.topics) != 1 || client.topics[0] != "cams/abc/state" {
		t.Errorf("topics = %v", client.topics)
	}
}
