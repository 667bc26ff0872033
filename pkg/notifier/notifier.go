package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PersonDetection/internal/entity"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Event struct {
	SessionID string               `json:"session_id"`
	State     entity.SessionState  `json:"state"`
	Progress  entity.Progress      `json:"progress"`
	Stats     entity.Stats         `json:"stats"`
	Error     *entity.SessionError `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

func EventFromSession(s entity.Session) Event {
	return Event{
		SessionID: s.ID,
		State:     s.State,
		Progress:  s.Progress,
		Stats:     s.Stats,
		Error:     s.Error,
		At:        s.UpdatedAt,
	}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Dispatcher fans session events out to publishers from one background
// goroutine. Notify never blocks; events are dropped when the queue is full.
type Dispatcher struct {
	publishers []Publisher
	log        *logrus.Logger
	timeout    time.Duration
	queue      chan Event
	dropped    atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(log *logrus.Logger, size int, publishers ...Publisher) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		publishers: publishers,
		log:        log,
		timeout:    3 * time.Second,
		queue:      make(chan Event, size),
		done:       make(chan struct{}),
	}
	go d.loop()
	return d
}

// Observe adapts the dispatcher to a registry observer.
func (d *Dispatcher) Observe(s entity.Session) {
	d.Notify(EventFromSession(s))
}

func (d *Dispatcher) Notify(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || len(d.publishers) == 0 {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close delivers what is already queued, then closes every publisher.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			d.log.WithFields(logrus.Fields{
				"publisher": p.Name(),
				"error":     err.Error(),
			}).Warn("Failed to close publisher")
		}
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for event := range d.queue {
		for _, p := range d.publishers {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := p.Publish(ctx, event)
			cancel()
			if err != nil {
				d.log.WithFields(logrus.Fields{
					"publisher":  p.Name(),
					"session_id": event.SessionID,
					"state":      event.State,
					"error":      err.Error(),
				}).Warn("Failed to publish session event")
			}
		}
	}
}
