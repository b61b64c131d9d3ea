// Package progress fans pipeline events out to connected observers.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/metrics"
)

type EventType string

const (
	EventSnapshot           EventType = "snapshot"
	EventDocumentProcessing EventType = "document_processing"
	EventDocumentComplete   EventType = "document_complete"
	EventDocumentError      EventType = "document_error"
	EventSyncFinished       EventType = "sync_finished"
)

type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Observer receives events. Send is only ever called from the observer's own delivery goroutine.
type Observer interface {
	Send(event Event) error
	Close() error
}

// Publisher is the write side of a Broadcaster.
type Publisher interface {
	Publish(eventType EventType, payload interface{})
}

// SnapshotFunc returns the current state sent to every new observer.
type SnapshotFunc func(ctx context.Context) (interface{}, error)

// Events queued for an observer beyond this many cause it to be dropped.
const observerBuffer = 64

type subscription struct {
	observer Observer
	events   chan Event
	// Closed when the subscription ends.
	done chan struct{}
}

// Broadcaster fans events out to observers. Publish never waits for an observer: each one has a bounded queue
// drained by its own goroutine, and an observer that falls behind or fails a send is closed and deregistered.
type Broadcaster struct {
	snapshot SnapshotFunc
	clock    clock.Clock
	metrics  *metrics.Metrics

	mu        sync.Mutex
	observers map[string]*subscription
}

func NewBroadcaster(snapshot SnapshotFunc, clock clock.Clock, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		snapshot:  snapshot,
		clock:     clock,
		metrics:   m,
		observers: make(map[string]*subscription),
	}
}

// Subscribe registers observer with a snapshot event as the first event in its queue.
// If the snapshot can't be built the observer is closed and not registered.
func (b *Broadcaster) Subscribe(ctx context.Context, observer Observer) (string, error) {
	var payload interface{}
	if b.snapshot != nil {
		var err error
		if payload, err = b.snapshot(ctx); err != nil {
			_ = observer.Close()
			return "", errors.WithMessage(err, "building progress snapshot")
		}
	}

	id := uuid.New().String()
	sub := &subscription{
		observer: observer,
		events:   make(chan Event, observerBuffer),
		done:     make(chan struct{}),
	}
	// Queueing the snapshot under the lock keeps publishes from overtaking it.
	b.mu.Lock()
	sub.events <- b.event(EventSnapshot, payload)
	b.observers[id] = sub
	n := len(b.observers)
	b.mu.Unlock()

	go b.deliver(id, sub)
	b.metrics.SetObservers(n)
	log.WithField("observer", id).Debugf("progress observer subscribed (%d connected)", n)
	return id, nil
}

// deliver sends queued events to the observer until the subscription ends, then closes the observer.
func (b *Broadcaster) deliver(id string, sub *subscription) {
	defer func() { _ = sub.observer.Close() }()
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.events:
			if err := sub.observer.Send(event); err != nil {
				log.WithError(err).WithField("observer", id).Info("dropping unresponsive progress observer")
				b.Unsubscribe(id)
				return
			}
		}
	}
}

// Unsubscribe deregisters the observer, which is closed by its delivery goroutine. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.observers[id]
	delete(b.observers, id)
	n := len(b.observers)
	b.mu.Unlock()
	if !ok {
		return
	}
	close(sub.done)
	b.metrics.SetObservers(n)
}

// Publish queues an event for every observer and returns without waiting for delivery.
// Observers whose queue is full are deregistered.
func (b *Broadcaster) Publish(eventType EventType, payload interface{}) {
	event := b.event(eventType, payload)

	var overflowed []string
	b.mu.Lock()
	for id, sub := range b.observers {
		select {
		case sub.events <- event:
		default:
			overflowed = append(overflowed, id)
		}
	}
	b.mu.Unlock()

	for _, id := range overflowed {
		log.WithField("observer", id).Info("dropping progress observer that fell behind")
		b.Unsubscribe(id)
	}
}

func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Close deregisters every observer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	observers := b.observers
	b.observers = make(map[string]*subscription)
	b.mu.Unlock()
	for _, sub := range observers {
		close(sub.done)
	}
	b.metrics.SetObservers(0)
}

func (b *Broadcaster) event(eventType EventType, payload interface{}) Event {
	return Event{Type: eventType, Timestamp: b.clock.Now(), Payload: payload}
}

// NoopPublisher discards events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(EventType, interface{}) {}
