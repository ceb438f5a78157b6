// Package events implements an in-memory pub/sub broker used to fan out
// coordination-log activity to external watchers (spec §12 supplemented
// watch/stream surface). It is additive infrastructure: core operations
// never block on or depend on a subscriber being present.
package events

import (
	"sync"
	"time"

	"github.com/coreframe/coord/pkg/types"
)

// Event wraps one coordination-log entry for broadcast. Type reuses
// types.LogEvent so the broker never drifts from the coordinator's own
// event enum (spec §3).
type Event struct {
	Type      types.LogEvent
	Timestamp time.Time
	Entry     types.CoordinationLogEntry
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out published events to every active subscriber without
// blocking the publisher. A full subscriber buffer drops the event for
// that subscriber rather than stalling the coordinator.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Never blocks: if the
// broker is stopped or its internal queue is full, the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
