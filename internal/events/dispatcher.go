// Package events fans store and sync notifications out to in-process subscribers.
package events

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Kind names an event.
type Kind string

const (
	DocumentsStaged    Kind = "documents-staged"
	DocumentsCommitted Kind = "documents-committed"
	DocumentsApplied   Kind = "documents-applied"
	PeerDiscovered     Kind = "peer-discovered"
	InstanceOutdated   Kind = "instance-outdated"
	Synced             Kind = "synced"
	SyncFailed         Kind = "sync-failed"
)

// Event is one notification. Publishers never block on slow subscribers.
type Event struct {
	Kind        Kind      `json:"kind"`
	DocumentIDs []string  `json:"document_ids,omitempty"`
	Peer        string    `json:"peer,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Dispatcher delivers events to subscribers registered for their kind.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	kinds  []Kind
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for the given kinds, or for every kind when none are given.
// The subscription ends when ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, func()) {
	sub := &subscriber{
		kinds:  kinds,
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, sub.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to matching subscribers, dropping it for those whose buffer is full.
func (d *Dispatcher) Publish(event Event) {
	if d == nil || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		if len(sub.kinds) == 0 || slices.Contains(sub.kinds, event.Kind) {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
