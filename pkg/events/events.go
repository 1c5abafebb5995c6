// Package events implements the per-server typed Event bus (spec.md §4.5),
// generalized from the teacher's pkg/events.Broker (a flat cluster-wide
// event broadcaster) to the spec's tagged Event variants. Publish keeps the
// teacher's non-blocking, drop-on-lag broadcast discipline.
package events

import (
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// Subscriber is a channel a caller reads published events from.
type Subscriber chan *types.Event

const subscriberBuffer = 50

// Bus is a per-server event broadcaster. Safe for concurrent use; cloning the
// pointer shares state.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	dropped     uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Subscriber]bool)}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish broadcasts ev to every subscriber without blocking. A subscriber
// whose buffer is full misses the event and the bus's dropped counter
// increments; the event is never delivered out of order to a subscriber that
// does keep up, since the same goroutine iterates subscribers sequentially
// per Publish call.
func (b *Bus) Publish(ev *types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// DroppedCount returns the cumulative count of events dropped for lagging
// subscribers.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
