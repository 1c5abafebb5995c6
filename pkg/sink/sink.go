// Package sink implements the SinkPool (spec.md §4.2): a per-server broadcast
// of byte chunks with a bounded ring history for late joiners and
// drop-on-lag delivery so a slow subscriber can never stall the producer.
// Grounded on the teacher's pkg/events.Broker non-blocking broadcast, plus a
// ring buffer on top.
package sink

import (
	"sync"
	"time"
)

const (
	defaultBroadcastCapacity = 1024
	defaultHistorySize       = 500
)

// Entry is one ring-history record.
type Entry struct {
	Bytes       []byte
	TimestampMS int64
}

// Subscriber is a channel a caller reads pushed bytes from.
type Subscriber chan []byte

// SinkPool is safe for concurrent use; all exported methods may be called
// from multiple goroutines. Cloning the pointer shares state, matching
// spec.md §9's "cloning must share state" requirement.
type SinkPool struct {
	mu          sync.Mutex
	subscribers map[Subscriber]bool
	history     []Entry // ring buffer, oldest first
	historyCap  int
	broadcastCap int
	dropped     uint64
}

// New creates a SinkPool with the spec's defaults (broadcast capacity 1024,
// history 500).
func New() *SinkPool {
	return NewWithCapacity(defaultBroadcastCapacity, defaultHistorySize)
}

// NewWithCapacity allows overriding the defaults.
func NewWithCapacity(broadcastCap, historyCap int) *SinkPool {
	return &SinkPool{
		subscribers:  make(map[Subscriber]bool),
		historyCap:   historyCap,
		broadcastCap: broadcastCap,
	}
}

// Subscribe registers a new subscriber and returns its channel.
func (s *SinkPool) Subscribe() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := make(Subscriber, s.broadcastCap)
	s.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber's channel.
func (s *SinkPool) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[sub] {
		delete(s.subscribers, sub)
		close(sub)
	}
}

// Push appends to the ring and broadcasts, stamping with the current time.
func (s *SinkPool) Push(b []byte) {
	s.PushWithTimestamp(b, time.Now().UnixMilli())
}

// PushWithTimestamp is Push with an explicit timestamp, used when replaying
// or testing deterministically.
func (s *SinkPool) PushWithTimestamp(b []byte, ts int64) {
	s.mu.Lock()
	// The ring always accepts the push, even with zero subscribers
	// (spec.md §4.2 "producer always succeeds to the ring").
	s.history = append(s.history, Entry{Bytes: b, TimestampMS: ts})
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
	subs := make([]Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- b:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

// GetHistory returns a copy of the current ring buffer, oldest first.
func (s *SinkPool) GetHistory() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.history))
	copy(out, s.history)
	return out
}

// ClearBuffer empties the ring history without touching subscribers.
func (s *SinkPool) ClearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// SubscriberCount returns the number of active subscribers.
func (s *SinkPool) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// DroppedMessageCount returns the cumulative count of messages dropped
// because a subscriber's buffer was full.
func (s *SinkPool) DroppedMessageCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
