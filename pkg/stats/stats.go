// Package stats implements the StatsBuffer (spec.md §4.14): a bounded
// time-window history of resource Stats snapshots per server, with a
// pluggable external backend. Grounded on the teacher's pkg/storage
// "pluggable store behind a small interface" shape.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

const (
	defaultWindow  = 3 * time.Minute
	defaultMaxSize = 180
)

// ExternalBackend is satisfied by pkg/pubsub's Redis-backed store (spec.md
// §4.14 "external sorted-KV"). The in-memory Buffer never depends on it
// directly; Buffer composes over whichever backend is passed at
// construction.
type ExternalBackend interface {
	Push(uuid string, entry types.StatsEntry, window time.Duration) error
	History(uuid string, window time.Duration) ([]types.StatsEntry, error)
	Latest(uuid string) (types.StatsEntry, bool, error)
	Clear(uuid string) error
}

// Buffer is the in-memory StatsBuffer backend: a bounded deque per server
// UUID, capped at maxSize entries and pruned to the time window on every
// push and read.
type Buffer struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	byUUID  map[string][]types.StatsEntry

	external ExternalBackend // optional; when set, Buffer delegates entirely
}

// New creates an in-memory StatsBuffer using the spec's defaults (3-minute
// window, 180-entry cap).
func New() *Buffer {
	return NewWithOptions(defaultWindow, defaultMaxSize, nil)
}

// NewWithExternal creates a StatsBuffer backed by an external KV instead of
// the in-memory map, selected at construction per spec.md §4.14.
func NewWithExternal(backend ExternalBackend, window time.Duration) *Buffer {
	return NewWithOptions(window, defaultMaxSize, backend)
}

// NewWithOptions allows overriding window/cap; New and NewWithExternal build on it.
func NewWithOptions(window time.Duration, maxSize int, external ExternalBackend) *Buffer {
	return &Buffer{
		window:   window,
		maxSize:  maxSize,
		byUUID:   make(map[string][]types.StatsEntry),
		external: external,
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Push stamps stat with the current time and appends it, evicting entries
// older than the window (and, for the in-memory backend, capping at
// maxSize).
func (b *Buffer) Push(uuid string, stat types.Stats) error {
	entry := types.StatsEntry{Stats: stat, TimestampMS: nowMS()}
	if b.external != nil {
		return b.external.Push(uuid, entry, b.window)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entries := append(b.byUUID[uuid], entry)
	entries = pruneOld(entries, b.window)
	if len(entries) > b.maxSize {
		entries = entries[len(entries)-b.maxSize:]
	}
	b.byUUID[uuid] = entries
	return nil
}

// GetHistory returns all entries newer than now-window.
func (b *Buffer) GetHistory(uuid string) ([]types.StatsEntry, error) {
	if b.external != nil {
		return b.external.History(uuid, b.window)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := pruneOld(b.byUUID[uuid], b.window)
	b.byUUID[uuid] = entries
	out := make([]types.StatsEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// GetLatest returns the most recent entry, if any.
func (b *Buffer) GetLatest(uuid string) (types.StatsEntry, bool, error) {
	if b.external != nil {
		return b.external.Latest(uuid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := pruneOld(b.byUUID[uuid], b.window)
	b.byUUID[uuid] = entries
	if len(entries) == 0 {
		return types.StatsEntry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

// Clear removes all entries for uuid.
func (b *Buffer) Clear(uuid string) error {
	if b.external != nil {
		return b.external.Clear(uuid)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byUUID, uuid)
	return nil
}

func pruneOld(entries []types.StatsEntry, window time.Duration) []types.StatsEntry {
	cutoff := nowMS() - window.Milliseconds()
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].TimestampMS >= cutoff })
	if idx == 0 {
		return entries
	}
	return append([]types.StatsEntry(nil), entries[idx:]...)
}
