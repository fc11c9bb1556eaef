package relay

import (
	"sync"

	"github.com/driftchat/drift/internal/event"
)

// DefaultBacklogSize is the number of recent events retained for backfill.
const DefaultBacklogSize = 100

// Backlog stores the last N events seen by the pool in memory. New
// subscriptions are replayed the matching portion so a late subscriber is
// not blind to state established before it subscribed. It is goroutine-safe
// and uses a ring buffer internally.
type Backlog struct {
	mu    sync.RWMutex
	items []*event.Event
	pos   int
	count int
}

// NewBacklog creates an empty backlog holding up to size events. A size of
// zero or less falls back to DefaultBacklogSize.
func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = DefaultBacklogSize
	}
	return &Backlog{items: make([]*event.Event, size)}
}

// Add appends an event. If the backlog is full, the oldest event is
// overwritten.
func (b *Backlog) Add(ev *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.pos] = ev
	b.pos = (b.pos + 1) % len(b.items)
	if b.count < len(b.items) {
		b.count++
	}
}

// Matching returns retained events satisfying the filter, oldest first.
func (b *Backlog) Matching(f event.Filter) []*event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*event.Event, 0, b.count)
	start := (b.pos - b.count + len(b.items)) % len(b.items)
	for i := 0; i < b.count; i++ {
		ev := b.items[(start+i)%len(b.items)]
		if f.Matches(ev) {
			result = append(result, ev)
		}
	}
	return result
}

// Len returns the number of retained events.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
