// Package localbus simulates the relay protocol on a same-machine store for
// testing without network relays. Published events land in a bounded
// recent-event ring plus a small set of key-prefixed bookkeeping records
// (looking participants, matched pairs, per-conversation message lists),
// and a polling endpoint replays new events through the same subscription
// delivery path real network push uses.
package localbus

import (
	"context"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/event"
)

// MaxEvents bounds the recent-event ring.
const MaxEvents = 100

// StoredEvent pairs an event with its monotonic append sequence.
type StoredEvent struct {
	Seq   int64        `json:"seq"`
	Event *event.Event `json:"event"`
}

// Store is the injected persistence interface for the fallback bus. Two
// implementations exist: an in-memory store for single-process use and a
// Redis store for cross-process same-machine testing. All records are
// clearable by a single Reset.
type Store interface {
	// AppendEvent records an event in the ring and returns its sequence.
	AppendEvent(ctx context.Context, ev *event.Event) (int64, error)
	// EventsSince returns retained events with sequence greater than seq,
	// oldest first, plus the highest sequence seen.
	EventsSince(ctx context.Context, seq int64) ([]StoredEvent, int64, error)

	// Looking-participant registry.
	AddLooking(ctx context.Context, pubkey string, expiry time.Time) error
	RemoveLooking(ctx context.Context, pubkey string) error
	ListLooking(ctx context.Context) ([]string, error)
	ExpireLooking(ctx context.Context, now time.Time) (int, error)

	// Matched-pair map, keyed by both pubkeys.
	SetMatched(ctx context.Context, a, b, chatSessionID string) error
	Matched(ctx context.Context, pubkey string) (partner, chatSessionID string, err error)

	// Per-conversation message lists.
	AppendMessage(ctx context.Context, chatSessionID string, ev *event.Event) error
	Messages(ctx context.Context, chatSessionID string) ([]*event.Event, error)

	// LastUpdate returns when the store last changed.
	LastUpdate(ctx context.Context) (time.Time, error)

	// Reset clears every record.
	Reset(ctx context.Context) error

	Close() error
}

// MemoryStore is the in-process Store used for single-participant testing
// and as the degraded local-only record when no relay is reachable.
type MemoryStore struct {
	mu         sync.Mutex
	seq        int64
	events     []StoredEvent // ring, bounded by MaxEvents
	looking    map[string]time.Time
	matched    map[string]matchedEntry
	messages   map[string][]*event.Event
	lastUpdate time.Time
}

type matchedEntry struct {
	partner       string
	chatSessionID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		looking:  make(map[string]time.Time),
		matched:  make(map[string]matchedEntry),
		messages: make(map[string][]*event.Event),
	}
}

func (s *MemoryStore) touch() { s.lastUpdate = time.Now() }

// AppendEvent records an event, trimming the ring to MaxEvents.
func (s *MemoryStore) AppendEvent(_ context.Context, ev *event.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.events = append(s.events, StoredEvent{Seq: s.seq, Event: ev})
	if len(s.events) > MaxEvents {
		s.events = s.events[len(s.events)-MaxEvents:]
	}
	s.touch()
	return s.seq, nil
}

// EventsSince returns retained events newer than seq.
func (s *MemoryStore) EventsSince(_ context.Context, seq int64) ([]StoredEvent, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StoredEvent
	for _, se := range s.events {
		if se.Seq > seq {
			out = append(out, se)
		}
	}
	return out, s.seq, nil
}

func (s *MemoryStore) AddLooking(_ context.Context, pubkey string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.looking[pubkey] = expiry
	s.touch()
	return nil
}

func (s *MemoryStore) RemoveLooking(_ context.Context, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.looking, pubkey)
	s.touch()
	return nil
}

func (s *MemoryStore) ListLooking(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.looking))
	for pk := range s.looking {
		out = append(out, pk)
	}
	return out, nil
}

// ExpireLooking drops looking entries whose announcements have gone stale.
func (s *MemoryStore) ExpireLooking(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for pk, expiry := range s.looking {
		if now.After(expiry) {
			delete(s.looking, pk)
			removed++
		}
	}
	if removed > 0 {
		s.touch()
	}
	return removed, nil
}

func (s *MemoryStore) SetMatched(_ context.Context, a, b, chatSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matched[a] = matchedEntry{partner: b, chatSessionID: chatSessionID}
	s.matched[b] = matchedEntry{partner: a, chatSessionID: chatSessionID}
	delete(s.looking, a)
	delete(s.looking, b)
	s.touch()
	return nil
}

func (s *MemoryStore) Matched(_ context.Context, pubkey string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.matched[pubkey]
	if !ok {
		return "", "", nil
	}
	return entry.partner, entry.chatSessionID, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, chatSessionID string, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[chatSessionID] = append(s.messages[chatSessionID], ev)
	s.touch()
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, chatSessionID string) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Event(nil), s.messages[chatSessionID]...), nil
}

func (s *MemoryStore) LastUpdate(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate, nil
}

// Reset clears every record in one operation.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
	s.events = nil
	s.looking = make(map[string]time.Time)
	s.matched = make(map[string]matchedEntry)
	s.messages = make(map[string][]*event.Event)
	s.touch()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
