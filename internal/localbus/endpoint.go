package localbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftchat/drift/internal/event"
	"github.com/driftchat/drift/internal/relay"
)

// DefaultPollInterval is how often the endpoint polls the store for new
// events when no interval is configured.
const DefaultPollInterval = 300 * time.Millisecond

// Endpoint adapts a Store into a relay.Endpoint. A scheduled poll replays
// newly appended events through the same handler path a network relay's
// push delivery uses, so the layers above stay transport-agnostic.
type Endpoint struct {
	store        Store
	pollInterval time.Duration
	handler      relay.Handler
	state        int32 // atomic relay.State

	mu      sync.Mutex
	lastSeq int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewEndpoint wraps a store. pollInterval <= 0 selects the default.
func NewEndpoint(store Store, pollInterval time.Duration) *Endpoint {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Endpoint{
		store:        store,
		pollInterval: pollInterval,
		done:         make(chan struct{}),
	}
}

// URL identifies the endpoint in pool logs.
func (e *Endpoint) URL() string { return "local://store" }

// State returns the tracked connection state.
func (e *Endpoint) State() relay.State { return relay.State(atomic.LoadInt32(&e.state)) }

// SetHandler wires the inbound event callback. Must be called before Connect.
func (e *Endpoint) SetHandler(h relay.Handler) { e.handler = h }

// Connect verifies the store is reachable and starts the poll loop. Events
// already in the store are replayed from the beginning, which gives late
// joiners the same backfill a network relay would serve.
func (e *Endpoint) Connect(ctx context.Context) error {
	select {
	case <-e.done:
		return fmt.Errorf("localbus: endpoint is closed")
	default:
	}

	if _, err := e.store.LastUpdate(ctx); err != nil {
		atomic.StoreInt32(&e.state, int32(relay.StateDisconnected))
		return fmt.Errorf("localbus: store unreachable: %w", err)
	}

	if atomic.CompareAndSwapInt32(&e.state, int32(relay.StateDisconnected), int32(relay.StateConnected)) {
		go e.pollLoop()
	}
	return nil
}

// pollLoop drains new events from the store on a fixed schedule.
func (e *Endpoint) pollLoop() {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

func (e *Endpoint) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), e.pollInterval)
	defer cancel()

	e.mu.Lock()
	since := e.lastSeq
	e.mu.Unlock()

	events, high, err := e.store.EventsSince(ctx, since)
	if err != nil {
		log.Printf("[localbus] poll: %v", err)
		return
	}

	e.mu.Lock()
	if high > e.lastSeq {
		e.lastSeq = high
	}
	e.mu.Unlock()

	for _, se := range events {
		if e.handler != nil && se.Event != nil {
			e.handler(se.Event)
		}
	}
}

// Publish appends the event to the store and updates the bookkeeping
// records the fallback mode exposes (looking set, matched map, message
// lists). Delivery to subscribers happens on the next poll, on every
// process sharing the store.
func (e *Endpoint) Publish(ev *event.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("localbus: append: %w", err)
	}
	e.record(ctx, ev)
	return nil
}

// record keeps the key-prefixed bookkeeping in sync with published events.
// Failures are logged, not propagated: the ring append above is the source
// of truth for delivery.
func (e *Endpoint) record(ctx context.Context, ev *event.Event) {
	switch ev.Kind {
	case event.KindAnnouncement:
		ann, err := event.ParseAnnouncement(ev)
		if err != nil {
			return
		}
		switch ann.Status {
		case event.StatusLooking:
			if err := e.store.AddLooking(ctx, ann.PubKey, ann.Expiry); err != nil {
				log.Printf("[localbus] record looking: %v", err)
			}
		case event.StatusMatched:
			if err := e.store.SetMatched(ctx, ann.PubKey, ann.TargetPubKey, ann.ChatSessionID); err != nil {
				log.Printf("[localbus] record match: %v", err)
			}
		}
	case event.KindChatMessage:
		msg, err := event.ParseChatMessage(ev)
		if err != nil {
			return
		}
		if err := e.store.AppendMessage(ctx, msg.ChatSessionID, ev); err != nil {
			log.Printf("[localbus] record message: %v", err)
		}
	}
}

// Subscribe is a no-op: the poll loop forwards the full stream and the pool
// applies filters.
func (e *Endpoint) Subscribe(id string, f event.Filter) error { return nil }

// Unsubscribe is a no-op, mirroring Subscribe.
func (e *Endpoint) Unsubscribe(id string) error { return nil }

// Close stops the poll loop. The store is owned by the caller.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	atomic.StoreInt32(&e.state, int32(relay.StateDisconnected))
	return nil
}
