package relay

import (
	"context"

	"github.com/driftchat/drift/internal/event"
)

// State describes an endpoint's connection state as tracked by the pool.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed // gave up after bounded reconnect attempts
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler receives every event an endpoint pushes up to the pool.
type Handler func(ev *event.Event)

// Endpoint is a single addressable relay transport. Endpoints are owned
// exclusively by the pool; no other component talks to a relay directly.
//
// Connect performs one connection attempt; the pool drives retries and
// backoff. Publish attempts transmission regardless of tracked state, so a
// stale "disconnected" view cannot suppress a deliverable event.
type Endpoint interface {
	URL() string
	Connect(ctx context.Context) error
	State() State
	Publish(ev *event.Event) error
	Subscribe(id string, f event.Filter) error
	Unsubscribe(id string) error
	SetHandler(h Handler)
	Close() error
}
