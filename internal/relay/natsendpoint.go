package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftchat/drift/internal/event"
)

// NATS subject layout: one subject per event kind, so a single wildcard
// subscription covers the whole event stream.
const (
	natsSubjectPrefix   = "drift.events."
	natsSubjectWildcard = natsSubjectPrefix + ">"
)

// NATSEndpoint is a relay endpoint flavor backed by a NATS server. Events
// are published as JSON to drift.events.<kind>; filtering happens in the
// pool, so the endpoint forwards the full stream.
type NATSEndpoint struct {
	url     string
	name    string
	handler Handler
	state   int32 // atomic State

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

// NewNATSEndpoint creates an endpoint for a nats:// relay URL.
func NewNATSEndpoint(url string) *NATSEndpoint {
	return &NATSEndpoint{
		url:  url,
		name: "drift-peer",
		done: make(chan struct{}),
	}
}

// URL returns the endpoint address.
func (e *NATSEndpoint) URL() string { return e.url }

// State returns the tracked connection state. NATS reconnects are handled
// by the client library; the pool only sees connected/disconnected.
func (e *NATSEndpoint) State() State {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil && conn.IsConnected() {
		return StateConnected
	}
	return State(atomic.LoadInt32(&e.state))
}

// SetHandler wires the inbound event callback. Must be called before Connect.
func (e *NATSEndpoint) SetHandler(h Handler) { e.handler = h }

// Connect establishes the NATS connection and opens the wildcard event
// subscription.
func (e *NATSEndpoint) Connect(ctx context.Context) error {
	select {
	case <-e.done:
		return fmt.Errorf("relay: endpoint %s is closed", e.url)
	default:
	}

	atomic.StoreInt32(&e.state, int32(StateConnecting))

	conn, err := nats.Connect(e.url,
		nats.Name(e.name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[relay-nats] %s disconnected: %v", e.url, err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[relay-nats] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		atomic.StoreInt32(&e.state, int32(StateDisconnected))
		return fmt.Errorf("relay: nats connect %s: %w", e.url, err)
	}

	sub, err := conn.Subscribe(natsSubjectWildcard, func(msg *nats.Msg) {
		var ev event.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[relay-nats] %s dropping malformed event: %v", e.url, err)
			return
		}
		if e.handler != nil {
			e.handler(&ev)
		}
	})
	if err != nil {
		conn.Close()
		atomic.StoreInt32(&e.state, int32(StateDisconnected))
		return fmt.Errorf("relay: nats subscribe %s: %w", e.url, err)
	}

	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = conn
	e.sub = sub
	e.mu.Unlock()
	atomic.StoreInt32(&e.state, int32(StateConnected))
	return nil
}

// Publish sends the event to its per-kind subject.
func (e *NATSEndpoint) Publish(ev *event.Event) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay: %s not connected", e.url)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: marshal event: %w", err)
	}
	subject := natsSubjectPrefix + strconv.Itoa(ev.Kind)
	if err := conn.Publish(subject, data); err != nil {
		return fmt.Errorf("relay: nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe is a no-op at the transport level: the wildcard subscription
// already covers every kind and the pool applies filters.
func (e *NATSEndpoint) Subscribe(id string, f event.Filter) error { return nil }

// Unsubscribe is a no-op, mirroring Subscribe.
func (e *NATSEndpoint) Unsubscribe(id string) error { return nil }

// Close drains the subscription and closes the connection.
func (e *NATSEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})

	e.mu.Lock()
	conn, sub := e.conn, e.sub
	e.conn, e.sub = nil, nil
	e.mu.Unlock()
	atomic.StoreInt32(&e.state, int32(StateDisconnected))

	if sub != nil {
		if err := sub.Drain(); err != nil {
			log.Printf("[relay-nats] drain %s: %v", e.url, err)
		}
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}
