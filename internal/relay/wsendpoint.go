package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/driftchat/drift/internal/event"
	"github.com/driftchat/drift/internal/wire"
)

// WSEndpoint is a relay endpoint reached over a persistent WebSocket
// connection speaking the wire frame protocol.
type WSEndpoint struct {
	url          string
	dialTimeout  time.Duration
	writeTimeout time.Duration

	handler Handler
	state   int32 // atomic State

	mu   sync.Mutex
	conn net.Conn
	subs map[string]event.Filter

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSEndpoint creates an endpoint for a ws:// or wss:// relay URL. It
// does not dial; the pool drives Connect.
func NewWSEndpoint(url string) *WSEndpoint {
	return &WSEndpoint{
		url:          url,
		dialTimeout:  10 * time.Second,
		writeTimeout: 10 * time.Second,
		subs:         make(map[string]event.Filter),
		done:         make(chan struct{}),
	}
}

// URL returns the endpoint address.
func (e *WSEndpoint) URL() string { return e.url }

// State returns the tracked connection state.
func (e *WSEndpoint) State() State { return State(atomic.LoadInt32(&e.state)) }

// SetHandler wires the inbound event callback. Must be called before Connect.
func (e *WSEndpoint) SetHandler(h Handler) { e.handler = h }

// Connect performs a single dial attempt. On success it starts the read
// loop; a read failure later marks the endpoint disconnected so the pool's
// health check can re-dial it.
func (e *WSEndpoint) Connect(ctx context.Context) error {
	select {
	case <-e.done:
		return fmt.Errorf("relay: endpoint %s is closed", e.url)
	default:
	}

	atomic.StoreInt32(&e.state, int32(StateConnecting))

	dialer := ws.Dialer{Timeout: e.dialTimeout}
	conn, br, _, err := dialer.Dial(ctx, e.url)
	if err != nil {
		atomic.StoreInt32(&e.state, int32(StateDisconnected))
		return fmt.Errorf("relay: dial %s: %w", e.url, err)
	}

	var r io.Reader = conn
	if br != nil {
		// The dialer may have buffered server bytes past the handshake.
		r = io.MultiReader(br, conn)
	}

	e.mu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = conn
	e.mu.Unlock()
	atomic.StoreInt32(&e.state, int32(StateConnected))

	go e.readLoop(conn, r)
	return nil
}

// readLoop reads relay frames until the connection dies, pushing events up
// to the pool handler. Malformed frames are logged and skipped.
//
// Control replies (pong, close echo) go out on the same connection as
// Publish/Subscribe frames, so they must hold the same write lock: an
// automatic pong racing a publish would interleave frame bytes on the wire.
func (e *WSEndpoint) readLoop(conn net.Conn, r io.Reader) {
	control := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	lockedControl := func(h ws.Header, rd io.Reader) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return control(h, rd)
	}
	rd := wsutil.Reader{
		Source:         r,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: lockedControl,
	}

	fail := func(err error) {
		select {
		case <-e.done:
		default:
			log.Printf("[relay-ws] %s read: %v", e.url, err)
		}
		e.dropConn(conn)
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			fail(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if err := lockedControl(hdr, &rd); err != nil {
				fail(err)
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				fail(err)
				return
			}
			continue
		}

		data, err := io.ReadAll(&rd)
		if err != nil {
			fail(err)
			return
		}

		frameType, frame, err := wire.ParseRelayFrame(data)
		if err != nil {
			log.Printf("[relay-ws] %s dropping frame: %v", e.url, err)
			continue
		}

		switch frameType {
		case wire.TypeEvent:
			f := frame.(wire.EventFrame)
			if e.handler != nil && f.Event != nil {
				e.handler(f.Event)
			}
		case wire.TypeOK:
			f := frame.(wire.OKFrame)
			if !f.Accepted {
				log.Printf("[relay-ws] %s rejected event %s: %s", e.url, f.EventID, f.Reason)
			}
		case wire.TypeNotice:
			f := frame.(wire.NoticeFrame)
			log.Printf("[relay-ws] %s notice: %s", e.url, f.Message)
		case wire.TypeEOSE, wire.TypePong:
			// Backfill boundary / keepalive, nothing to do.
		}
	}
}

// dropConn marks the endpoint disconnected if conn is still current.
func (e *WSEndpoint) dropConn(conn net.Conn) {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
		atomic.StoreInt32(&e.state, int32(StateDisconnected))
	}
	e.mu.Unlock()
	conn.Close()
}

// Publish sends a publish frame. It writes on whatever connection is held
// regardless of tracked state, so stale state tracking cannot suppress a
// deliverable event.
func (e *WSEndpoint) Publish(ev *event.Event) error {
	return e.send(wire.TypePublish, wire.PublishFrame{Event: ev})
}

// Subscribe records the filter (for replay after reconnect) and forwards
// the subscription when a connection is live.
func (e *WSEndpoint) Subscribe(id string, f event.Filter) error {
	e.mu.Lock()
	e.subs[id] = f
	hasConn := e.conn != nil
	e.mu.Unlock()

	if !hasConn {
		return nil // sent on next connect via pool replay
	}
	return e.send(wire.TypeSubscribe, wire.SubscribeFrame{SubID: id, Filter: f})
}

// Unsubscribe removes the filter and notifies the relay when connected.
func (e *WSEndpoint) Unsubscribe(id string) error {
	e.mu.Lock()
	delete(e.subs, id)
	hasConn := e.conn != nil
	e.mu.Unlock()

	if !hasConn {
		return nil
	}
	return e.send(wire.TypeUnsubscribe, wire.UnsubscribeFrame{SubID: id})
}

// send marshals and writes a single client frame under the write lock.
func (e *WSEndpoint) send(frameType string, payload interface{}) error {
	data, err := wire.NewFrame(frameType, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return fmt.Errorf("relay: %s not connected", e.url)
	}

	if e.writeTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	err = wsutil.WriteClientText(e.conn, data)
	_ = e.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("relay: write to %s: %w", e.url, err)
	}
	return nil
}

// Close shuts the endpoint down permanently.
func (e *WSEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	atomic.StoreInt32(&e.state, int32(StateDisconnected))

	if conn != nil {
		return conn.Close()
	}
	return nil
}
