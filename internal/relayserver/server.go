// Package relayserver implements a drift relay daemon: a WebSocket server
// built on gobwas/ws and Linux epoll that accepts signed events, fans them
// out to matching subscriptions across all connections, and backfills new
// subscriptions from a bounded retained window.
package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/event"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/wire"
)

// Archiver persists events beyond the in-memory retained window. Implemented
// by the retention store; nil disables archival.
type Archiver interface {
	Save(ctx context.Context, ev *event.Event) error
	Query(ctx context.Context, f event.Filter, limit int) ([]*event.Event, error)
}

// Config holds tunable parameters for the relay daemon.
type Config struct {
	ListenAddr     string
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	BacklogSize    int           // retained events for subscription backfill
	BackfillLimit  int           // max archived events served per subscribe
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":7447",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		BacklogSize:    relay.DefaultBacklogSize,
		BackfillLimit:  200,
	}
}

// Server is the relay daemon. Connections are registered with an epoll
// instance for I/O readiness and ready connections are dispatched to a
// bounded worker pool for frame reading.
type Server struct {
	config     Config
	epoll      *Epoll
	conns      *ConnectionManager
	backlog    *relay.Backlog
	archive    Archiver
	limiter    *Limiter
	workerPool chan struct{}
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. archive and limiter may be nil.
func NewServer(config Config, archive Archiver, limiter *Limiter) *Server {
	if config.BacklogSize <= 0 {
		config.BacklogSize = relay.DefaultBacklogSize
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		backlog:    relay.NewBacklog(config.BacklogSize),
		archive:    archive,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("relayserver: create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("[relayserver] listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relayserver: http server: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader and registers it with epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	allowed := s.limiter.Allow(ctx, clientIP(r), RuleConnect)
	cancel()
	if !allowed {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[relayserver] upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	c := &Connection{
		ID:        uuid.New().String(),
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("[relayserver] epoll add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	metrics.RelaydConnections.Set(float64(s.conns.Count()))
	log.Printf("[relayserver] new connection conn=%s fd=%d (total=%d)", c.ID, fd, s.conns.Count())
}

// handleHealth reports connection count and uptime for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, dispatching each ready
// connection to a worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("[relayserver] epoll wait: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a
// data frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch); the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastSeen = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.handleMessage(c, data)
}

// handleMessage dispatches one parsed client frame.
func (s *Server) handleMessage(c *Connection, data []byte) {
	frameType, frame, err := wire.ParseClientFrame(data)
	if err != nil {
		log.Printf("[relayserver] bad frame conn=%s: %v", c.ID, err)
		s.sendNotice(c, "malformed frame")
		return
	}

	switch frameType {
	case wire.TypePublish:
		s.handlePublish(c, frame.(wire.PublishFrame))
	case wire.TypeSubscribe:
		s.handleSubscribe(c, frame.(wire.SubscribeFrame))
	case wire.TypeUnsubscribe:
		c.RemoveSub(frame.(wire.UnsubscribeFrame).SubID)
	case wire.TypePing:
		s.send(c, wire.TypePong, wire.PongFrame{})
	}
}

// handlePublish verifies, rate-limits, retains, and fans out one event,
// then acknowledges it. Relays store and forward; they never inspect
// content beyond signature and shape checks.
func (s *Server) handlePublish(c *Connection, f wire.PublishFrame) {
	ev := f.Event
	if ev == nil {
		s.sendNotice(c, "publish frame missing event")
		return
	}

	if err := ev.Verify(); err != nil {
		metrics.RelaydEventsTotal.WithLabelValues("rejected").Inc()
		s.sendOK(c, ev.ID, false, "invalid signature")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	allowed := s.limiter.Allow(ctx, ev.PubKey, RulePublish)
	cancel()
	if !allowed {
		metrics.RelaydEventsTotal.WithLabelValues("limited").Inc()
		s.sendOK(c, ev.ID, false, "rate limited")
		return
	}

	s.backlog.Add(ev)
	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.archive.Save(ctx, ev); err != nil {
			log.Printf("[relayserver] archive save %s: %v", ev.ID[:8], err)
		}
		cancel()
	}

	s.broadcast(ev)
	metrics.RelaydEventsTotal.WithLabelValues("accepted").Inc()
	s.sendOK(c, ev.ID, true, "")
}

// broadcast delivers an event to every subscription on every connection
// whose filter matches. Individual write failures are ignored; failed
// connections are cleaned up by the read path or the heartbeat.
func (s *Server) broadcast(ev *event.Event) {
	for _, c := range s.conns.All() {
		for _, subID := range c.MatchingSubs(ev) {
			s.send(c, wire.TypeEvent, wire.EventFrame{SubID: subID, Event: ev})
		}
	}
}

// handleSubscribe registers the filter, serves matching retained events,
// and marks the end of backfill with an EOSE frame. Live matches stream
// afterwards via broadcast.
func (s *Server) handleSubscribe(c *Connection, f wire.SubscribeFrame) {
	if f.SubID == "" {
		s.sendNotice(c, "subscribe frame missing sub_id")
		return
	}
	c.AddSub(f.SubID, f.Filter)

	served := make(map[string]struct{})
	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stored, err := s.archive.Query(ctx, f.Filter, s.config.BackfillLimit)
		cancel()
		if err != nil {
			log.Printf("[relayserver] archive query conn=%s: %v", c.ID, err)
		}
		for _, ev := range stored {
			served[ev.ID] = struct{}{}
			s.send(c, wire.TypeEvent, wire.EventFrame{SubID: f.SubID, Event: ev})
		}
	}
	for _, ev := range s.backlog.Matching(f.Filter) {
		if _, ok := served[ev.ID]; ok {
			continue
		}
		s.send(c, wire.TypeEvent, wire.EventFrame{SubID: f.SubID, Event: ev})
	}

	s.send(c, wire.TypeEOSE, wire.EOSEFrame{SubID: f.SubID})
}

func (s *Server) send(c *Connection, frameType string, payload interface{}) {
	data, err := wire.NewFrame(frameType, payload)
	if err != nil {
		log.Printf("[relayserver] build %s frame: %v", frameType, err)
		return
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err = c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})

	if err != nil {
		log.Printf("[relayserver] write %s conn=%s: %v", frameType, c.ID, err)
	}
}

func (s *Server) sendOK(c *Connection, eventID string, accepted bool, reason string) {
	s.send(c, wire.TypeOK, wire.OKFrame{EventID: eventID, Accepted: accepted, Reason: reason})
}

func (s *Server) sendNotice(c *Connection, msg string) {
	s.send(c, wire.TypeNotice, wire.NoticeFrame{Message: msg})
}

// RemoveConnection removes a connection from both epoll and the manager and
// closes the underlying network connection. Exported so the heartbeat can
// evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager, so
	// racing cleanup paths (read error + heartbeat timeout) do not double
	// up.
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.RelaydConnections.Set(float64(s.conns.Count()))
	log.Printf("[relayserver] connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections exposes the manager for the heartbeat monitor.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections, and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("[relayserver] shutting down...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[relayserver] http shutdown: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("[relayserver] stopped, all connections closed")
	return nil
}

// clientIP extracts the remote IP, honoring a proxy-set X-Forwarded-For.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isEINTR checks for the interrupted-syscall error, expected during signal
// handling.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
