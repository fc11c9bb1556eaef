// Package relay maintains duplex connections to a set of relay endpoints
// and provides reliable-enough publish/subscribe semantics over an
// unreliable transport: publish-with-retry, filtered subscriptions with
// backfill, inbound deduplication, and periodic health checks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/event"
	"github.com/driftchat/drift/internal/metrics"
)

// ErrDegraded is returned by Publish when no endpoint confirmed
// transmission after all retries. The event is still recorded locally and
// delivered to same-process subscribers, so callers treat this as degraded
// connectivity rather than a hard failure.
var ErrDegraded = errors.New("relay: no endpoint reachable, event recorded locally only")

// Config holds tunable parameters for the pool.
type Config struct {
	ConnectAttempts int           // dial attempts per endpoint per round
	ConnectBackoff  time.Duration // base dial backoff, doubled per attempt
	PublishAttempts int           // overall publish retries when nothing is connected
	PublishBackoff  time.Duration // base publish backoff, doubled per attempt
	HealthInterval  time.Duration // how often to verify connectivity
	HealthQuorum    float64       // fraction of endpoints that must be connected
	BacklogSize     int           // events retained for subscription backfill
	SeenSize        int           // dedup window (event ids)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts: 5,
		ConnectBackoff:  500 * time.Millisecond,
		PublishAttempts: 3,
		PublishBackoff:  time.Second,
		HealthInterval:  30 * time.Second,
		HealthQuorum:    0.6,
		BacklogSize:     DefaultBacklogSize,
		SeenSize:        512,
	}
}

// Pool owns the configured relay endpoints and all subscription state for
// one participant. Endpoint-set and backlog mutations are applied atomically
// with respect to concurrent publish/subscribe calls.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	endpoints []Endpoint
	subs      map[string]*Subscription
	seen      map[string]struct{}
	seenOrder []string
	seenPos   int

	backlog *Backlog

	healthOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
}

// NewPool creates a pool with no endpoints attached.
func NewPool(cfg Config) *Pool {
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = DefaultBacklogSize
	}
	if cfg.SeenSize <= 0 {
		cfg.SeenSize = 512
	}
	return &Pool{
		cfg:       cfg,
		subs:      make(map[string]*Subscription),
		seen:      make(map[string]struct{}, cfg.SeenSize),
		seenOrder: make([]string, cfg.SeenSize),
		backlog:   NewBacklog(cfg.BacklogSize),
		done:      make(chan struct{}),
	}
}

// AddEndpoint attaches an endpoint to the pool and wires its inbound
// handler. Call before Connect.
func (p *Pool) AddEndpoint(ep Endpoint) {
	ep.SetHandler(p.handleInbound)
	p.mu.Lock()
	p.endpoints = append(p.endpoints, ep)
	p.mu.Unlock()
}

// Connect opens a connection attempt to every endpoint concurrently. Each
// failure is retried with exponential backoff up to the configured attempt
// cap. Connect returns immediately; connected-set membership updates
// asynchronously. It also starts the periodic health check.
func (p *Pool) Connect(ctx context.Context) {
	for _, ep := range p.snapshot() {
		go p.dial(ctx, ep)
	}
	p.healthOnce.Do(func() {
		go p.healthLoop(ctx)
	})
}

// dial attempts to connect one endpoint with bounded exponential backoff.
// On success, active subscriptions are replayed so the endpoint starts
// streaming matches immediately.
func (p *Pool) dial(ctx context.Context, ep Endpoint) {
	backoff := p.cfg.ConnectBackoff
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		err := ep.Connect(ctx)
		if err == nil {
			log.Printf("[pool] connected to %s (attempt %d)", ep.URL(), attempt)
			p.replaySubscriptions(ep)
			p.updateConnectedGauge()
			return
		}

		log.Printf("[pool] connect %s failed (attempt %d/%d): %v",
			ep.URL(), attempt, p.cfg.ConnectAttempts, err)

		if attempt == p.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	log.Printf("[pool] giving up on %s after %d attempts", ep.URL(), p.cfg.ConnectAttempts)
	p.updateConnectedGauge()
}

// replaySubscriptions forwards every active subscription filter to a newly
// connected endpoint.
func (p *Pool) replaySubscriptions(ep Endpoint) {
	p.mu.Lock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		if err := ep.Subscribe(sub.id, sub.filter); err != nil {
			log.Printf("[pool] replay subscription %s to %s: %v", sub.id, ep.URL(), err)
		}
	}
}

// Publish records the event locally (backlog plus same-process delivery)
// and then attempts transmission to every configured endpoint regardless of
// tracked connection state. When zero endpoints confirm, the overall
// publish is retried with exponential backoff up to the configured bound.
// ErrDegraded is returned only after exhausting retries with no confirmed
// transmission; the local record survives either way.
func (p *Pool) Publish(ctx context.Context, ev *event.Event) error {
	if ev.ID == "" || ev.Sig == "" {
		return fmt.Errorf("relay: refusing to publish unsigned event")
	}

	// Durable local record before any network transmission.
	if p.markSeen(ev.ID) {
		p.backlog.Add(ev)
		p.dispatch(ev)
	}

	endpoints := p.snapshot()
	if len(endpoints) == 0 {
		metrics.PublishesTotal.WithLabelValues("degraded").Inc()
		return ErrDegraded
	}

	backoff := p.cfg.PublishBackoff
	for attempt := 1; attempt <= p.cfg.PublishAttempts; attempt++ {
		sent := 0
		for _, ep := range endpoints {
			if err := ep.Publish(ev); err != nil {
				log.Printf("[pool] publish %s to %s: %v", ev.ID[:8], ep.URL(), err)
				continue
			}
			sent++
		}
		if sent > 0 {
			metrics.PublishesTotal.WithLabelValues("ok").Inc()
			return nil
		}

		if attempt == p.cfg.PublishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			metrics.PublishesTotal.WithLabelValues("degraded").Inc()
			return fmt.Errorf("relay: publish canceled: %w", ctx.Err())
		case <-p.done:
			metrics.PublishesTotal.WithLabelValues("degraded").Inc()
			return ErrDegraded
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	metrics.PublishesTotal.WithLabelValues("degraded").Inc()
	return ErrDegraded
}

// Subscribe registers a filtered subscription. It is immediately backfilled
// with retained matching events, then receives live matches. The returned
// handle buffers deliveries until the first On callback is attached.
func (p *Pool) Subscribe(f event.Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		filter: f,
		pool:   p,
	}

	p.mu.Lock()
	p.subs[sub.id] = sub
	p.mu.Unlock()
	metrics.SubscriptionsActive.Inc()

	// Backfill: replay retained matches so a late subscriber is not blind
	// to state established before it subscribed.
	for _, ev := range p.backlog.Matching(f) {
		sub.deliver(ev)
	}

	for _, ep := range p.snapshot() {
		if err := ep.Subscribe(sub.id, f); err != nil {
			log.Printf("[pool] subscribe %s to %s: %v", sub.id, ep.URL(), err)
		}
	}
	return sub
}

// unsubscribe tears down a subscription across all endpoints.
func (p *Pool) unsubscribe(id string) {
	p.mu.Lock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	metrics.SubscriptionsActive.Dec()

	for _, ep := range p.snapshot() {
		if err := ep.Unsubscribe(id); err != nil {
			log.Printf("[pool] unsubscribe %s from %s: %v", id, ep.URL(), err)
		}
	}
}

// handleInbound is the handler every endpoint pushes received events into.
// Malformed or forged events are dropped and logged, never propagated.
func (p *Pool) handleInbound(ev *event.Event) {
	if ev == nil {
		return
	}
	if err := ev.Verify(); err != nil {
		log.Printf("[pool] dropping invalid event: %v", err)
		metrics.EventsDroppedTotal.WithLabelValues("invalid").Inc()
		return
	}
	if !p.markSeen(ev.ID) {
		metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	p.backlog.Add(ev)
	metrics.EventsReceivedTotal.Inc()
	p.dispatch(ev)
}

// dispatch delivers an event to every matching subscription. The pool lock
// is not held during callback invocation.
func (p *Pool) dispatch(ev *event.Event) {
	p.mu.Lock()
	matched := make([]*Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		if sub.filter.Matches(ev) {
			matched = append(matched, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range matched {
		sub.deliver(ev)
	}
}

// markSeen records an event id in the bounded dedup window. It returns
// false if the id was already present.
func (p *Pool) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[id]; ok {
		return false
	}
	// Evict the oldest id once the window is full.
	if old := p.seenOrder[p.seenPos]; old != "" {
		delete(p.seen, old)
	}
	p.seen[id] = struct{}{}
	p.seenOrder[p.seenPos] = id
	p.seenPos = (p.seenPos + 1) % len(p.seenOrder)
	return true
}

// ConnectedCount returns how many endpoints are currently connected.
func (p *Pool) ConnectedCount() int {
	count := 0
	for _, ep := range p.snapshot() {
		if ep.State() == StateConnected {
			count++
		}
	}
	return count
}

// EndpointCount returns the number of configured endpoints.
func (p *Pool) EndpointCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Backlog exposes the retained-event buffer (read-only use).
func (p *Pool) Backlog() *Backlog {
	return p.backlog
}

// healthLoop periodically verifies that a quorum of endpoints is connected
// and proactively re-dials the unconnected subset when it is not.
func (p *Pool) healthLoop(ctx context.Context) {
	if p.cfg.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

func (p *Pool) checkHealth(ctx context.Context) {
	endpoints := p.snapshot()
	if len(endpoints) == 0 {
		return
	}

	connected := 0
	var stale []Endpoint
	for _, ep := range endpoints {
		if ep.State() == StateConnected {
			connected++
		} else {
			stale = append(stale, ep)
		}
	}
	p.updateConnectedGauge()

	if float64(connected) >= p.cfg.HealthQuorum*float64(len(endpoints)) {
		return
	}

	log.Printf("[pool] health check: %d/%d connected, re-dialing %d endpoints",
		connected, len(endpoints), len(stale))
	for _, ep := range stale {
		go p.dial(ctx, ep)
	}
}

func (p *Pool) updateConnectedGauge() {
	metrics.RelaysConnected.Set(float64(p.ConnectedCount()))
}

func (p *Pool) snapshot() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Endpoint(nil), p.endpoints...)
}

// Close tears down all endpoints and stops background loops.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	for _, ep := range p.snapshot() {
		if err := ep.Close(); err != nil {
			log.Printf("[pool] close %s: %v", ep.URL(), err)
		}
	}
}

// Subscription is a handle to a filtered event stream. Deliveries that
// arrive before On is called (including backfill) are buffered and flushed
// to the first callback.
type Subscription struct {
	id     string
	filter event.Filter
	pool   *Pool

	mu      sync.Mutex
	cbs     []func(*event.Event)
	pending []*event.Event
	closed  bool
}

// ID returns the subscription identifier used on the wire.
func (s *Subscription) ID() string { return s.id }

// On registers a callback for matching events and flushes any buffered
// deliveries to it.
func (s *Subscription) On(cb func(*event.Event)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cbs = append(s.cbs, cb)
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ev := range pending {
		s.invoke(cb, ev)
	}
}

// Unsubscribe tears the subscription down. No callbacks fire afterwards.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cbs = nil
	s.pending = nil
	s.mu.Unlock()

	s.pool.unsubscribe(s.id)
}

func (s *Subscription) deliver(ev *event.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.cbs) == 0 {
		// Bound the pre-On buffer to the backlog size.
		if len(s.pending) < s.pool.cfg.BacklogSize {
			s.pending = append(s.pending, ev)
		}
		s.mu.Unlock()
		return
	}
	cbs := append(([]func(*event.Event))(nil), s.cbs...)
	s.mu.Unlock()

	for _, cb := range cbs {
		s.invoke(cb, ev)
	}
}

// invoke shields the delivery path from a panicking callback so one bad
// subscriber cannot halt the pool.
func (s *Subscription) invoke(cb func(*event.Event), ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pool] subscription %s callback panic: %v", s.id, r)
		}
	}()
	cb(ev)
}
