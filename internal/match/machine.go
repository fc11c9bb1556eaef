// Package match implements the decentralized matchmaking state machine: it
// takes an anonymous participant from disconnected through looking,
// proposing/accepting a pairing, to a confirmed two-party session, with
// timeout-based rollback. There is no central coordinator; convergence
// relies on broadcast announcements, deduplication, and idempotent
// transitions.
package match

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/chat"
	"github.com/driftchat/drift/internal/event"
	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/relay"
)

// State is the participant's position in the matchmaking lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateLooking
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateLooking:
		return "looking"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds the matchmaking timing parameters.
type Config struct {
	AnnounceInterval time.Duration // periodic re-announcement cadence
	AnnouncementTTL  time.Duration // expiry window stamped on announcements
	ConfirmTimeout   time.Duration // how long a proposal waits for confirmation
	ProposalCooldown time.Duration // per-candidate re-proposal suppression
	SkipDelay        time.Duration // pause before re-looking after a skip
	StaleWindow      time.Duration // candidate inactivity before stale purge
	LookingSanityMax int           // concurrent lookers that trigger the purge
	Encrypt          bool          // seal chat content end to end
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: 3500 * time.Millisecond,
		AnnouncementTTL:  2 * time.Minute,
		ConfirmTimeout:   10 * time.Second,
		ProposalCooldown: 5 * time.Second,
		SkipDelay:        time.Second,
		StaleWindow:      30 * time.Second,
		LookingSanityMax: 5,
		Encrypt:          true,
	}
}

// candidate is the local bookkeeping for a peer seen on the announcement
// stream.
type candidate struct {
	lastSeen  time.Time
	paired    bool // last seen proposing/confirming a pairing with someone else
	browserID string
}

// Machine drives one participant's matchmaking. All state is mutated under
// a single mutex so timer callbacks and subscription deliveries cannot
// race, and every transition is idempotent with respect to redundant or
// reordered events.
type Machine struct {
	cfg  Config
	pool *relay.Pool

	mu            sync.Mutex
	id            *identity.Identity
	browserID     string // survives resets; identities do not
	state         State
	partner       string
	chatSessionID string
	pendingPeer   string // proposal target while connecting
	session       *chat.Session
	sub           *relay.Subscription
	confirmTimer  *time.Timer
	skipTimer     *time.Timer
	done          chan struct{}
	candidates    map[string]*candidate
	cooldown      map[string]time.Time
	lookingSince  time.Time
	pairings      int // completed pairings since StartLooking

	onState     func(State)
	onConnected func(*chat.Session)
	onMessage   func(chat.Message)
}

// New creates an idle machine on top of the given pool.
func New(pool *relay.Pool, cfg Config) *Machine {
	return &Machine{
		cfg:        cfg,
		pool:       pool,
		state:      StateDisconnected,
		candidates: make(map[string]*candidate),
		cooldown:   make(map[string]time.Time),
	}
}

// OnStateChange registers a callback fired after every state transition.
func (m *Machine) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnConnected registers a callback fired once a pairing is confirmed and
// its chat session is open.
func (m *Machine) OnConnected(fn func(*chat.Session)) {
	m.mu.Lock()
	m.onConnected = fn
	m.mu.Unlock()
}

// OnMessage registers the inbound message callback passed to chat sessions.
func (m *Machine) OnMessage(fn func(chat.Message)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// StartLooking transitions disconnected -> looking: it generates a fresh
// identity, subscribes to the announcement stream, publishes a looking
// announcement, and schedules periodic re-announcement to counteract lossy
// delivery.
func (m *Machine) StartLooking(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return fmt.Errorf("match: already active (state %s)", m.state)
	}

	id, err := identity.New(m.browserID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.id = id
	m.browserID = id.BrowserID
	m.state = StateLooking
	m.lookingSince = time.Now()
	m.pairings = 0
	m.candidates = make(map[string]*candidate)
	m.cooldown = make(map[string]time.Time)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	sub := m.pool.Subscribe(event.Filter{Kinds: []int{event.KindAnnouncement}})
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	sub.On(m.handleAnnouncement)

	m.setStateMetric(StateLooking)
	m.notify(StateLooking)
	log.Printf("[match] looking as %s (session %s)", shortKey(id.PubKey), id.SessionID)

	m.publish(ctx, m.buildAnnouncement())
	go m.announceLoop(done)
	return nil
}

// announceLoop re-publishes the current announcement every tick and runs
// the stale-candidate defense. It exits when the activation's done channel
// closes.
func (m *Machine) announceLoop(done chan struct{}) {
	ticker := time.NewTicker(m.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.purgeStale()
			if ann := m.buildAnnouncement(); ann != nil {
				ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AnnounceInterval*4)
				m.publish(ctx, ann)
				cancel()
			}
		}
	}
}

// buildAnnouncement renders the announcement for the current state, or nil
// when the state has nothing to broadcast (connected participants stop
// announcing; their matched event already superseded the looking one).
func (m *Machine) buildAnnouncement() *event.Announcement {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id == nil {
		return nil
	}
	now := time.Now()
	base := event.Announcement{
		Status:    event.StatusLooking,
		SessionID: m.id.SessionID,
		BrowserID: m.id.BrowserID,
		Expiry:    now.Add(m.cfg.AnnouncementTTL),
		CreatedAt: now,
	}

	switch m.state {
	case StateLooking:
		return &base
	case StateConnecting:
		base.Status = event.StatusMatched
		base.TargetPubKey = m.pendingPeer
		base.ChatSessionID = m.chatSessionID
		return &base
	default:
		return nil
	}
}

// publish signs and publishes an announcement. Degraded connectivity is
// logged, never propagated: the local record still reaches same-process
// subscribers.
func (m *Machine) publish(ctx context.Context, ann *event.Announcement) {
	if ann == nil {
		return
	}
	m.mu.Lock()
	id := m.id
	m.mu.Unlock()
	if id == nil {
		return
	}

	ev := ann.Encode()
	if err := ev.Sign(id.PrivateKey()); err != nil {
		log.Printf("[match] sign announcement: %v", err)
		return
	}
	if err := m.pool.Publish(ctx, ev); err != nil {
		log.Printf("[match] announce (%s) degraded: %v", ann.Status, err)
	}
}

// handleAnnouncement processes one event from the announcement stream. The
// decision is computed under the lock; publishes and session construction
// happen outside it.
func (m *Machine) handleAnnouncement(ev *event.Event) {
	ann, err := event.ParseAnnouncement(ev)
	if err != nil {
		log.Printf("[match] dropping malformed announcement: %v", err)
		metrics.EventsDroppedTotal.WithLabelValues("invalid").Inc()
		return
	}

	now := time.Now()
	if ann.Expired(now) {
		metrics.EventsDroppedTotal.WithLabelValues("expired").Inc()
		return
	}

	m.mu.Lock()
	if m.id == nil || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	// Hard self-match exclusion: identical public key, nothing else.
	if ann.PubKey == m.id.PubKey {
		m.mu.Unlock()
		return
	}

	m.observeLocked(ann, now)

	var (
		out          *event.Announcement
		newState     State = -1
		becameConn   bool
		rebindTo     string
	)
	switch ann.Status {
	case event.StatusLooking:
		out, newState = m.maybeProposeLocked(ann, now)
	case event.StatusMatched:
		out, newState, becameConn, rebindTo = m.handleMatchedLocked(ann, now)
	}
	m.mu.Unlock()

	if newState >= 0 {
		m.setStateMetric(newState)
		m.notify(newState)
	}
	if out != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		m.publish(ctx, out)
		cancel()
	}
	if becameConn {
		m.openSession()
	}
	if rebindTo != "" {
		m.mu.Lock()
		sess := m.session
		m.mu.Unlock()
		if sess != nil {
			sess.Rebind(rebindTo)
		}
	}
}

// observeLocked updates the candidate bookkeeping for the announcing peer.
func (m *Machine) observeLocked(ann *event.Announcement, now time.Time) {
	c, ok := m.candidates[ann.PubKey]
	if !ok {
		c = &candidate{}
		m.candidates[ann.PubKey] = c
	}
	c.lastSeen = now
	c.browserID = ann.BrowserID
	// A peer announcing matched with a third party is off the market until
	// it announces looking again.
	c.paired = ann.Status == event.StatusMatched && ann.TargetPubKey != m.id.PubKey
}

// maybeProposeLocked decides whether a peer's looking announcement turns
// into our pairing proposal (looking -> connecting).
func (m *Machine) maybeProposeLocked(ann *event.Announcement, now time.Time) (*event.Announcement, State) {
	if m.state != StateLooking {
		return nil, -1
	}
	if c := m.candidates[ann.PubKey]; c != nil && c.paired {
		return nil, -1
	}
	if until, ok := m.cooldown[ann.PubKey]; ok && now.Before(until) {
		return nil, -1
	}
	// Advisory same-browser avoidance: deprioritize, never hard-exclude.
	// A genuinely distinct key on the same machine still matches when it
	// is the only candidate around.
	if ann.BrowserID != "" && ann.BrowserID == m.id.BrowserID && m.hasOtherFreshCandidateLocked(ann.PubKey, now) {
		return nil, -1
	}

	chatID := uuid.New().String()
	m.state = StateConnecting
	m.pendingPeer = ann.PubKey
	m.chatSessionID = chatID
	m.cooldown[ann.PubKey] = now.Add(m.cfg.ProposalCooldown)
	m.armConfirmTimerLocked()

	log.Printf("[match] proposing to %s (chat %s)", shortKey(ann.PubKey), chatID)

	announce := &event.Announcement{
		Status:        event.StatusMatched,
		SessionID:     m.id.SessionID,
		BrowserID:     m.id.BrowserID,
		Expiry:        now.Add(m.cfg.AnnouncementTTL),
		TargetPubKey:  ann.PubKey,
		ChatSessionID: chatID,
		CreatedAt:     now,
	}
	return announce, StateConnecting
}

// hasOtherFreshCandidateLocked reports whether any candidate other than
// skip is recent, unpaired, and off cooldown.
func (m *Machine) hasOtherFreshCandidateLocked(skip string, now time.Time) bool {
	for pk, c := range m.candidates {
		if pk == skip || c.paired {
			continue
		}
		if now.Sub(c.lastSeen) > m.cfg.StaleWindow {
			continue
		}
		if until, ok := m.cooldown[pk]; ok && now.Before(until) {
			continue
		}
		return true
	}
	return false
}

// handleMatchedLocked applies a peer's matched announcement. The first
// matched event naming us is authoritative, even over our own pending
// proposal; crossed proposals that briefly leave the two sides on
// different chat session ids reconcile to the lexicographically smaller
// one, which both sides compute identically.
func (m *Machine) handleMatchedLocked(ann *event.Announcement, now time.Time) (*event.Announcement, State, bool, string) {
	if ann.TargetPubKey != m.id.PubKey {
		// Our proposal target pairing up with someone else frees us to
		// resume looking without waiting for the confirmation timeout.
		if m.state == StateConnecting && ann.PubKey == m.pendingPeer {
			m.clearPendingLocked()
			m.state = StateLooking
			log.Printf("[match] %s paired elsewhere, resuming looking", shortKey(ann.PubKey))
			return m.lookingAnnouncementLocked(now), StateLooking, false, ""
		}
		return nil, -1, false, ""
	}

	switch m.state {
	case StateConnected:
		if ann.PubKey != m.partner {
			// At most one active pairing: a second suitor is ignored.
			log.Printf("[match] ignoring proposal from %s while paired", shortKey(ann.PubKey))
			return nil, -1, false, ""
		}
		if ann.ChatSessionID == m.chatSessionID {
			return nil, -1, false, "" // duplicate confirmation, no-op
		}
		// Crossed proposals: converge on the smaller id.
		winner := minString(m.chatSessionID, ann.ChatSessionID)
		if winner == m.chatSessionID {
			return nil, -1, false, ""
		}
		log.Printf("[match] reconciling chat session %s -> %s", m.chatSessionID, winner)
		m.chatSessionID = winner
		return m.matchedAnnouncementLocked(now), -1, false, winner

	case StateLooking, StateConnecting:
		m.cancelConfirmTimerLocked()
		m.partner = ann.PubKey
		m.chatSessionID = ann.ChatSessionID
		m.pendingPeer = ""
		m.state = StateConnected
		m.pairings++
		metrics.MatchDuration.Observe(time.Since(m.lookingSince).Seconds())
		log.Printf("[match] connected to %s (chat %s)", shortKey(m.partner), m.chatSessionID)
		return m.matchedAnnouncementLocked(now), StateConnected, true, ""

	default:
		return nil, -1, false, ""
	}
}

func (m *Machine) lookingAnnouncementLocked(now time.Time) *event.Announcement {
	return &event.Announcement{
		Status:    event.StatusLooking,
		SessionID: m.id.SessionID,
		BrowserID: m.id.BrowserID,
		Expiry:    now.Add(m.cfg.AnnouncementTTL),
		CreatedAt: now,
	}
}

func (m *Machine) matchedAnnouncementLocked(now time.Time) *event.Announcement {
	return &event.Announcement{
		Status:        event.StatusMatched,
		SessionID:     m.id.SessionID,
		BrowserID:     m.id.BrowserID,
		Expiry:        now.Add(m.cfg.AnnouncementTTL),
		TargetPubKey:  m.partner,
		ChatSessionID: m.chatSessionID,
		CreatedAt:     now,
	}
}

// openSession creates the chat session for a freshly confirmed pairing.
func (m *Machine) openSession() {
	m.mu.Lock()
	if m.state != StateConnected || m.session != nil || m.id == nil {
		m.mu.Unlock()
		return
	}
	id, partner, chatID := m.id, m.partner, m.chatSessionID
	onMessage := m.onMessage
	m.mu.Unlock()

	sess := chat.NewSession(m.pool, id, partner, chatID, chat.Options{
		Encrypt:   m.cfg.Encrypt,
		OnMessage: onMessage,
	})

	m.mu.Lock()
	if m.state != StateConnected || m.session != nil {
		m.mu.Unlock()
		sess.Close()
		return
	}
	m.session = sess
	// The pairing may have reconciled to a different id while the session
	// was being constructed.
	current := m.chatSessionID
	cb := m.onConnected
	m.mu.Unlock()

	sess.Rebind(current)
	if cb != nil {
		cb(sess)
	}
}

// armConfirmTimerLocked schedules the connecting -> looking rollback.
func (m *Machine) armConfirmTimerLocked() {
	m.cancelConfirmTimerLocked()
	m.confirmTimer = time.AfterFunc(m.cfg.ConfirmTimeout, m.confirmTimeout)
}

func (m *Machine) cancelConfirmTimerLocked() {
	if m.confirmTimer != nil {
		m.confirmTimer.Stop()
		m.confirmTimer = nil
	}
}

// confirmTimeout fires when a proposal got no confirmation in time: the
// pending proposal is cleared and the participant resumes looking. A
// confirmation that already arrived makes this a no-op.
func (m *Machine) confirmTimeout() {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	peer := m.pendingPeer
	m.clearPendingLocked()
	m.state = StateLooking
	out := m.lookingAnnouncementLocked(time.Now())
	m.mu.Unlock()

	log.Printf("[match] proposal to %s timed out, resuming looking", shortKey(peer))
	m.setStateMetric(StateLooking)
	m.notify(StateLooking)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	m.publish(ctx, out)
	cancel()
}

func (m *Machine) clearPendingLocked() {
	m.cancelConfirmTimerLocked()
	m.pendingPeer = ""
	m.chatSessionID = ""
}

// purgeStale is the defense against leaked announcements: many concurrent
// lookers with zero resulting pairings suggests stale state, so candidates
// idle beyond the staleness window are forgotten.
func (m *Machine) purgeStale() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateLooking || m.pairings > 0 {
		return
	}

	lookers := 0
	for _, c := range m.candidates {
		if !c.paired {
			lookers++
		}
	}
	if lookers <= m.cfg.LookingSanityMax {
		return
	}

	purged := 0
	for pk, c := range m.candidates {
		if now.Sub(c.lastSeen) > m.cfg.StaleWindow {
			delete(m.candidates, pk)
			delete(m.cooldown, pk)
			purged++
		}
	}
	if purged > 0 {
		log.Printf("[match] purged %d stale candidates (%d looking, no pairings)", purged, lookers)
	}
}

// Disconnect tears the participant down from any state: timers are
// canceled and filters unsubscribed synchronously so no leaked callback can
// resurrect stale state afterwards.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.cancelConfirmTimerLocked()
	if m.skipTimer != nil {
		m.skipTimer.Stop()
		m.skipTimer = nil
	}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	sub := m.sub
	m.sub = nil
	sess := m.session
	m.session = nil
	m.id = nil // identities are never reused across resets
	m.partner = ""
	m.chatSessionID = ""
	m.pendingPeer = ""
	m.candidates = make(map[string]*candidate)
	m.cooldown = make(map[string]time.Time)
	m.state = StateDisconnected
	m.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if sess != nil {
		sess.Close()
	}

	m.setStateMetric(StateDisconnected)
	m.notify(StateDisconnected)
	log.Printf("[match] disconnected")
}

// Skip leaves the current pairing and resumes looking after a short delay,
// so stale announcements cannot immediately re-match the same partner.
func (m *Machine) Skip() {
	m.Disconnect()

	m.mu.Lock()
	m.skipTimer = time.AfterFunc(m.cfg.SkipDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.StartLooking(ctx); err != nil {
			log.Printf("[match] re-looking after skip: %v", err)
		}
	})
	m.mu.Unlock()
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Partner returns the paired public key, or "" when not connected.
func (m *Machine) Partner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partner
}

// ChatSessionID returns the shared chat identifier, or "" when none.
func (m *Machine) ChatSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatSessionID
}

// PubKey returns the current identity's public key, or "" when idle.
func (m *Machine) PubKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id == nil {
		return ""
	}
	return m.id.PubKey
}

// Session returns the active chat session, or nil.
func (m *Machine) Session() *chat.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Machine) notify(s State) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (m *Machine) setStateMetric(s State) {
	metrics.MatchState.Set(float64(s))
}

func minString(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func shortKey(pk string) string {
	if len(pk) > 8 {
		return pk[:8]
	}
	return pk
}
