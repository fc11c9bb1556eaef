package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftchat/drift/internal/chat"
	"github.com/driftchat/drift/internal/event"
	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/localbus"
	"github.com/driftchat/drift/internal/relay"
)

func testMatchConfig() Config {
	return Config{
		AnnounceInterval: 50 * time.Millisecond,
		AnnouncementTTL:  time.Minute,
		ConfirmTimeout:   300 * time.Millisecond,
		ProposalCooldown: 100 * time.Millisecond,
		SkipDelay:        20 * time.Millisecond,
		StaleWindow:      time.Second,
		LookingSanityMax: 5,
		Encrypt:          true,
	}
}

// newTestMachine builds a machine whose pool is wired to the shared store,
// so multiple machines exchange announcements through the same bus.
func newTestMachine(t *testing.T, store localbus.Store) *Machine {
	t.Helper()

	cfg := relay.DefaultConfig()
	cfg.PublishAttempts = 1
	cfg.HealthInterval = 0
	pool := relay.NewPool(cfg)
	pool.AddEndpoint(localbus.NewEndpoint(store, 10*time.Millisecond))
	pool.Connect(context.Background())

	m := New(pool, testMatchConfig())
	t.Cleanup(func() {
		m.Disconnect()
		pool.Close()
	})
	return m
}

// ghost is a scripted fake participant: it signs announcements and appends
// them to the store directly, bypassing any machine logic.
type ghost struct {
	id *identity.Identity
}

func newGhost(t *testing.T) *ghost {
	t.Helper()
	id, err := identity.New("")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return &ghost{id: id}
}

func (g *ghost) announce(t *testing.T, store localbus.Store, a event.Announcement) {
	t.Helper()
	a.SessionID = g.id.SessionID
	a.BrowserID = g.id.BrowserID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	ev := a.Encode()
	if err := ev.Sign(g.id.PrivateKey()); err != nil {
		t.Fatalf("sign ghost announcement: %v", err)
	}
	if _, err := store.AppendEvent(context.Background(), ev); err != nil {
		t.Fatalf("append ghost announcement: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---------------------------------------------------------------------------
// Test: Two looking participants pair up and converge on one chat session
// ---------------------------------------------------------------------------

func TestMachines_PairAndConverge(t *testing.T) {
	store := localbus.NewMemoryStore()
	a := newTestMachine(t, store)
	b := newTestMachine(t, store)

	if err := a.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking(a): %v", err)
	}
	if err := b.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking(b): %v", err)
	}

	waitFor(t, 5*time.Second, "both connected", func() bool {
		return a.State() == StateConnected && b.State() == StateConnected
	})

	if a.Partner() != b.PubKey() || b.Partner() != a.PubKey() {
		t.Fatalf("partners do not cross: a->%s b->%s (a=%s b=%s)",
			a.Partner(), b.Partner(), a.PubKey(), b.PubKey())
	}
	if a.PubKey() == b.PubKey() {
		t.Fatal("two machines share a public key")
	}

	// Crossed proposals may briefly disagree on the chat session id; both
	// sides must reconcile to the same one.
	waitFor(t, 5*time.Second, "chat session ids to converge", func() bool {
		idA, idB := a.ChatSessionID(), b.ChatSessionID()
		return idA != "" && idA == idB
	})

	waitFor(t, 2*time.Second, "both sessions open", func() bool {
		return a.Session() != nil && b.Session() != nil
	})
}

// ---------------------------------------------------------------------------
// Test: Paired participants can chat end to end
// ---------------------------------------------------------------------------

func TestMachines_PairedChat(t *testing.T) {
	store := localbus.NewMemoryStore()
	a := newTestMachine(t, store)
	b := newTestMachine(t, store)

	var bGot []chat.Message
	var mu sync.Mutex
	b.OnMessage(func(m chat.Message) {
		mu.Lock()
		bGot = append(bGot, m)
		mu.Unlock()
	})

	if err := a.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking(a): %v", err)
	}
	if err := b.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking(b): %v", err)
	}

	waitFor(t, 5*time.Second, "pairing", func() bool {
		return a.Session() != nil && b.Session() != nil &&
			a.ChatSessionID() == b.ChatSessionID()
	})

	if _, err := a.Session().Send(context.Background(), "hi from a"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	waitFor(t, 5*time.Second, "message delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bGot) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if bGot[0].Content != "hi from a" {
		t.Fatalf("expected decrypted text, got %q", bGot[0].Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Expired announcements are ignored
// ---------------------------------------------------------------------------

func TestMachine_IgnoresExpiredAnnouncements(t *testing.T) {
	store := localbus.NewMemoryStore()
	m := newTestMachine(t, store)

	if err := m.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking: %v", err)
	}

	g := newGhost(t)
	g.announce(t, store, event.Announcement{
		Status: event.StatusLooking,
		Expiry: time.Now().Add(-time.Minute),
	})

	time.Sleep(300 * time.Millisecond)
	if got := m.State(); got != StateLooking {
		t.Fatalf("expected machine to stay looking on expired announcement, got %s", got)
	}
}

// ---------------------------------------------------------------------------
// Test: An unanswered proposal rolls back to looking
// ---------------------------------------------------------------------------

func TestMachine_ConfirmTimeoutRecovery(t *testing.T) {
	store := localbus.NewMemoryStore()
	m := newTestMachine(t, store)

	if err := m.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking: %v", err)
	}

	g := newGhost(t)
	g.announce(t, store, event.Announcement{
		Status: event.StatusLooking,
		Expiry: time.Now().Add(time.Minute),
	})

	waitFor(t, 2*time.Second, "proposal to ghost", func() bool {
		return m.State() == StateConnecting
	})

	// The ghost never confirms.
	waitFor(t, 2*time.Second, "rollback to looking", func() bool {
		return m.State() == StateLooking
	})
	if m.ChatSessionID() != "" {
		t.Fatalf("expected cleared chat session after timeout, got %q", m.ChatSessionID())
	}
}

// ---------------------------------------------------------------------------
// Test: A proposal targeting us is adopted; duplicates are no-ops
// ---------------------------------------------------------------------------

func TestMachine_AdoptsProposalIdempotently(t *testing.T) {
	store := localbus.NewMemoryStore()
	m := newTestMachine(t, store)

	if err := m.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking: %v", err)
	}
	waitFor(t, 2*time.Second, "own pubkey", func() bool { return m.PubKey() != "" })

	g := newGhost(t)
	proposal := event.Announcement{
		Status:        event.StatusMatched,
		Expiry:        time.Now().Add(time.Minute),
		TargetPubKey:  m.PubKey(),
		ChatSessionID: "chat-ghost",
	}
	g.announce(t, store, proposal)

	waitFor(t, 2*time.Second, "adoption", func() bool {
		return m.State() == StateConnected
	})
	if m.Partner() != g.id.PubKey {
		t.Fatalf("expected partner %s, got %s", g.id.PubKey, m.Partner())
	}
	if m.ChatSessionID() != "chat-ghost" {
		t.Fatalf("expected first-observed chat id chat-ghost, got %s", m.ChatSessionID())
	}

	// Redundant confirmation: same pair, same id. Nothing changes.
	proposal.CreatedAt = time.Now().Add(time.Second) // distinct event id
	g.announce(t, store, proposal)

	// A second suitor while paired is ignored.
	g2 := newGhost(t)
	g2.announce(t, store, event.Announcement{
		Status:        event.StatusMatched,
		Expiry:        time.Now().Add(time.Minute),
		TargetPubKey:  m.PubKey(),
		ChatSessionID: "chat-intruder",
	})

	time.Sleep(300 * time.Millisecond)
	if m.Partner() != g.id.PubKey || m.ChatSessionID() != "chat-ghost" {
		t.Fatalf("pairing changed: partner=%s chat=%s", m.Partner(), m.ChatSessionID())
	}
}

// ---------------------------------------------------------------------------
// Test: Conflicting confirmations reconcile to the smaller chat id
// ---------------------------------------------------------------------------

func TestMachine_ReconcilesCrossedProposals(t *testing.T) {
	store := localbus.NewMemoryStore()
	m := newTestMachine(t, store)

	if err := m.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking: %v", err)
	}
	waitFor(t, 2*time.Second, "own pubkey", func() bool { return m.PubKey() != "" })

	g := newGhost(t)
	g.announce(t, store, event.Announcement{
		Status:        event.StatusMatched,
		Expiry:        time.Now().Add(time.Minute),
		TargetPubKey:  m.PubKey(),
		ChatSessionID: "chat-b",
	})
	waitFor(t, 2*time.Second, "adoption", func() bool {
		return m.State() == StateConnected && m.ChatSessionID() == "chat-b"
	})

	// The same partner confirms under a smaller id (its own crossed
	// proposal). Both sides must settle on the smaller one.
	g.announce(t, store, event.Announcement{
		Status:        event.StatusMatched,
		Expiry:        time.Now().Add(time.Minute),
		TargetPubKey:  m.PubKey(),
		ChatSessionID: "chat-a",
		CreatedAt:     time.Now().Add(time.Second),
	})

	waitFor(t, 2*time.Second, "reconciliation", func() bool {
		return m.ChatSessionID() == "chat-a"
	})
	if m.State() != StateConnected {
		t.Fatalf("expected to stay connected through reconciliation, got %s", m.State())
	}

	// A larger id from the same partner loses and changes nothing.
	g.announce(t, store, event.Announcement{
		Status:        event.StatusMatched,
		Expiry:        time.Now().Add(time.Minute),
		TargetPubKey:  m.PubKey(),
		ChatSessionID: "chat-z",
		CreatedAt:     time.Now().Add(2 * time.Second),
	})
	time.Sleep(300 * time.Millisecond)
	if m.ChatSessionID() != "chat-a" {
		t.Fatalf("expected chat-a to win, got %s", m.ChatSessionID())
	}
}

// ---------------------------------------------------------------------------
// Test: Disconnect tears everything down; Skip resumes looking
// ---------------------------------------------------------------------------

func TestMachine_Disconnect(t *testing.T) {
	store := localbus.NewMemoryStore()
	m := newTestMachine(t, store)

	if err := m.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking: %v", err)
	}
	firstKey := ""
	waitFor(t, 2*time.Second, "own pubkey", func() bool {
		firstKey = m.PubKey()
		return firstKey != ""
	})

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
	if m.Session() != nil || m.Partner() != "" || m.PubKey() != "" {
		t.Fatal("expected all pairing state cleared")
	}

	// StartLooking again mints a fresh identity.
	if err := m.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking again: %v", err)
	}
	waitFor(t, 2*time.Second, "fresh identity", func() bool {
		return m.PubKey() != "" && m.PubKey() != firstKey
	})
}

func TestMachine_SkipResumesLooking(t *testing.T) {
	store := localbus.NewMemoryStore()
	a := newTestMachine(t, store)
	b := newTestMachine(t, store)

	if err := a.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking(a): %v", err)
	}
	if err := b.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking(b): %v", err)
	}
	waitFor(t, 5*time.Second, "pairing", func() bool {
		return a.State() == StateConnected && b.State() == StateConnected
	})

	a.Skip()
	// After the skip delay the machine is looking again under a new
	// identity; b is still bound to the old partner so they cannot
	// immediately re-pair.
	waitFor(t, 2*time.Second, "a looking again", func() bool {
		return a.State() == StateLooking
	})
}

func TestMachine_StartLookingTwice(t *testing.T) {
	store := localbus.NewMemoryStore()
	m := newTestMachine(t, store)

	if err := m.StartLooking(context.Background()); err != nil {
		t.Fatalf("StartLooking: %v", err)
	}
	if err := m.StartLooking(context.Background()); err == nil {
		t.Fatal("expected error on second StartLooking, got nil")
	}
}
