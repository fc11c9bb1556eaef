// Package chat implements the two-party session layer established once
// matchmaking confirms a pairing: publishing outgoing messages, a strictly
// filtered inbound subscription, receiver-side deduplication, and a
// best-effort timestamp-ordered history.
package chat

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/crypto/dm"
	"github.com/driftchat/drift/internal/event"
	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/relay"
)

// Message is one entry in the session history. Immutable once appended.
type Message struct {
	ID             string
	Content        string
	SenderPubKey   string
	ReceiverPubKey string
	ChatSessionID  string
	Timestamp      time.Time
	Mine           bool
	Reaction       string // set on reaction annotations
	RefID          string // message the reaction refers to
}

// Options tunes a session.
type Options struct {
	// Encrypt seals content so only the two paired keys can read it. The
	// local fallback transport may run in cleartext; real relay transports
	// must encrypt.
	Encrypt bool

	// OnMessage, when set, is invoked for every message appended to the
	// history (inbound only).
	OnMessage func(Message)
}

// Session is one side of an established pairing.
type Session struct {
	pool *relay.Pool
	id   *identity.Identity
	opts Options

	mu            sync.Mutex
	partner       string
	chatSessionID string
	sub           *relay.Subscription
	history       []Message
	seen          map[string]struct{}
	closed        bool
}

// NewSession opens the session: it subscribes to partner-directed messages
// filtered on the partner key and shared chat session id, so messages from
// concurrent or stale sessions cannot leak in and transport echoes of our
// own events are never delivered back.
func NewSession(pool *relay.Pool, id *identity.Identity, partner, chatSessionID string, opts Options) *Session {
	s := &Session{
		pool:          pool,
		id:            id,
		opts:          opts,
		partner:       partner,
		chatSessionID: chatSessionID,
		seen:          make(map[string]struct{}),
	}
	s.sub = s.subscribe(chatSessionID)
	return s
}

// subscribe opens the inbound subscription for the given session id. Must
// not be called with s.mu held: backfill delivery re-enters handle.
func (s *Session) subscribe(chatSessionID string) *relay.Subscription {
	sub := s.pool.Subscribe(event.Filter{
		Kinds:        []int{event.KindChatMessage},
		Authors:      []string{s.partner},
		Peers:        []string{s.id.PubKey},
		ChatSessions: []string{chatSessionID},
	})
	sub.On(s.handle)
	return sub
}

// Send validates, records, and publishes one text message. The message is
// appended to the local history before transmission confirmation; a
// degraded publish (relay.ErrDegraded) still leaves the optimistic local
// copy in place.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	if err := ValidateText(text); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, errors.New("chat: session is closed")
	}
	partner, chatID := s.partner, s.chatSessionID
	s.mu.Unlock()

	content := text
	if s.opts.Encrypt {
		sealed, err := dm.Encrypt(s.id.PrivateKey(), partner, text)
		if err != nil {
			return Message{}, err
		}
		content = sealed
	}

	now := time.Now()
	ev := (&event.ChatMessage{
		Content:        content,
		ReceiverPubKey: partner,
		ChatSessionID:  chatID,
		Timestamp:      now,
	}).Encode()
	if err := ev.Sign(s.id.PrivateKey()); err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:             ev.ID,
		Content:        text,
		SenderPubKey:   s.id.PubKey,
		ReceiverPubKey: partner,
		ChatSessionID:  chatID,
		Timestamp:      now,
		Mine:           true,
	}

	// Optimistic local append before any network round trip.
	s.mu.Lock()
	s.seen[ev.ID] = struct{}{}
	s.insertLocked(msg)
	s.mu.Unlock()

	err := s.pool.Publish(ctx, ev)
	return msg, err
}

// SendReaction publishes a cosmetic annotation referring to an earlier
// message. Reactions ride the same chat kind and filters.
func (s *Session) SendReaction(ctx context.Context, refID, name string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("chat: session is closed")
	}
	partner, chatID := s.partner, s.chatSessionID
	s.mu.Unlock()

	ev := (&event.ChatMessage{
		ReceiverPubKey: partner,
		ChatSessionID:  chatID,
		Timestamp:      time.Now(),
		Reaction:       name,
		RefID:          refID,
	}).Encode()
	if err := ev.Sign(s.id.PrivateKey()); err != nil {
		return err
	}

	s.mu.Lock()
	s.seen[ev.ID] = struct{}{}
	s.mu.Unlock()

	return s.pool.Publish(ctx, ev)
}

// handle processes one inbound event from the subscription.
func (s *Session) handle(ev *event.Event) {
	msg, err := event.ParseChatMessage(ev)
	if err != nil {
		log.Printf("[chat] dropping malformed message: %v", err)
		metrics.EventsDroppedTotal.WithLabelValues("invalid").Inc()
		return
	}

	s.mu.Lock()
	if s.closed || msg.ChatSessionID != s.chatSessionID {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
		return
	}
	s.mu.Unlock()

	content := msg.Content
	if s.opts.Encrypt && msg.Reaction == "" {
		plain, err := dm.Decrypt(s.id.PrivateKey(), msg.SenderPubKey, msg.Content)
		if err != nil {
			// Fail closed: an unreadable message is dropped, the
			// conversation continues.
			log.Printf("[chat] decrypt failed for %s: %v", ev.ID[:8], err)
			metrics.EventsDroppedTotal.WithLabelValues("decrypt").Inc()
			return
		}
		content = plain
	}

	s.mu.Lock()
	// Re-check under lock: decryption ran outside it.
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	s.seen[ev.ID] = struct{}{}
	entry := Message{
		ID:             ev.ID,
		Content:        content,
		SenderPubKey:   msg.SenderPubKey,
		ReceiverPubKey: msg.ReceiverPubKey,
		ChatSessionID:  msg.ChatSessionID,
		Timestamp:      msg.Timestamp,
		Mine:           false, // the author filter admits partner messages only
		Reaction:       msg.Reaction,
		RefID:          msg.RefID,
	}
	s.insertLocked(entry)
	cb := s.opts.OnMessage
	s.mu.Unlock()

	if cb != nil {
		cb(entry)
	}
}

// insertLocked places a message into the history keeping timestamp order.
// Equal timestamps keep arrival order.
func (s *Session) insertLocked(msg Message) {
	i := sort.Search(len(s.history), func(i int) bool {
		return s.history[i].Timestamp.After(msg.Timestamp)
	})
	s.history = append(s.history, Message{})
	copy(s.history[i+1:], s.history[i:])
	s.history[i] = msg
}

// History returns a copy of the message history, oldest first.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// Partner returns the paired public key.
func (s *Session) Partner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partner
}

// ChatSessionID returns the shared session identifier.
func (s *Session) ChatSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatSessionID
}

// Rebind switches the session to a reconciled chat session id (concurrent
// proposals can briefly disagree) and reopens the inbound subscription with
// the corrected filter.
func (s *Session) Rebind(chatSessionID string) {
	s.mu.Lock()
	if s.closed || s.chatSessionID == chatSessionID {
		s.mu.Unlock()
		return
	}
	old := s.sub
	s.chatSessionID = chatSessionID
	s.mu.Unlock()

	sub := s.subscribe(chatSessionID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
}

// Close tears down the inbound subscription. The history remains readable.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}
