package event

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Announcement encode/parse round trip
// ---------------------------------------------------------------------------

func TestAnnouncementRoundTrip(t *testing.T) {
	priv := newTestKey(t)
	now := time.Now().Truncate(time.Second)

	a := Announcement{
		Status:        StatusMatched,
		SessionID:     "sess-1",
		BrowserID:     "browser-1",
		Expiry:        now.Add(2 * time.Minute),
		TargetPubKey:  "cafebabe",
		ChatSessionID: "chat-42",
		CreatedAt:     now,
	}
	ev := signedAnnouncement(t, priv, a)

	parsed, err := ParseAnnouncement(ev)
	if err != nil {
		t.Fatalf("ParseAnnouncement() error: %v", err)
	}
	if parsed.PubKey != ev.PubKey {
		t.Errorf("pubkey: expected %q, got %q", ev.PubKey, parsed.PubKey)
	}
	if parsed.Status != StatusMatched {
		t.Errorf("status: expected matched, got %q", parsed.Status)
	}
	if parsed.SessionID != "sess-1" {
		t.Errorf("session: expected sess-1, got %q", parsed.SessionID)
	}
	if parsed.TargetPubKey != "cafebabe" {
		t.Errorf("target: expected cafebabe, got %q", parsed.TargetPubKey)
	}
	if parsed.ChatSessionID != "chat-42" {
		t.Errorf("chat session: expected chat-42, got %q", parsed.ChatSessionID)
	}
	if !parsed.Expiry.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("expiry: expected %v, got %v", now.Add(2*time.Minute), parsed.Expiry)
	}
}

// ---------------------------------------------------------------------------
// Test: Matched announcements require target and chat session tags
// ---------------------------------------------------------------------------

func TestParseAnnouncement_MatchedMissingTags(t *testing.T) {
	now := time.Now()

	ev := (&Announcement{
		Status:    StatusMatched,
		SessionID: "sess-1",
		Expiry:    now.Add(time.Minute),
		CreatedAt: now,
	}).Encode()

	if _, err := ParseAnnouncement(ev); err == nil {
		t.Fatal("expected error for matched announcement without p tag, got nil")
	}

	ev = (&Announcement{
		Status:       StatusMatched,
		SessionID:    "sess-1",
		Expiry:       now.Add(time.Minute),
		TargetPubKey: "cafebabe",
		CreatedAt:    now,
	}).Encode()

	if _, err := ParseAnnouncement(ev); err == nil {
		t.Fatal("expected error for matched announcement without chat_session tag, got nil")
	}
}

func TestParseAnnouncement_InvalidStatus(t *testing.T) {
	ev := &Event{Kind: KindAnnouncement, CreatedAt: time.Now().Unix()}
	ev.AddTag(TagStatus, "lurking")
	ev.AddTag(TagSession, "sess-1")
	ev.AddTag(TagExpiry, "1700000000")

	if _, err := ParseAnnouncement(ev); err == nil {
		t.Fatal("expected error for invalid status, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Expiry semantics
// ---------------------------------------------------------------------------

func TestAnnouncementExpired(t *testing.T) {
	now := time.Now()
	a := &Announcement{Expiry: now.Add(time.Minute)}

	if a.Expired(now) {
		t.Error("announcement should not be expired before its expiry")
	}
	if !a.Expired(now.Add(2 * time.Minute)) {
		t.Error("announcement should be expired after its expiry")
	}
}

// ---------------------------------------------------------------------------
// Test: Chat message round trip including reactions
// ---------------------------------------------------------------------------

func TestChatMessageRoundTrip(t *testing.T) {
	priv := newTestKey(t)
	now := time.Now().Truncate(time.Second)

	ev := (&ChatMessage{
		Content:        "ciphertext-or-plaintext",
		ReceiverPubKey: "cafebabe",
		ChatSessionID:  "chat-42",
		Timestamp:      now,
		Reaction:       "thumbs_up",
		RefID:          "abc123",
	}).Encode()
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}

	msg, err := ParseChatMessage(ev)
	if err != nil {
		t.Fatalf("ParseChatMessage() error: %v", err)
	}
	if msg.ID != ev.ID {
		t.Errorf("id: expected %q, got %q", ev.ID, msg.ID)
	}
	if msg.SenderPubKey != ev.PubKey {
		t.Errorf("sender: expected %q, got %q", ev.PubKey, msg.SenderPubKey)
	}
	if msg.Content != "ciphertext-or-plaintext" {
		t.Errorf("content: got %q", msg.Content)
	}
	if msg.Reaction != "thumbs_up" || msg.RefID != "abc123" {
		t.Errorf("reaction: got %q ref %q", msg.Reaction, msg.RefID)
	}
	if !msg.Timestamp.Equal(now) {
		t.Errorf("timestamp: expected %v, got %v", now, msg.Timestamp)
	}
}

func TestParseChatMessage_MissingTags(t *testing.T) {
	ev := &Event{Kind: KindChatMessage, CreatedAt: time.Now().Unix(), Content: "x"}
	if _, err := ParseChatMessage(ev); err == nil {
		t.Fatal("expected error for chat message without p tag, got nil")
	}

	ev.AddTag(TagPeer, "cafebabe")
	if _, err := ParseChatMessage(ev); err == nil {
		t.Fatal("expected error for chat message without chat_session tag, got nil")
	}
}
