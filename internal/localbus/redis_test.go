package localbus

import (
	"context"
	"testing"
	"time"
)

// newTestRedisStore connects to a local Redis and wipes the drift: keyspace
// before returning. Tests that call this helper require a running Redis on
// localhost:6379 and are skipped otherwise.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	store, err := NewRedisStore("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}

	ctx := context.Background()
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	t.Cleanup(func() {
		store.Reset(context.Background())
		store.Close()
	})
	return store
}

func TestRedisStore_AppendAndEventsSince(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	seq1, err := store.AppendEvent(ctx, testEvent("e1"))
	if err != nil {
		t.Fatalf("AppendEvent() error: %v", err)
	}
	seq2, err := store.AppendEvent(ctx, testEvent("e2"))
	if err != nil {
		t.Fatalf("AppendEvent() error: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("expected monotonic sequences, got %d then %d", seq1, seq2)
	}

	events, high, err := store.EventsSince(ctx, seq1)
	if err != nil {
		t.Fatalf("EventsSince() error: %v", err)
	}
	if len(events) != 1 || events[0].Event.ID != "e2" {
		t.Fatalf("expected only e2 after seq %d, got %d events", seq1, len(events))
	}
	if high != seq2 {
		t.Fatalf("expected high watermark %d, got %d", seq2, high)
	}
}

func TestRedisStore_LookingAndMatched(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.AddLooking(ctx, "alice", now.Add(time.Minute)); err != nil {
		t.Fatalf("AddLooking() error: %v", err)
	}
	if err := store.AddLooking(ctx, "bob", now.Add(-time.Minute)); err != nil {
		t.Fatalf("AddLooking() error: %v", err)
	}

	removed, err := store.ExpireLooking(ctx, now)
	if err != nil {
		t.Fatalf("ExpireLooking() error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired entry, got %d", removed)
	}

	if err := store.SetMatched(ctx, "alice", "carol", "chat-7"); err != nil {
		t.Fatalf("SetMatched() error: %v", err)
	}
	partner, chatID, err := store.Matched(ctx, "carol")
	if err != nil {
		t.Fatalf("Matched() error: %v", err)
	}
	if partner != "alice" || chatID != "chat-7" {
		t.Fatalf("expected alice/chat-7, got %s/%s", partner, chatID)
	}

	looking, err := store.ListLooking(ctx)
	if err != nil {
		t.Fatalf("ListLooking() error: %v", err)
	}
	if len(looking) != 0 {
		t.Fatalf("expected empty looking set after match and expiry, got %v", looking)
	}
}

func TestRedisStore_Messages(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.AppendMessage(ctx, "chat-1", testEvent("m1")); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if err := store.AppendMessage(ctx, "chat-1", testEvent("m2")); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	msgs, err := store.Messages(ctx, "chat-1")
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("expected [m1 m2], got %d messages", len(msgs))
	}

	other, _ := store.Messages(ctx, "chat-2")
	if len(other) != 0 {
		t.Fatalf("expected no messages for chat-2, got %d", len(other))
	}
}
