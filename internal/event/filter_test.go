package event

import (
	"testing"
	"time"
)

func filterTestEvent() *Event {
	ev := &Event{
		Kind:      KindAnnouncement,
		CreatedAt: 1700000000,
		PubKey:    "alice",
	}
	ev.AddTag(TagStatus, StatusLooking)
	ev.AddTag(TagPeer, "bob")
	ev.AddTag(TagSession, "sess-1")
	ev.AddTag(TagChatSession, "chat-1")
	return ev
}

func TestFilterMatches(t *testing.T) {
	ev := filterTestEvent()

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"zero filter matches everything", Filter{}, true},
		{"kind match", Filter{Kinds: []int{KindAnnouncement}}, true},
		{"kind mismatch", Filter{Kinds: []int{KindChatMessage}}, false},
		{"author match", Filter{Authors: []string{"alice", "carol"}}, true},
		{"author mismatch", Filter{Authors: []string{"carol"}}, false},
		{"status match", Filter{Statuses: []string{StatusLooking}}, true},
		{"status mismatch", Filter{Statuses: []string{StatusMatched}}, false},
		{"peer match", Filter{Peers: []string{"bob"}}, true},
		{"peer mismatch", Filter{Peers: []string{"carol"}}, false},
		{"chat session match", Filter{ChatSessions: []string{"chat-1"}}, true},
		{"since before", Filter{Since: 1600000000}, true},
		{"since after", Filter{Since: 1800000000}, false},
		{
			"keys AND-combined",
			Filter{Kinds: []int{KindAnnouncement}, Authors: []string{"carol"}},
			false,
		},
		{
			"full conjunction",
			Filter{
				Kinds:        []int{KindAnnouncement},
				Authors:      []string{"alice"},
				Statuses:     []string{StatusLooking, StatusMatched},
				Peers:        []string{"bob"},
				ChatSessions: []string{"chat-1"},
				Since:        1600000000,
			},
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Matches(ev); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterMatches_ChatMessage(t *testing.T) {
	priv := newTestKey(t)
	ev := (&ChatMessage{
		Content:        "hi",
		ReceiverPubKey: "bob",
		ChatSessionID:  "chat-9",
		Timestamp:      time.Now(),
	}).Encode()
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}

	f := Filter{
		Kinds:        []int{KindChatMessage},
		Authors:      []string{ev.PubKey},
		Peers:        []string{"bob"},
		ChatSessions: []string{"chat-9"},
	}
	if !f.Matches(ev) {
		t.Fatal("expected the session filter to match its own message")
	}

	f.ChatSessions = []string{"chat-10"}
	if f.Matches(ev) {
		t.Fatal("expected mismatch for a different chat session")
	}
}
