package event

import (
	"fmt"
	"time"
)

// ChatMessage is the typed view of a KindChatMessage event. Content may be
// ciphertext; the chat layer decides based on the transport in use.
type ChatMessage struct {
	ID             string // event id, used for receiver-side dedup
	Content        string
	SenderPubKey   string
	ReceiverPubKey string
	ChatSessionID  string
	Timestamp      time.Time
	Reaction       string // optional per-message annotation, e.g. an emoji name
	RefID          string // event id the reaction refers to
}

// Encode translates the message into its wire event. The event is unsigned;
// callers sign it before publishing.
func (m *ChatMessage) Encode() *Event {
	ev := &Event{
		Kind:      KindChatMessage,
		CreatedAt: m.Timestamp.Unix(),
		Content:   m.Content,
		Tags:      make([][]string, 0, 4),
	}
	ev.AddTag(TagPeer, m.ReceiverPubKey)
	ev.AddTag(TagChatSession, m.ChatSessionID)
	if m.Reaction != "" {
		ev.AddTag(TagReaction, m.Reaction)
	}
	if m.RefID != "" {
		ev.AddTag(TagRef, m.RefID)
	}
	return ev
}

// ParseChatMessage decodes a wire event into its typed view, enforcing the
// required receiver and chat session tags.
func ParseChatMessage(ev *Event) (*ChatMessage, error) {
	if ev.Kind != KindChatMessage {
		return nil, fmt.Errorf("event: not a chat message (kind %d)", ev.Kind)
	}

	receiver := ev.TagValue(TagPeer)
	if receiver == "" {
		return nil, fmt.Errorf("event: chat message missing p tag")
	}
	chatSession := ev.TagValue(TagChatSession)
	if chatSession == "" {
		return nil, fmt.Errorf("event: chat message missing chat_session tag")
	}

	return &ChatMessage{
		ID:             ev.ID,
		Content:        ev.Content,
		SenderPubKey:   ev.PubKey,
		ReceiverPubKey: receiver,
		ChatSessionID:  chatSession,
		Timestamp:      time.Unix(ev.CreatedAt, 0),
		Reaction:       ev.TagValue(TagReaction),
		RefID:          ev.TagValue(TagRef),
	}, nil
}
