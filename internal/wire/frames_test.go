package wire

import (
	"encoding/json"
	"testing"

	"github.com/driftchat/drift/internal/event"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid subscribe frame
// ---------------------------------------------------------------------------

func TestParseClientFrame_Subscribe(t *testing.T) {
	input := []byte(`{"type":"subscribe","sub_id":"sub-1","filter":{"kinds":[21001],"#status":["looking"]}}`)

	frameType, frame, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != TypeSubscribe {
		t.Fatalf("expected type %q, got %q", TypeSubscribe, frameType)
	}

	sf, ok := frame.(SubscribeFrame)
	if !ok {
		t.Fatalf("expected SubscribeFrame, got %T", frame)
	}
	if sf.SubID != "sub-1" {
		t.Errorf("expected sub_id %q, got %q", "sub-1", sf.SubID)
	}
	if len(sf.Filter.Kinds) != 1 || sf.Filter.Kinds[0] != event.KindAnnouncement {
		t.Errorf("unexpected filter kinds: %v", sf.Filter.Kinds)
	}
	if len(sf.Filter.Statuses) != 1 || sf.Filter.Statuses[0] != "looking" {
		t.Errorf("unexpected filter statuses: %v", sf.Filter.Statuses)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid publish frame
// ---------------------------------------------------------------------------

func TestParseClientFrame_Publish(t *testing.T) {
	input := []byte(`{"type":"publish","event":{"id":"abc","kind":21002,"created_at":1700000000,"tags":[["p","bob"]],"content":"hi","pubkey":"alice","sig":"ff"}}`)

	frameType, frame, err := ParseClientFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frameType != TypePublish {
		t.Fatalf("expected type %q, got %q", TypePublish, frameType)
	}

	pf, ok := frame.(PublishFrame)
	if !ok {
		t.Fatalf("expected PublishFrame, got %T", frame)
	}
	if pf.Event == nil || pf.Event.ID != "abc" || pf.Event.Kind != event.KindChatMessage {
		t.Fatalf("unexpected event: %+v", pf.Event)
	}
	if pf.Event.TagValue(event.TagPeer) != "bob" {
		t.Errorf("expected p tag bob, got %q", pf.Event.TagValue(event.TagPeer))
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed frames are rejected
// ---------------------------------------------------------------------------

func TestParseClientFrame_UnknownType(t *testing.T) {
	if _, _, err := ParseClientFrame([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatal("expected error for unknown frame type, got nil")
	}
	// Relay-only types are not valid client frames.
	if _, _, err := ParseClientFrame([]byte(`{"type":"eose","sub_id":"x"}`)); err == nil {
		t.Fatal("expected error for relay-only frame type, got nil")
	}
}

func TestParseClientFrame_MissingType(t *testing.T) {
	if _, _, err := ParseClientFrame([]byte(`{"sub_id":"x"}`)); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
	if _, _, err := ParseClientFrame([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Relay frames round trip through NewFrame / ParseRelayFrame
// ---------------------------------------------------------------------------

func TestNewFrame_OK(t *testing.T) {
	data, err := NewFrame(TypeOK, OKFrame{EventID: "abc", Accepted: false, Reason: "rate limited"})
	if err != nil {
		t.Fatalf("NewFrame() error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeOK {
		t.Errorf("expected type %q, got %v", TypeOK, result["type"])
	}
	if result["event_id"] != "abc" {
		t.Errorf("expected event_id %q, got %v", "abc", result["event_id"])
	}
	if result["accepted"] != false {
		t.Errorf("expected accepted=false, got %v", result["accepted"])
	}

	frameType, frame, err := ParseRelayFrame(data)
	if err != nil {
		t.Fatalf("ParseRelayFrame() error: %v", err)
	}
	if frameType != TypeOK {
		t.Fatalf("expected type %q, got %q", TypeOK, frameType)
	}
	ok, isOK := frame.(OKFrame)
	if !isOK {
		t.Fatalf("expected OKFrame, got %T", frame)
	}
	if ok.Reason != "rate limited" {
		t.Errorf("expected reason %q, got %q", "rate limited", ok.Reason)
	}
}

func TestNewFrame_EventRoundTrip(t *testing.T) {
	ev := &event.Event{ID: "e1", Kind: event.KindAnnouncement, CreatedAt: 1700000000, PubKey: "alice", Sig: "ff"}
	ev.AddTag(event.TagStatus, "looking")

	data, err := NewFrame(TypeEvent, EventFrame{SubID: "sub-1", Event: ev})
	if err != nil {
		t.Fatalf("NewFrame() error: %v", err)
	}

	frameType, frame, err := ParseRelayFrame(data)
	if err != nil {
		t.Fatalf("ParseRelayFrame() error: %v", err)
	}
	if frameType != TypeEvent {
		t.Fatalf("expected type %q, got %q", TypeEvent, frameType)
	}
	ef := frame.(EventFrame)
	if ef.SubID != "sub-1" {
		t.Errorf("expected sub_id sub-1, got %q", ef.SubID)
	}
	if ef.Event == nil || ef.Event.ID != "e1" {
		t.Fatalf("unexpected event: %+v", ef.Event)
	}
	if ef.Event.TagValue(event.TagStatus) != "looking" {
		t.Errorf("expected status tag to survive, got %q", ef.Event.TagValue(event.TagStatus))
	}
}
