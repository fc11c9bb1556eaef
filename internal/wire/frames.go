// Package wire defines the JSON frames exchanged between a participant's
// relay connection and a relay endpoint. All frames are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/driftchat/drift/internal/event"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Client -> Relay frame types.
const (
	TypePublish     = "publish"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Relay -> Client frame types.
const (
	TypeEvent  = "event"
	TypeOK     = "ok"
	TypeEOSE   = "eose" // end of stored events: backfill for a subscription is complete
	TypeNotice = "notice"
	TypePong   = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("wire: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("wire: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Relay frames
// ---------------------------------------------------------------------------

// PublishFrame submits an event for broadcast.
type PublishFrame struct {
	Type  string       `json:"type"`
	Event *event.Event `json:"event"`
}

// SubscribeFrame opens a filtered subscription. The relay backfills matching
// stored events, sends an EOSE marker, then streams live matches.
type SubscribeFrame struct {
	Type   string       `json:"type"`
	SubID  string       `json:"sub_id"`
	Filter event.Filter `json:"filter"`
}

// UnsubscribeFrame tears down a subscription.
type UnsubscribeFrame struct {
	Type  string `json:"type"`
	SubID string `json:"sub_id"`
}

// PingFrame is a client-initiated keepalive.
type PingFrame struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Relay -> Client frames
// ---------------------------------------------------------------------------

// EventFrame delivers a matching event on a subscription.
type EventFrame struct {
	Type  string       `json:"type"`
	SubID string       `json:"sub_id"`
	Event *event.Event `json:"event"`
}

// OKFrame acknowledges a publish.
type OKFrame struct {
	Type     string `json:"type"`
	EventID  string `json:"event_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// EOSEFrame marks the end of backfill for a subscription.
type EOSEFrame struct {
	Type  string `json:"type"`
	SubID string `json:"sub_id"`
}

// NoticeFrame carries a human-readable relay message.
type NoticeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientFrame parses raw bytes into a typed client->relay frame. It
// returns the frame type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// relay-only frame types.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("wire: failed to parse frame: %w", err)
	}

	var (
		frame interface{}
		err   error
	)

	switch env.Type {
	case TypePublish:
		var f PublishFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeSubscribe:
		var f SubscribeFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeUnsubscribe:
		var f UnsubscribeFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypePing:
		var f PingFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return env.Type, nil, fmt.Errorf("wire: unknown client frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("wire: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, frame, nil
}

// ParseRelayFrame parses raw bytes into a typed relay->client frame.
func ParseRelayFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("wire: failed to parse frame: %w", err)
	}

	var (
		frame interface{}
		err   error
	)

	switch env.Type {
	case TypeEvent:
		var f EventFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeOK:
		var f OKFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeEOSE:
		var f EOSEFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypeNotice:
		var f NoticeFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	case TypePong:
		var f PongFrame
		err = json.Unmarshal(env.Raw, &f)
		frame = f
	default:
		return env.Type, nil, fmt.Errorf("wire: unknown relay frame type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("wire: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, frame, nil
}

// NewFrame creates a JSON-encoded byte slice for a frame. The frameType is
// injected into the payload under the "type" key.
func NewFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("wire: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: failed to marshal frame: %w", err)
	}
	return out, nil
}
