// Package event defines the wire-level event schema shared by announcements
// and chat messages, the tag-array codec between typed views and the wire
// format, and subscription filters. All events are serialized as JSON and
// carry a Schnorr signature over a canonical digest.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds. Both live in the ephemeral range: relays are expected to
// retain them only for a short window.
const (
	KindAnnouncement = 21001 // looking/matched broadcasts
	KindChatMessage  = 21002 // pairwise (possibly encrypted) text
)

// Well-known tag names.
const (
	TagStatus      = "status"
	TagPeer        = "p"
	TagSession     = "session"
	TagChatSession = "chat_session"
	TagExpiry      = "expiry"
	TagBrowserID   = "browser_id"
	TagReaction    = "reaction"
	TagRef         = "e"
)

// Event is the wire representation shared by all kinds.
type Event struct {
	ID        string     `json:"id"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	PubKey    string     `json:"pubkey"`
	Sig       string     `json:"sig"`
}

// TagValue returns the first value of the first tag with the given name,
// or "" if the tag is absent.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// AddTag appends a ["name", value] pair to the event's tag list.
func (e *Event) AddTag(name, value string) {
	e.Tags = append(e.Tags, []string{name, value})
}

// digest computes the canonical SHA-256 digest the event ID and signature
// are derived from: sha256 of [0, pubkey, created_at, kind, tags, content]
// in compact JSON.
func (e *Event) digest() ([32]byte, error) {
	canonical := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	data, err := json.Marshal(canonical)
	if err != nil {
		return [32]byte{}, fmt.Errorf("event: marshal canonical form: %w", err)
	}
	return sha256.Sum256(data), nil
}

// Sign fills in PubKey, ID, and Sig using the given private key. Tags and
// content must be final before calling.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	digest, err := e.digest()
	if err != nil {
		return err
	}
	e.ID = hex.EncodeToString(digest[:])

	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return fmt.Errorf("event: sign: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event's ID matches its canonical digest and that
// the signature is valid for the embedded public key. Events failing either
// check must be dropped by receivers.
func (e *Event) Verify() error {
	if e.Kind != KindAnnouncement && e.Kind != KindChatMessage {
		return fmt.Errorf("event: unknown kind %d", e.Kind)
	}

	digest, err := e.digest()
	if err != nil {
		return err
	}
	if e.ID != hex.EncodeToString(digest[:]) {
		return fmt.Errorf("event: id mismatch")
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("event: invalid pubkey encoding: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("event: invalid pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("event: invalid signature encoding: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("event: invalid signature: %w", err)
	}

	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("event: signature verification failed")
	}
	return nil
}

// ParsePubKey decodes a hex-encoded x-only public key into a full point,
// as needed for ECDH.
func ParsePubKey(pubkey string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil {
		return nil, fmt.Errorf("event: invalid pubkey encoding: %w", err)
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("event: invalid pubkey: %w", err)
	}
	return pub, nil
}
