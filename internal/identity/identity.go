// Package identity produces the ephemeral participant identity: a fresh
// secp256k1 keypair plus random session and browser-instance identifiers.
// Nothing here is persisted; a reset always starts from a new keypair.
package identity

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
)

// Identity holds one participant's keys and discriminators for the lifetime
// of a single chat attempt.
type Identity struct {
	priv *btcec.PrivateKey

	// PubKey is the participant's address on the event network,
	// hex-encoded x-only.
	PubKey string

	// SessionID changes whenever the participant restarts looking.
	SessionID string

	// BrowserID discriminates tabs on the same machine. It is advisory
	// only: self-matching is decided by public key equality, never by this.
	BrowserID string
}

// New generates a fresh identity. browserID may carry over from a previous
// identity on the same tab; pass "" to mint a new one.
func New(browserID string) (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if browserID == "" {
		browserID = uuid.New().String()
	}
	return &Identity{
		priv:      priv,
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		SessionID: uuid.New().String(),
		BrowserID: browserID,
	}, nil
}

// PrivateKey exposes the signing/ECDH key to the event and encryption layers.
func (id *Identity) PrivateKey() *btcec.PrivateKey {
	return id.priv
}
