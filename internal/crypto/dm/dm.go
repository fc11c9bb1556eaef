// Package dm implements pairwise message encryption for chat sessions. Both
// sides derive the same symmetric key from an ECDH exchange over their
// secp256k1 keys (HKDF-SHA256), and messages are sealed with
// XChaCha20-Poly1305. Decryption fails closed: a message that does not
// authenticate is dropped by the caller.
package dm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/driftchat/drift/internal/event"
)

// ErrDecrypt is returned when a ciphertext cannot be authenticated or
// decoded. Callers drop the message and log.
var ErrDecrypt = errors.New("dm: decryption failed")

const keyInfo = "drift-dm-v1"

// sessionKey derives the shared symmetric key for the pair (our private key,
// peer's public key). The derivation is symmetric, so both sides compute the
// same key.
func sessionKey(priv *btcec.PrivateKey, peerPubKey string) ([]byte, error) {
	pub, err := event.ParsePubKey(peerPubKey)
	if err != nil {
		return nil, fmt.Errorf("dm: peer key: %w", err)
	}

	shared := btcec.GenerateSharedSecret(priv, pub)

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("dm: derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for the peer and returns base64(nonce || box).
func Encrypt(priv *btcec.PrivateKey, peerPubKey, plaintext string) (string, error) {
	key, err := sessionKey(priv, peerPubKey)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("dm: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("dm: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt on the other side of the
// pair. Any decoding or authentication failure is reported as ErrDecrypt.
func Decrypt(priv *btcec.PrivateKey, peerPubKey, ciphertext string) (string, error) {
	key, err := sessionKey(priv, peerPubKey)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("dm: init cipher: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, box := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
