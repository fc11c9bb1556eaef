package chat

import (
	"fmt"
	"unicode/utf8"
)

// Outgoing text limits. MaxPlainBytes bounds the plaintext; the sealed
// payload adds the 24-byte nonce and 16-byte AEAD tag and then grows ~4/3
// under base64, so the published event stays a small, predictable size.
const (
	MaxTextChars  = 2000
	MaxPlainBytes = 4096
)

// ValidateText rejects text the session must not publish: empty, oversized,
// or not valid UTF-8. Inbound content is not re-validated here; signature
// verification and authenticated decryption already gate it.
func ValidateText(text string) error {
	switch {
	case text == "":
		return fmt.Errorf("chat: empty message")
	case !utf8.ValidString(text):
		return fmt.Errorf("chat: message is not valid UTF-8")
	case utf8.RuneCountInString(text) > MaxTextChars:
		return fmt.Errorf("chat: message exceeds %d characters", MaxTextChars)
	case len(text) > MaxPlainBytes:
		return fmt.Errorf("chat: message exceeds %d bytes", MaxPlainBytes)
	}
	return nil
}
