package aesctr

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// NonceSize is the length of a packet nonce in bytes.
const NonceSize = 16

var (
	// ErrInvalidNonce reports a nonce template that is not 16 bytes of hex.
	ErrInvalidNonce = errors.New("aesctr: invalid nonce")
	// ErrInvalidKey reports a key that is not a valid AES key in hex.
	ErrInvalidKey = errors.New("aesctr: invalid key")
)

// Nonce is a 16-byte CTR initial counter block.
type Nonce [NonceSize]byte

// String returns the nonce as lowercase hex.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// ParseNonce decodes a hex nonce template as sent in the hello response.
func ParseNonce(raw string) (Nonce, error) {
	var n Nonce
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNonce, err)
	}
	if len(b) != NonceSize {
		return n, fmt.Errorf("%w: %d bytes", ErrInvalidNonce, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// ParseKey decodes a hex AES key. Only 16, 24 and 32 byte keys are accepted.
func ParseKey(raw string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch len(b) {
	case 16, 24, 32:
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(b))
	}
}

// DeriveUplinkNonce builds the nonce for one outbound packet. The length is
// truncated to 16 bits, matching the 4 hex characters it occupies on the wire.
func DeriveUplinkNonce(template Nonce, ciphertextLen int, seq uint32) Nonce {
	n := template
	binary.BigEndian.PutUint16(n[2:4], uint16(ciphertextLen))
	binary.BigEndian.PutUint32(n[12:16], seq)
	return n
}
