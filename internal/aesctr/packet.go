package aesctr

import (
	"crypto/cipher"
	"errors"
	"fmt"
)

// ErrShortPacket reports a datagram too small to hold a nonce.
var ErrShortPacket = errors.New("aesctr: packet shorter than nonce")

// Seal encrypts payload for uplink sequence seq and returns nonce||ciphertext.
func (c *Cipher) Seal(template Nonce, seq uint32, payload []byte) []byte {
	nonce := DeriveUplinkNonce(template, len(payload), seq)
	out := make([]byte, NonceSize+len(payload))
	copy(out, nonce[:])
	cipher.NewCTR(c.block, nonce[:]).XORKeyStream(out[NonceSize:], payload)
	return out
}

// Open splits a downlink packet into its nonce prefix and decrypts the rest.
func (c *Cipher) Open(packet []byte) ([]byte, error) {
	if len(packet) < NonceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(packet))
	}
	var nonce Nonce
	copy(nonce[:], packet[:NonceSize])
	return c.XOR(nonce, packet[NonceSize:]), nil
}
