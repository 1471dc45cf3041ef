package aesctr

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Cipher holds an expanded AES key for repeated CTR operations.
// It is safe for concurrent use: every call builds its own stream.
type Cipher struct {
	block cipher.Block
}

// NewCipher expands key into a reusable Cipher.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Cipher{block: block}, nil
}

// XOR runs the CTR keystream for nonce over src. Encryption and decryption
// are the same operation.
func (c *Cipher) XOR(nonce Nonce, src []byte) []byte {
	dst := make([]byte, len(src))
	cipher.NewCTR(c.block, nonce[:]).XORKeyStream(dst, src)
	return dst
}

// Encrypt encrypts plaintext with key and nonce.
func Encrypt(key []byte, nonce Nonce, plaintext []byte) ([]byte, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return c.XOR(nonce, plaintext), nil
}

// Decrypt decrypts ciphertext with key and nonce.
func Decrypt(key []byte, nonce Nonce, ciphertext []byte) ([]byte, error) {
	return Encrypt(key, nonce, ciphertext)
}
