package aesctr

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

const (
	testKey      = "263094c3aa28cb42f3965a1020cb21a7"
	testTemplate = "01000000ccba9720b4bc268100000000"
)

func mustTemplate(t *testing.T) Nonce {
	t.Helper()
	n, err := ParseNonce(testTemplate)
	if err != nil {
		t.Fatalf("ParseNonce returned error: %v", err)
	}
	return n
}

func TestDeriveUplinkNonceLayout(t *testing.T) {
	n := DeriveUplinkNonce(mustTemplate(t), 0x1234, 5)
	want := "0100" + "1234" + "ccba9720b4bc2681" + "00000005"
	if got := n.String(); got != want {
		t.Fatalf("nonce=%s, want %s", got, want)
	}
}

func TestDeriveUplinkNonceDistinctPerSequence(t *testing.T) {
	tmpl := mustTemplate(t)
	seen := make(map[Nonce]uint32)
	for seq := uint32(1); seq <= 2000; seq++ {
		n := DeriveUplinkNonce(tmpl, 120, seq)
		if prev, ok := seen[n]; ok {
			t.Fatalf("seq %d reuses nonce of seq %d", seq, prev)
		}
		seen[n] = seq
	}
}

func TestEncryptMatchesCTRVector(t *testing.T) {
	// NIST SP 800-38A F.5.1, first block.
	key, _ := hex.DecodeString("2b7e151628aed2a6abf7158809cf4f3c")
	var nonce Nonce
	iv, _ := hex.DecodeString("f0f1f2f3f4f5f6f7f8f9fafbfcfdfeff")
	copy(nonce[:], iv)
	pt, _ := hex.DecodeString("6bc1bee22e409f96e93d7e117393172a")

	ct, err := Encrypt(key, nonce, pt)
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if got := hex.EncodeToString(ct); got != "874d6191b620e3261bef6864990db6ce" {
		t.Fatalf("ciphertext=%s, want 874d6191b620e3261bef6864990db6ce", got)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := ParseKey(testKey)
	if err != nil {
		t.Fatalf("ParseKey returned error: %v", err)
	}
	nonce := mustTemplate(t)
	for _, size := range []int{0, 1, 15, 16, 17, 333, 4000} {
		pt := make([]byte, size)
		for i := range pt {
			pt[i] = byte(i*7 + size)
		}
		ct, err := Encrypt(key, nonce, pt)
		if err != nil {
			t.Fatalf("Encrypt(%d) returned error: %v", size, err)
		}
		got, err := Decrypt(key, nonce, ct)
		if err != nil {
			t.Fatalf("Decrypt(%d) returned error: %v", size, err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip of %d bytes mismatched", size)
		}
	}
}

func TestSealOpen(t *testing.T) {
	key, _ := ParseKey(testKey)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher returned error: %v", err)
	}
	payload := []byte("opus frame bytes")
	packet := c.Seal(mustTemplate(t), 9, payload)
	if len(packet) != NonceSize+len(payload) {
		t.Fatalf("packet len=%d, want %d", len(packet), NonceSize+len(payload))
	}
	want := DeriveUplinkNonce(mustTemplate(t), len(payload), 9)
	if !bytes.Equal(packet[:NonceSize], want[:]) {
		t.Fatalf("packet nonce=%x, want %x", packet[:NonceSize], want[:])
	}
	got, err := c.Open(packet)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Open payload=%q, want %q", got, payload)
	}
}

func TestOpenShortPacket(t *testing.T) {
	key, _ := ParseKey(testKey)
	c, _ := NewCipher(key)
	if _, err := c.Open(make([]byte, NonceSize-1)); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("Open error=%v, want ErrShortPacket", err)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	if _, err := ParseKey("abcd"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("ParseKey(short) error=%v, want ErrInvalidKey", err)
	}
	if _, err := ParseKey("zz"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("ParseKey(non-hex) error=%v, want ErrInvalidKey", err)
	}
	if _, err := ParseNonce("0100"); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("ParseNonce(short) error=%v, want ErrInvalidNonce", err)
	}
}
