package security

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"query":"childcare subsidy"}`)

	nonce, ciphertext, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext must not contain the plaintext")
	}

	got, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	nonce, ciphertext, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ciphertext[0] ^= 0xff
	if _, err := Open(key, nonce, ciphertext); err == nil {
		t.Fatal("tampered ciphertext must not open")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	nonce, ciphertext, err := Seal(testKey(t), []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(testKey(t), nonce, ciphertext); err == nil {
		t.Fatal("a different key must not open the ciphertext")
	}
}

func TestSealUniqueNonces(t *testing.T) {
	key := testKey(t)
	n1, _, err := Seal(key, []byte("a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	n2, _, err := Seal(key, []byte("a"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(n1, n2) {
		t.Fatal("nonces must be unique per seal")
	}
}
