package secrets

import (
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher("test-encryption-key")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	ct, err := c.Seal("sk-or-v1-abcdef0123456789")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(ct, "abcdef") {
		t.Error("ciphertext leaks plaintext")
	}

	got, err := c.Open(ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "sk-or-v1-abcdef0123456789" {
		t.Errorf("Open = %q, want original plaintext", got)
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	c, _ := NewCipher("test-encryption-key")
	a, _ := c.Seal("same-secret-value")
	b, _ := c.Seal("same-secret-value")
	if a == b {
		t.Error("expected random nonce to produce distinct ciphertexts")
	}
}

func TestOpenWrongKey(t *testing.T) {
	c1, _ := NewCipher("key-one")
	c2, _ := NewCipher("key-two")
	ct, _ := c1.Seal("some-secret-value")
	if _, err := c2.Open(ct); err == nil {
		t.Error("expected error opening with a different key")
	}
}

func TestOpenGarbage(t *testing.T) {
	c, _ := NewCipher("test-encryption-key")
	if _, err := c.Open("not base64!!!"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := c.Open("YWJj"); err == nil { // valid base64, too short
		t.Error("expected ciphertext-too-short error")
	}
}

func TestNewCipherEmptyKey(t *testing.T) {
	if _, err := NewCipher(""); err != ErrEmptyKey {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret("short"); err == nil {
		t.Error("expected rejection of short secret")
	}
	if err := ValidateSecret("long-enough-secret"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
