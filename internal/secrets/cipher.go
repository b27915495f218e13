// Package secrets seals credential plaintexts with AES-256-GCM under a
// process-wide key so API secrets are never stored or logged in the clear.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// MinSecretLen is the minimum accepted plaintext length at the admin boundary.
const MinSecretLen = 10

var (
	// ErrEmptyKey is returned when the cipher is constructed without a key.
	ErrEmptyKey = errors.New("secrets: encryption key is empty")
	// ErrSecretTooShort is returned for plaintexts below MinSecretLen.
	ErrSecretTooShort = fmt.Errorf("secrets: secret shorter than %d characters", MinSecretLen)
)

// Cipher seals and opens credential secrets. The 256-bit AES key is derived
// from the configured passphrase with SHA-256, so any non-empty ENCRYPTION_KEY
// value works. Ciphertexts are base64(nonce || gcm ciphertext).
type Cipher struct {
	key [32]byte
}

// NewCipher derives a cipher from the configured passphrase.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}
	return &Cipher{key: sha256.Sum256([]byte(passphrase))}, nil
}

// Seal encrypts a plaintext secret and returns an opaque text encoding.
func (c *Cipher) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a ciphertext produced by Seal.
func (c *Cipher) Open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("secrets: ciphertext too short")
	}
	nonce, data := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plain), nil
}

// ValidateSecret enforces the admin-boundary minimum length rule.
func ValidateSecret(plaintext string) error {
	if len(plaintext) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}
