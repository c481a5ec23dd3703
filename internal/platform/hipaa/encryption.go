package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// FieldCipher seals individual PHI fields with AES-256-GCM. The caller passes
// a binding (usually the owning row id) as associated data so a ciphertext
// cannot be moved onto another row.
type FieldCipher struct {
	aead cipher.AEAD
}

func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: create GCM: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Seal returns base64(nonce || ciphertext). An empty plaintext seals to "".
func (f *FieldCipher) Seal(plaintext, binding string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("field seal: nonce: %w", err)
	}
	out := f.aead.Seal(nonce, nonce, []byte(plaintext), []byte(binding))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (f *FieldCipher) Open(sealed, binding string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("field open: base64: %w", err)
	}
	n := f.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("field open: ciphertext too short")
	}
	plain, err := f.aead.Open(nil, data[:n], data[n:], []byte(binding))
	if err != nil {
		return "", fmt.Errorf("field open: %w", err)
	}
	return string(plain), nil
}

// Sealer is the subset of FieldCipher the repositories depend on.
type Sealer interface {
	Seal(plaintext, binding string) (string, error)
	Open(sealed, binding string) (string, error)
}

// NopSealer stores values as-is. Used when no encryption key is configured.
type NopSealer struct{}

func (NopSealer) Seal(plaintext, _ string) (string, error) { return plaintext, nil }
func (NopSealer) Open(sealed, _ string) (string, error)    { return sealed, nil }
