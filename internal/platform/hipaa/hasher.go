package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

var ErrEmptyNationalID = errors.New("national id is empty")

// IdentityHasher derives the registry key for a national identity number. The
// raw number never leaves this type; only the keyed digest is stored.
type IdentityHasher struct {
	key []byte
}

func NewIdentityHasher(key []byte) (*IdentityHasher, error) {
	if len(key) < 32 {
		return nil, errors.New("identity hasher: key must be at least 32 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &IdentityHasher{key: k}, nil
}

// Hash returns lowercase hex HMAC-SHA256 over the normalised national id.
func (h *IdentityHasher) Hash(nationalID string) (string, error) {
	norm := NormalizeNationalID(nationalID)
	if norm == "" {
		return "", ErrEmptyNationalID
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(norm))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// String keeps the key out of logs and fmt output.
func (h *IdentityHasher) String() string { return "IdentityHasher{key:redacted}" }

// NormalizeNationalID drops whitespace and dashes and upper-cases letters.
func NormalizeNationalID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
