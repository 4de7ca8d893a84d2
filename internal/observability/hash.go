package observability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// hashLength is the number of hex characters kept from the digest.
const hashLength = 16

// HashFunc maps an identifier to a stable opaque token for logs and keys.
type HashFunc func(value string) string

// Hasher produces keyed, truncated HMAC-SHA256 digests so that tenant and
// user identifiers can be correlated across log lines without being exposed.
type Hasher struct {
	key []byte
}

// NewHasher creates a hasher keyed with key. An empty key still produces
// stable digests but they are not secret.
func NewHasher(key string) *Hasher {
	return &Hasher{key: []byte(key)}
}

// Hash returns the truncated hex digest of value. Empty input hashes to "".
func (h *Hasher) Hash(value string) string {
	if value == "" {
		return ""
	}
	var key []byte
	if h != nil {
		key = h.key
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:hashLength]
}

// Func returns h.Hash as a HashFunc.
func (h *Hasher) Func() HashFunc {
	return h.Hash
}
