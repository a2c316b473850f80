// Package sha256 derives content-addressed digests for cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements converter.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a SHA-256 hasher whose hex digests are truncated to length
// characters. A length of zero or above 64 keeps the full digest.
func New(length int) *Hasher {
	if length <= 0 || length > hex.EncodedLen(sha256.Size) {
		length = hex.EncodedLen(sha256.Size)
	}
	return &Hasher{length: length}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}
