// Package integrity implements per-chunk hashing and constant-time
// verification as specified in §4.3.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
)

// Hash is a SHA-256 digest of a chunk's payload.
type Hash [32]byte

// HashChunk computes the SHA-256 digest of payload.
func HashChunk(payload []byte) Hash {
	return Hash(sha256.Sum256(payload))
}

// VerifyChunk reports whether payload hashes to expected, using a
// constant-time comparison so verification does not leak timing
// information about where a mismatch occurs.
func VerifyChunk(payload []byte, expected Hash) bool {
	got := HashChunk(payload)
	return subtle.ConstantTimeCompare(got[:], expected[:]) == 1
}
