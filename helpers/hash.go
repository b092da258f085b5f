package helpers

import (
	"encoding/hex"
	"hash"

	"lukechampine.com/blake3"
)

// HashContent returns the hex encoded BLAKE3-256 digest of data. Message
// bodies are stored under this key.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewContentHasher returns a streaming hasher producing the same digest as
// HashContent once all content has been written.
func NewContentHasher() hash.Hash {
	return blake3.New(32, nil)
}

// ContentKey formats the sum of a hasher from NewContentHasher.
func ContentKey(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
