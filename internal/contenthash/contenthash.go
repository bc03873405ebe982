// Package contenthash derives the content address used for dedup and ETags.
package contenthash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Matches reports whether b hashes to digest.
func Matches(b []byte, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(Digest(b)), []byte(digest)) == 1
}
