package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewToken returns n random bytes hex-encoded. Used for session
// identifiers and CSRF secrets, so n must come from crypto/rand.
func NewToken(n int) string {
	bytes := make([]byte, n)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
