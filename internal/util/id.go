package util

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes gives 24 hex characters, short enough to read in an index key
// (data:<ts>:<id>) while still collision-safe for a single portfolio.
const idBytes = 12

// NewID returns a URL-safe hex id. It names photo records and, when the
// caller sends none, request correlation ids.
func NewID() string {
	b := make([]byte, idBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
