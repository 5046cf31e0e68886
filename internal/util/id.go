// Package util holds random identifiers for sessions.
package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// NewID returns prefix_<32 hex chars>, or the bare hex when prefix is empty.
// Used for token IDs, which key revocation and the terms gate cache.
func NewID(prefix string) string {
	id := hex.EncodeToString(randomBytes(16))
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewSecret returns an unguessable URL-safe token of n random bytes.
func NewSecret(prefix string, n int) string {
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(randomBytes(n))
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}
