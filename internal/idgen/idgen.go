// Package idgen provides cryptographically random identifiers: score event
// ids ("evt_"), request ids and API key material.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	return hex.EncodeToString(Bytes(numBytes))
}

// Bytes returns n random bytes. It panics if the system source fails, which
// leaves no safe way to continue.
func Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
