package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	rawKeyBytes = 32
	keyIDLength = 8

	// ClientIDPrefixLength is how much of a credential the rate limiter may
	// use as a client id. Anything longer would leak secrets into logs.
	ClientIDPrefixLength = 16
)

// generateKey returns a fresh raw key and its display prefix.
func generateKey() (raw, keyID string, err error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, raw[:keyIDLength], nil
}

// hashKey derives the stored lookup hash for a raw key.
func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
