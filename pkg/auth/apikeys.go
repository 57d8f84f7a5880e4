package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const apiKeyPrefix = "claw_"

// GenerateAPIKey returns a new plaintext API key and its storage hash.
// The plaintext is shown to the caller exactly once; only the hash is persisted.
func GenerateAPIKey() (plaintext, hash string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	plaintext = apiKeyPrefix + hex.EncodeToString(raw)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey computes the at-rest hash of an API key
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey compares a presented key with a stored hash in constant time
func VerifyAPIKey(plaintext, storedHash string) bool {
	if !strings.HasPrefix(plaintext, apiKeyPrefix) {
		return false
	}
	computed := HashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
