// Package auth provides authentication-related utilities and types
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// KeyPrefix marks docvault API keys so they are recognizable in logs and
// secret scanners without revealing anything about the key material.
const KeyPrefix = "dv_"

var keyPattern = regexp.MustCompile(`^dv_[a-f0-9]{48}$`)

// GenerateAPIKey generates a random API key of the form dv_<48 hex chars>
// (192 bits of entropy).
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(raw), nil
}

// ValidateAPIKeyFormat reports whether a string looks like a docvault API key.
func ValidateAPIKeyFormat(apiKey string) bool {
	return keyPattern.MatchString(apiKey)
}

// HashAPIKey hashes an API key for storage; only the hash is persisted.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// RedactAPIKey returns a loggable form of a key, keeping the prefix and the
// first four characters of the key material.
func RedactAPIKey(key string) string {
	if !strings.HasPrefix(key, KeyPrefix) || len(key) < len(KeyPrefix)+4 {
		return "invalid"
	}
	return key[:len(KeyPrefix)+4] + "..."
}
