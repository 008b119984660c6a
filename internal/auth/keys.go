// Package auth guards the HTTP API with static bearer API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const (
	// APIKeyPrefix distinguishes notesync API keys from other bearer tokens.
	APIKeyPrefix = "ns_"

	// APIKeyMinLen is the prefix plus 16 random bytes in hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is a configured key and the user it authenticates.
type APIKey struct {
	UserID string
	Key    string
}

// Keys validates presented API keys. Keys are held as SHA-256 digests
// and compared in constant time.
type Keys struct {
	entries []keyEntry
}

type keyEntry struct {
	userID string
	digest [sha256.Size]byte
}

// NewKeys builds a validator for the given keys.
func NewKeys(keys []APIKey) *Keys {
	k := &Keys{entries: make([]keyEntry, 0, len(keys))}
	for _, key := range keys {
		k.entries = append(k.entries, keyEntry{userID: key.UserID, digest: sha256.Sum256([]byte(key.Key))})
	}

	return k
}

// Enabled reports whether any key is configured.
func (k *Keys) Enabled() bool {
	return k != nil && len(k.entries) > 0
}

// Validate returns the user for token, or false. Every configured key is
// compared so timing does not reveal which one matched.
func (k *Keys) Validate(token string) (string, bool) {
	if k == nil {
		return "", false
	}

	digest := sha256.Sum256([]byte(token))

	userID := ""
	found := 0

	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			userID = e.userID
			found = 1
		}
	}

	return userID, found == 1
}

// GenerateAPIKey returns a new random key in the configured format.
func GenerateAPIKey() (string, error) {
	b := make([]byte, (APIKeyMinLen-len(APIKeyPrefix))/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}
