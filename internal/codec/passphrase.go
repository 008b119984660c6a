package codec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// PassphraseHash returns hex(SHA-256(passphrase)). It is stored locally
// only so a re-entered passphrase can be checked; it is never the key
// and never leaves the device.
func PassphraseHash(passphrase string) string {
	h := sha256.Sum256([]byte(passphrase))
	return hex.EncodeToString(h[:])
}

// VerifyPassphrase reports whether passphrase matches a stored hash.
func VerifyPassphrase(passphrase, hash string) bool {
	got := PassphraseHash(passphrase)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}
