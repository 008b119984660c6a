package engine

import (
	"fmt"

	"github.com/alexjbarnes/notesync/internal/codec"
	syncerr "github.com/alexjbarnes/notesync/internal/errors"
)

// codecCache holds the codec built for the current passphrase and
// encryption flag so key derivation runs once per change.
type codecCache struct {
	passphrase string
	encrypt    bool
	codec      *codec.Codec
}

// codecFor returns the codec for this cycle. Encryption without a
// passphrase fails with errors.ErrNoPassphrase.
func (e *Engine) codecFor(encrypt bool) (*codec.Codec, error) {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()

	if encrypt && e.passphrase == "" {
		return nil, syncerr.ErrNoPassphrase
	}

	if c := e.codecs; c.codec != nil && c.passphrase == e.passphrase && c.encrypt == encrypt {
		return c.codec, nil
	}

	salt, err := e.store.EnsureSalt(codec.NewSalt)
	if err != nil {
		return nil, err
	}

	if e.passphrase != "" && e.store.PassphraseHash() == "" {
		if err := e.store.SetPassphraseHash(codec.PassphraseHash(e.passphrase)); err != nil {
			return nil, fmt.Errorf("storing passphrase hash: %w", err)
		}
	}

	c := codec.New(e.passphrase, salt, encrypt)
	e.codecs = codecCache{passphrase: e.passphrase, encrypt: encrypt, codec: c}

	return c, nil
}

// SetPassphrase replaces the passphrase used from the next cycle on and
// records its verification hash.
func (e *Engine) SetPassphrase(passphrase string) error {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()

	e.passphrase = passphrase
	e.codecs = codecCache{}

	if passphrase == "" {
		return nil
	}

	if err := e.store.SetPassphraseHash(codec.PassphraseHash(passphrase)); err != nil {
		return fmt.Errorf("storing passphrase hash: %w", err)
	}

	return nil
}

// VerifyPassphrase reports whether passphrase matches the recorded
// hash. It fails with errors.ErrNoPassphrase when none was recorded.
func (e *Engine) VerifyPassphrase(passphrase string) (bool, error) {
	hash := e.store.PassphraseHash()
	if hash == "" {
		return false, syncerr.ErrNoPassphrase
	}

	return codec.VerifyPassphrase(passphrase, hash), nil
}

// aad binds a payload to its note and version.
func aad(id string, version int64) []byte {
	return fmt.Appendf(nil, "%s:%d", id, version)
}
