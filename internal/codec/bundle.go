package codec

import (
	"encoding/binary"
	"fmt"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
)

// Bundle format versions.
const (
	VersionPlain  byte = 0
	VersionAESGCM byte = 1
)

// Bundle is a self-describing payload envelope. Plaintext bundles carry
// the payload in Ciphertext with no salt, nonce or tag.
type Bundle struct {
	Version    byte
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Encrypted reports whether the bundle holds ciphertext.
func (b Bundle) Encrypted() bool {
	return b.Version != VersionPlain
}

// MarshalBinary encodes the bundle as
// [version][saltLen][salt][nonceLen][nonce][tagLen][tag][uvarint len][ciphertext].
func (b Bundle) MarshalBinary() ([]byte, error) {
	for name, field := range map[string][]byte{"salt": b.Salt, "nonce": b.Nonce, "tag": b.Tag} {
		if len(field) > 255 {
			return nil, fmt.Errorf("bundle %s too long: %d bytes", name, len(field))
		}
	}

	out := make([]byte, 0, 4+len(b.Salt)+len(b.Nonce)+len(b.Tag)+binary.MaxVarintLen64+len(b.Ciphertext))
	out = append(out, b.Version)
	out = append(out, byte(len(b.Salt)))
	out = append(out, b.Salt...)
	out = append(out, byte(len(b.Nonce)))
	out = append(out, b.Nonce...)
	out = append(out, byte(len(b.Tag)))
	out = append(out, b.Tag...)
	out = binary.AppendUvarint(out, uint64(len(b.Ciphertext)))
	out = append(out, b.Ciphertext...)

	return out, nil
}

// ParseBundle decodes a bundle produced by MarshalBinary. Truncated or
// trailing data wraps errors.ErrDecryption.
func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle

	if len(data) == 0 {
		return b, fmt.Errorf("%w: empty bundle", syncerr.ErrDecryption)
	}

	b.Version = data[0]
	rest := data[1:]

	var ok bool

	if b.Salt, rest, ok = readShort(rest); !ok {
		return Bundle{}, fmt.Errorf("%w: truncated salt", syncerr.ErrDecryption)
	}

	if b.Nonce, rest, ok = readShort(rest); !ok {
		return Bundle{}, fmt.Errorf("%w: truncated nonce", syncerr.ErrDecryption)
	}

	if b.Tag, rest, ok = readShort(rest); !ok {
		return Bundle{}, fmt.Errorf("%w: truncated tag", syncerr.ErrDecryption)
	}

	n, size := binary.Uvarint(rest)
	if size <= 0 || uint64(len(rest)-size) != n {
		return Bundle{}, fmt.Errorf("%w: ciphertext length mismatch", syncerr.ErrDecryption)
	}

	b.Ciphertext = append([]byte(nil), rest[size:]...)

	return b, nil
}

func readShort(data []byte) (field, rest []byte, ok bool) {
	if len(data) < 1 {
		return nil, nil, false
	}

	n := int(data[0])
	if len(data) < 1+n {
		return nil, nil, false
	}

	if n == 0 {
		return nil, data[1:], true
	}

	return append([]byte(nil), data[1:1+n]...), data[1+n:], true
}
