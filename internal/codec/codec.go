// Package codec turns notes into encrypted payload bundles and back.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32

	// SaltLen is the length of a freshly generated installation salt.
	SaltLen = 16

	hkdfInfo = "notesync payload v1"
)

// DeriveKey derives a 32-byte key from passphrase and salt using scrypt
// followed by HKDF-SHA256. The passphrase is NFKC-normalised first so
// visually identical input on different keyboards yields the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)

	master, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	r := hkdf.New(sha256.New, master, salt, []byte(hkdfInfo))

	key := make([]byte, scryptKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("expanding key: %w", err)
	}

	clear(master)

	return key, nil
}

// NewSalt returns SaltLen random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// Codec encrypts payloads under the installation salt and decrypts
// bundles produced under any salt, deriving and caching one AEAD per salt.
// With encryption disabled it emits plaintext bundles but can still open
// encrypted ones when a passphrase is known.
type Codec struct {
	passphrase string
	salt       []byte
	encrypt    bool

	mu   sync.Mutex
	aead map[string]cipher.AEAD
}

// New creates a codec. salt is the installation salt used for new bundles.
func New(passphrase string, salt []byte, encrypt bool) *Codec {
	return &Codec{
		passphrase: passphrase,
		salt:       append([]byte(nil), salt...),
		encrypt:    encrypt,
		aead:       make(map[string]cipher.AEAD),
	}
}

// Encrypts reports whether Encrypt produces ciphertext.
func (c *Codec) Encrypts() bool {
	return c.encrypt
}

// Encrypt seals plaintext into a bundle. aad is bound to the ciphertext
// and must be supplied unchanged to Decrypt.
func (c *Codec) Encrypt(plaintext, aad []byte) (Bundle, error) {
	if !c.encrypt {
		return Bundle{Version: VersionPlain, Ciphertext: append([]byte(nil), plaintext...)}, nil
	}

	if c.passphrase == "" {
		return Bundle{}, syncerr.ErrNoPassphrase
	}

	gcm, err := c.cipherFor(c.salt)
	if err != nil {
		return Bundle{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Bundle{}, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - gcm.Overhead()

	return Bundle{
		Version:    VersionAESGCM,
		Salt:       append([]byte(nil), c.salt...),
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens a bundle. Every failure wraps errors.ErrDecryption:
// wrong passphrase, tampering, aad mismatch and unknown format versions
// all fail closed.
func (c *Codec) Decrypt(b Bundle, aad []byte) ([]byte, error) {
	switch b.Version {
	case VersionPlain:
		return append([]byte(nil), b.Ciphertext...), nil
	case VersionAESGCM:
	default:
		return nil, fmt.Errorf("%w: unsupported bundle version %d", syncerr.ErrDecryption, b.Version)
	}

	if c.passphrase == "" {
		return nil, fmt.Errorf("%w: payload is encrypted and no passphrase is configured", syncerr.ErrDecryption)
	}

	gcm, err := c.cipherFor(b.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryption, err)
	}

	if len(b.Nonce) != gcm.NonceSize() || len(b.Tag) != gcm.Overhead() {
		return nil, fmt.Errorf("%w: malformed nonce or tag", syncerr.ErrDecryption)
	}

	sealed := make([]byte, 0, len(b.Ciphertext)+len(b.Tag))
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.Tag...)

	plain, err := gcm.Open(nil, b.Nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrDecryption, err)
	}

	return plain, nil
}

func (c *Codec) cipherFor(salt []byte) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gcm, ok := c.aead[string(salt)]; ok {
		return gcm, nil
	}

	key, err := DeriveKey(c.passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	c.aead[string(salt)] = gcm

	return gcm, nil
}
