package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/notesync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.notesync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket         = []byte("app")
	notesBucket       = []byte("notes")
	credentialsBucket = []byte("credentials")

	saltKey           = []byte("salt")
	passphraseHashKey = []byte("passphrase_hash")
	lastResultKey     = []byte("last_result")
)

// syncedBucket holds the synced ledger for one provider. Switching
// providers starts from an empty ledger.
func syncedBucket(provider models.Provider) []byte {
	return []byte("synced:" + string(provider))
}

// State wraps a bbolt database for all persistent application state:
// the local note store, the per-provider synced ledger, provider
// credentials and encryption metadata.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.notesync/state.db.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// DefaultPath returns ~/.notesync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".notesync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, notesBucket, credentialsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// --- Installation metadata ---

// EnsureSalt returns the installation salt, generating and persisting
// one with gen on first use.
func (s *State) EnsureSalt(gen func() ([]byte, error)) ([]byte, error) {
	var salt []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		fresh, err := gen()
		if err != nil {
			return err
		}

		salt = fresh

		return b.Put(saltKey, fresh)
	})
	if err != nil {
		return nil, fmt.Errorf("loading installation salt: %w", err)
	}

	return salt, nil
}

// PassphraseHash returns the stored passphrase verification hash, or
// empty string when none has been recorded.
func (s *State) PassphraseHash() string {
	var hash string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(passphraseHashKey); v != nil {
			hash = string(v)
		}

		return nil
	})

	return hash
}

// SetPassphraseHash persists the passphrase verification hash.
func (s *State) SetPassphraseHash(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(passphraseHashKey, []byte(hash))
	})
}

// LastResult returns the most recent sync result, or nil if no cycle
// has completed.
func (s *State) LastResult() (*models.SyncResult, error) {
	var r *models.SyncResult

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(lastResultKey)
		if v == nil {
			return nil
		}

		r = &models.SyncResult{}

		return json.Unmarshal(v, r)
	})

	return r, err
}

// SetLastResult replaces the stored sync result.
func (s *State) SetLastResult(r models.SyncResult) error {
	return putJSON(s.db, appBucket, lastResultKey, r)
}

// --- Credentials ---

// Credentials returns the cached credential blob for a provider, or nil.
func (s *State) Credentials(provider models.Provider) ([]byte, error) {
	var creds []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(credentialsBucket).Get([]byte(provider)); v != nil {
			creds = append([]byte(nil), v...)
		}

		return nil
	})

	return creds, err
}

// SetCredentials caches a provider's credential blob.
func (s *State) SetCredentials(provider models.Provider, creds []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Put([]byte(provider), creds)
	})
}

// DeleteCredentials discards a provider's cached credentials.
func (s *State) DeleteCredentials(provider models.Provider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete([]byte(provider))
	})
}

// --- Synced ledger ---

// SyncedEntries returns the synced ledger for a provider keyed by note ID.
func (s *State) SyncedEntries(provider models.Provider) (map[string]models.SyncedEntry, error) {
	result := make(map[string]models.SyncedEntry)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncedBucket(provider))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var e models.SyncedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			result[string(k)] = e

			return nil
		})
	})

	return result, err
}

// SetSynced records the last confirmed version of a note for a provider.
func (s *State) SetSynced(provider models.Provider, e models.SyncedEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(syncedBucket(provider))
		if err != nil {
			return err
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put([]byte(e.ID), data)
	})
}

// DeleteSynced forgets a note in a provider's ledger.
func (s *State) DeleteSynced(provider models.Provider, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(syncedBucket(provider))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

func putJSON(db *bolt.DB, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

// sortNotes orders notes by ID so listings are deterministic.
func sortNotes(notes []models.Note) {
	sort.Slice(notes, func(i, j int) bool { return notes[i].ID < notes[j].ID })
}
