// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
)

// MaxNoteIDLen bounds note IDs so they fit file names and object keys.
const MaxNoteIDLen = 128

// ValidateNoteID rejects IDs that cannot be stored remotely: empty, dot
// segments, longer than MaxNoteIDLen, or anything outside
// [A-Za-z0-9._-].
func ValidateNoteID(id string) error {
	if id == "" || id == "." || id == ".." || len(id) > MaxNoteIDLen {
		return fmt.Errorf("%w %q", syncerr.ErrInvalidNoteID, id)
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w %q", syncerr.ErrInvalidNoteID, id)
		}
	}

	return nil
}

// Note is a locally stored note. Title, Content and Tags are opaque to
// sync; SyncVersion and LastSyncedDate are owned by the sync engine.
type Note struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedDate    time.Time `json:"created_date"`
	ModifiedDate   time.Time `json:"modified_date"`
	SyncVersion    int64     `json:"sync_version"`
	LastSyncedDate time.Time `json:"last_synced_date,omitempty"`
}

// HasUnsyncedEdits reports whether the note was modified after its last
// confirmed sync. Equal timestamps count as synced.
func (n Note) HasUnsyncedEdits() bool {
	return n.ModifiedDate.After(n.LastSyncedDate)
}

// ManifestEntry is the remote's per-note metadata, listable without
// downloading payloads. Invalid marks a record that exists but whose
// metadata cannot be read; only ID is meaningful then.
type ManifestEntry struct {
	ID           string    `json:"id"`
	SyncVersion  int64     `json:"sync_version"`
	ModifiedDate time.Time `json:"modified_date"`
	Invalid      bool      `json:"invalid,omitempty"`
}

// RemoteRecord is a manifest entry together with its encoded payload
// bundle. The payload always corresponds to SyncVersion.
type RemoteRecord struct {
	ID           string    `json:"id"`
	SyncVersion  int64     `json:"sync_version"`
	ModifiedDate time.Time `json:"modified_date"`
	Payload      []byte    `json:"payload"`
}

// Entry returns the manifest view of the record.
func (r RemoteRecord) Entry() ManifestEntry {
	return ManifestEntry{ID: r.ID, SyncVersion: r.SyncVersion, ModifiedDate: r.ModifiedDate}
}

// SyncedEntry records the last version of a note confirmed on both sides
// for one provider. Reconciliation uses it as the common ancestor to tell
// deletions from creations.
type SyncedEntry struct {
	ID          string    `json:"id"`
	SyncVersion int64     `json:"sync_version"`
	SyncedAt    time.Time `json:"synced_at"`
}
