package models

import (
	"fmt"
	"time"
)

// Provider identifies a storage provider.
type Provider string

const (
	ProviderNone        Provider = "none"
	ProviderOneDrive    Provider = "onedrive"
	ProviderGoogleDrive Provider = "googledrive"
	ProviderS3          Provider = "s3"
)

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderNone, ProviderOneDrive, ProviderGoogleDrive, ProviderS3:
		return p, nil
	case "":
		return ProviderNone, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// CloudSyncSettings is the configuration snapshot read at the start of
// each sync cycle.
type CloudSyncSettings struct {
	IsEnabled           bool     `json:"is_enabled"`
	Provider            Provider `json:"provider"`
	SyncIntervalSeconds int      `json:"sync_interval_seconds"`
	EncryptData         bool     `json:"encrypt_data"`
}

// Interval returns the periodic sync interval. Non-positive values
// fall back to five minutes.
func (s CloudSyncSettings) Interval() time.Duration {
	if s.SyncIntervalSeconds <= 0 {
		return 5 * time.Minute
	}

	return time.Duration(s.SyncIntervalSeconds) * time.Second
}

// SyncStatus is the connection and sync lifecycle state.
type SyncStatus int32

const (
	StatusDisconnected SyncStatus = iota
	StatusConnecting
	StatusIdle
	StatusSyncing
	StatusError
)

func (s SyncStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// MarshalText encodes the status by name.
func (s SyncStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name written by MarshalText.
func (s *SyncStatus) UnmarshalText(text []byte) error {
	for st := StatusDisconnected; st <= StatusError; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}

	return fmt.Errorf("unknown sync status %q", text)
}

// Resolution is the outcome chosen for a conflict.
type Resolution int

const (
	ResolutionNone Resolution = iota
	ResolutionKeepLocal
	ResolutionKeepRemote
	ResolutionMerge
)

func (r Resolution) String() string {
	switch r {
	case ResolutionKeepLocal:
		return "keep_local"
	case ResolutionKeepRemote:
		return "keep_remote"
	case ResolutionMerge:
		return "merge"
	default:
		return "none"
	}
}

// ParseResolution maps a decision name back to its Resolution. The
// empty string and "none" both mean no decision.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "", "none":
		return ResolutionNone, nil
	case "keep_local":
		return ResolutionKeepLocal, nil
	case "keep_remote":
		return ResolutionKeepRemote, nil
	case "merge":
		return ResolutionMerge, nil
	default:
		return ResolutionNone, fmt.Errorf("unknown resolution %q", s)
	}
}

// ConflictKind distinguishes the two shapes of conflict.
type ConflictKind int

const (
	// ConflictEdit means both sides edited the same note.
	ConflictEdit ConflictKind = iota
	// ConflictDeleteEdit means the note was deleted locally while the
	// remote copy was edited.
	ConflictDeleteEdit
)

func (k ConflictKind) String() string {
	if k == ConflictDeleteEdit {
		return "delete_edit"
	}

	return "edit"
}

// NoteFailure records one note that could not be processed in a cycle.
type NoteFailure struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// SyncResult summarises one sync cycle.
type SyncResult struct {
	SessionID         string        `json:"session_id,omitempty"`
	Success           bool          `json:"success"`
	NotesUploaded     int           `json:"notes_uploaded"`
	NotesDownloaded   int           `json:"notes_downloaded"`
	NotesDeleted      int           `json:"notes_deleted"`
	ConflictsDetected int           `json:"conflicts_detected"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Failures          []NoteFailure `json:"failures,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitzero"`
	CompletedAt       time.Time     `json:"completed_at"`
}

// SyncProgress is an in-flight progress event.
type SyncProgress struct {
	SessionID       string `json:"session_id"`
	Operation       string `json:"operation"`
	ProgressPercent int    `json:"progress_percent"`
	Message         string `json:"message"`
}
