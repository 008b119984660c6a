// Package transport defines the remote storage contract and the pieces
// shared by every provider backend.
package transport

//go:generate mockgen -source=transport.go -destination=mock_transport.go -package=transport

import (
	"context"
	"errors"
	"fmt"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

// Transport stores one record per note on a remote provider. A record's
// SyncVersion, ModifiedDate and Payload are written together: a reader
// never observes a payload paired with another version's metadata.
type Transport interface {
	// ListManifest returns metadata for every remote record.
	ListManifest(ctx context.Context) ([]models.ManifestEntry, error)
	// GetPayload returns a record with its encoded payload. Missing
	// records return an error wrapping errors.ErrNotFound.
	GetPayload(ctx context.Context, id string) (models.RemoteRecord, error)
	// PutRecord creates or replaces a record. It returns only after the
	// provider has durably accepted the write.
	PutRecord(ctx context.Context, rec models.RemoteRecord) error
	// DeleteRecord removes a record. Deleting a missing record succeeds.
	DeleteRecord(ctx context.Context, id string) error
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ValidateID rejects IDs that cannot be used safely as a file name or
// object key suffix. See models.ValidateNoteID for the rules.
func ValidateID(id string) error {
	if err := models.ValidateNoteID(id); err != nil {
		return fmt.Errorf("%w: %w", syncerr.ErrInvalidRecord, err)
	}

	return nil
}
