package errors

import "errors"

// Remote errors.
var (
	ErrAuthentication = errors.New("authentication with storage provider failed")
	ErrTransport      = errors.New("remote transport failed")
	ErrNotFound       = errors.New("remote record not found")
	ErrInvalidRecord  = errors.New("invalid remote record")
)

// Payload errors.
var (
	ErrDecryption   = errors.New("payload could not be decrypted")
	ErrNoPassphrase = errors.New("encryption enabled but no passphrase configured")
)

// Sync lifecycle errors.
var (
	ErrSyncDisabled      = errors.New("cloud sync is disabled")
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrNotConnected      = errors.New("not connected to a storage provider")
	ErrConnectInProgress = errors.New("connection attempt already in progress")
	ErrNoPendingConflict = errors.New("no pending conflict for note")
)

// Local store errors.
var (
	ErrNoteChanged   = errors.New("note changed during sync")
	ErrInvalidNoteID = errors.New("invalid note id")
)
