package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/transport/folder"
	"github.com/alexjbarnes/notesync/internal/transport/s3store"
)

// DefaultFolderName is the directory created inside a desktop client's
// sync root to hold note records.
const DefaultFolderName = "NoteSync"

// folderCredentials is what a folder session caches. There is no secret:
// the desktop client holds the account credentials.
type folderCredentials struct {
	Root        string    `json:"root"`
	Device      string    `json:"device"`
	ConnectedAt time.Time `json:"connected_at"`
}

// FolderAuthenticator connects to a provider through its desktop sync
// client's local folder (OneDrive, Google Drive).
type FolderAuthenticator struct {
	// Root is the desktop client's sync root, e.g. ~/OneDrive.
	Root string
	// Folder is the subdirectory holding records. Defaults to NoteSync.
	Folder string
	Device string
}

// Authenticate checks that the sync root exists and is writable. A
// missing root usually means the desktop client is not installed or not
// signed in, which is reported as an authentication failure.
func (a *FolderAuthenticator) Authenticate(ctx context.Context, _ []byte) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	info, err := os.Stat(a.Root)
	if err != nil {
		return Session{}, fmt.Errorf("%w: sync folder %s not available (is the desktop client signed in?): %w",
			syncerr.ErrAuthentication, a.Root, err)
	}

	if !info.IsDir() {
		return Session{}, fmt.Errorf("%w: sync folder %s is not a directory", syncerr.ErrAuthentication, a.Root)
	}

	name := a.Folder
	if name == "" {
		name = DefaultFolderName
	}

	tr, err := folder.New(filepath.Join(a.Root, name))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", syncerr.ErrAuthentication, err)
	}

	scratch, err := os.CreateTemp(tr.Dir(), ".notesync-write-*")
	if err != nil {
		return Session{}, fmt.Errorf("%w: sync folder is not writable: %w", syncerr.ErrAuthentication, err)
	}

	scratch.Close()
	os.Remove(scratch.Name())

	creds, err := json.Marshal(folderCredentials{Root: a.Root, Device: a.Device, ConnectedAt: time.Now().UTC()})
	if err != nil {
		return Session{}, fmt.Errorf("encoding credentials: %w", err)
	}

	return Session{Transport: tr, Credentials: creds}, nil
}

// Revoke is a no-op: the desktop client owns the account grant.
func (a *FolderAuthenticator) Revoke(context.Context, []byte) error {
	return nil
}

// s3Credentials is the cached, non-secret part of an S3 session.
type s3Credentials struct {
	Endpoint    string    `json:"endpoint"`
	Bucket      string    `json:"bucket"`
	AccessKey   string    `json:"access_key"`
	ConnectedAt time.Time `json:"connected_at"`
}

// S3Authenticator connects to an S3-compatible bucket with static keys.
type S3Authenticator struct {
	Config s3store.Config
	// NewClient overrides client construction in tests.
	NewClient func(ctx context.Context, cfg s3store.Config) (s3store.API, error)
}

// Authenticate builds a client and verifies bucket access.
func (a *S3Authenticator) Authenticate(ctx context.Context, _ []byte) (Session, error) {
	if a.Config.Bucket == "" || a.Config.AccessKey == "" || a.Config.SecretKey == "" {
		return Session{}, fmt.Errorf("%w: s3 bucket and keys are required", syncerr.ErrAuthentication)
	}

	newClient := a.NewClient
	if newClient == nil {
		newClient = func(ctx context.Context, cfg s3store.Config) (s3store.API, error) {
			return s3store.NewClient(ctx, cfg)
		}
	}

	client, err := newClient(ctx, a.Config)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", syncerr.ErrAuthentication, err)
	}

	tr := s3store.New(client, a.Config.Bucket, a.Config.Prefix)
	if err := tr.Ping(ctx); err != nil {
		return Session{}, err
	}

	creds, err := json.Marshal(s3Credentials{
		Endpoint:    a.Config.Endpoint,
		Bucket:      a.Config.Bucket,
		AccessKey:   a.Config.AccessKey,
		ConnectedAt: time.Now().UTC(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("encoding credentials: %w", err)
	}

	return Session{Transport: tr, Credentials: creds}, nil
}

// Revoke is a no-op: static keys are managed outside the app.
func (a *S3Authenticator) Revoke(context.Context, []byte) error {
	return nil
}
