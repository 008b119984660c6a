// Package folder stores remote records as files inside a directory kept
// in sync by a desktop client (OneDrive, Google Drive). The client does
// the network transfer; this package only ever touches the local mirror.
package folder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/transport"
	"github.com/tidwall/gjson"
)

const (
	// recordExt is the file extension of a record file.
	recordExt = ".note"

	// tempPrefix marks in-progress writes. Listing skips them.
	tempPrefix = ".notesync-write-"

	recordFilePerm = fs.FileMode(0o600)
	recordDirPerm  = fs.FileMode(0o700)
)

// Transport implements transport.Transport over a directory.
type Transport struct {
	dir string
}

// New returns a transport rooted at dir, creating it if needed.
func New(dir string) (*Transport, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving record dir: %w", err)
	}

	if err := os.MkdirAll(abs, recordDirPerm); err != nil {
		return nil, fmt.Errorf("%w: creating record dir: %w", syncerr.ErrTransport, err)
	}

	return &Transport{dir: abs}, nil
}

// Dir returns the absolute record directory.
func (t *Transport) Dir() string {
	return t.dir
}

func (t *Transport) path(id string) string {
	return filepath.Join(t.dir, id+recordExt)
}

// ListManifest reads only the metadata fields of each record file.
// Files that are not records (desktop client conflict copies, temp
// files, anything with an invalid name) are skipped. A record file whose
// contents cannot be read is listed as Invalid so it is never mistaken
// for a deletion.
func (t *Transport) ListManifest(ctx context.Context) ([]models.ManifestEntry, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading record dir: %w", syncerr.ErrTransport, err)
	}

	var out []models.ManifestEntry

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, ok := recordID(e)
		if !ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(t.dir, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", syncerr.ErrTransport, e.Name(), err)
		}

		entry, err := peekEntry(data)
		if err != nil || entry.ID != id {
			out = append(out, models.ManifestEntry{ID: id, Invalid: true})
			continue
		}

		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// GetPayload reads a full record file.
func (t *Transport) GetPayload(ctx context.Context, id string) (models.RemoteRecord, error) {
	if err := transport.ValidateID(id); err != nil {
		return models.RemoteRecord{}, err
	}

	if err := ctx.Err(); err != nil {
		return models.RemoteRecord{}, err
	}

	data, err := os.ReadFile(t.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return models.RemoteRecord{}, fmt.Errorf("%w: %s", syncerr.ErrNotFound, id)
	}

	if err != nil {
		return models.RemoteRecord{}, fmt.Errorf("%w: reading record %s: %w", syncerr.ErrTransport, id, err)
	}

	var rec models.RemoteRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.RemoteRecord{}, fmt.Errorf("%w: decoding record %s: %w", syncerr.ErrInvalidRecord, id, err)
	}

	if rec.ID != id {
		return models.RemoteRecord{}, fmt.Errorf("%w: file %s holds record %q", syncerr.ErrInvalidRecord, id, rec.ID)
	}

	return rec, nil
}

// PutRecord writes the record to a temp file and renames it into place
// so the desktop client never uploads a half-written file. The rename
// is then verified by reading the version back.
func (t *Transport) PutRecord(ctx context.Context, rec models.RemoteRecord) error {
	if err := transport.ValidateID(rec.ID); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}

	if err := t.writeAtomic(t.path(rec.ID), data); err != nil {
		return fmt.Errorf("%w: writing record %s: %w", syncerr.ErrTransport, rec.ID, err)
	}

	written, err := os.ReadFile(t.path(rec.ID))
	if err != nil {
		return fmt.Errorf("%w: verifying record %s: %w", syncerr.ErrTransport, rec.ID, err)
	}

	if got := gjson.GetBytes(written, "sync_version").Int(); got != rec.SyncVersion {
		return fmt.Errorf("%w: record %s replaced concurrently (found version %d, wrote %d)",
			syncerr.ErrTransport, rec.ID, got, rec.SyncVersion)
	}

	return nil
}

// DeleteRecord removes a record file. Missing files are not an error.
func (t *Transport) DeleteRecord(ctx context.Context, id string) error {
	if err := transport.ValidateID(id); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(t.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: deleting record %s: %w", syncerr.ErrTransport, id, err)
	}

	return nil
}

func (t *Transport) writeAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(t.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, recordFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// recordID returns the note ID for a record file entry.
func recordID(e fs.DirEntry) (string, bool) {
	name := e.Name()
	if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
		return "", false
	}

	id := strings.TrimSuffix(name, recordExt)
	if transport.ValidateID(id) != nil {
		return "", false
	}

	return id, true
}

// peekEntry extracts manifest fields without decoding the payload.
func peekEntry(data []byte) (models.ManifestEntry, error) {
	if !gjson.ValidBytes(data) {
		return models.ManifestEntry{}, fmt.Errorf("%w: malformed record json", syncerr.ErrInvalidRecord)
	}

	res := gjson.GetManyBytes(data, "id", "sync_version", "modified_date")

	modified, err := time.Parse(time.RFC3339Nano, res[2].String())
	if err != nil {
		return models.ManifestEntry{}, fmt.Errorf("%w: bad modified_date: %w", syncerr.ErrInvalidRecord, err)
	}

	return models.ManifestEntry{
		ID:           res[0].String(),
		SyncVersion:  res[1].Int(),
		ModifiedDate: modified,
	}, nil
}
