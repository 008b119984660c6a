package folder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ transport.Transport = (*Transport)(nil)

func testTransport(t *testing.T) *Transport {
	t.Helper()

	tr, err := New(filepath.Join(t.TempDir(), "NoteSync"))
	require.NoError(t, err)

	return tr
}

func record(id string, version int64) models.RemoteRecord {
	return models.RemoteRecord{
		ID:           id,
		SyncVersion:  version,
		ModifiedDate: time.Date(2026, 6, 1, 12, 0, 0, 123, time.UTC),
		Payload:      []byte("payload-" + id),
	}
}

func TestNew_CreatesDir(t *testing.T) {
	tr := testTransport(t)

	info, err := os.Stat(tr.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(tr.Dir()))
}

func TestPutGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := testTransport(t)

	require.NoError(t, tr.PutRecord(ctx, record("a", 3)))

	got, err := tr.GetPayload(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.SyncVersion)
	assert.Equal(t, "payload-a", string(got.Payload))
	assert.True(t, record("a", 3).ModifiedDate.Equal(got.ModifiedDate))

	info, err := os.Stat(filepath.Join(tr.Dir(), "a.note"))
	require.NoError(t, err)
	assert.Equal(t, recordFilePerm, info.Mode().Perm())
}

func TestPutRecord_Overwrites(t *testing.T) {
	ctx := context.Background()
	tr := testTransport(t)

	require.NoError(t, tr.PutRecord(ctx, record("a", 1)))
	require.NoError(t, tr.PutRecord(ctx, record("a", 2)))

	got, err := tr.GetPayload(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SyncVersion)

	entries, err := os.ReadDir(tr.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files should remain")
}

func TestGetPayload_Missing(t *testing.T) {
	_, err := testTransport(t).GetPayload(context.Background(), "nope")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestGetPayload_CorruptFile(t *testing.T) {
	tr := testTransport(t)
	require.NoError(t, os.WriteFile(filepath.Join(tr.Dir(), "bad.note"), []byte("{not json"), 0o600))

	_, err := tr.GetPayload(context.Background(), "bad")
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)
}

func TestGetPayload_MismatchedID(t *testing.T) {
	ctx := context.Background()
	tr := testTransport(t)
	require.NoError(t, tr.PutRecord(ctx, record("a", 1)))

	require.NoError(t, os.Rename(filepath.Join(tr.Dir(), "a.note"), filepath.Join(tr.Dir(), "b.note")))

	_, err := tr.GetPayload(ctx, "b")
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)
}

func TestListManifest_SkipsNonRecords(t *testing.T) {
	ctx := context.Background()
	tr := testTransport(t)

	require.NoError(t, tr.PutRecord(ctx, record("b", 2)))
	require.NoError(t, tr.PutRecord(ctx, record("a", 1)))

	junk := map[string]string{
		"a (conflicted copy).note": `{"id":"a","sync_version":9,"modified_date":"2026-06-01T12:00:00Z"}`,
		".notesync-write-123":      "partial",
		"readme.txt":               "hello",
	}
	for name, body := range junk {
		require.NoError(t, os.WriteFile(filepath.Join(tr.Dir(), name), []byte(body), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(tr.Dir(), "sub.note"), 0o700))

	manifest, err := tr.ListManifest(ctx)
	require.NoError(t, err)
	require.Len(t, manifest, 2)
	assert.Equal(t, "a", manifest[0].ID)
	assert.Equal(t, int64(1), manifest[0].SyncVersion)
	assert.False(t, manifest[0].Invalid)
	assert.Equal(t, "b", manifest[1].ID)
	assert.True(t, record("b", 2).ModifiedDate.Equal(manifest[1].ModifiedDate))
}

func TestListManifest_ReportsUnreadableRecords(t *testing.T) {
	ctx := context.Background()
	tr := testTransport(t)

	require.NoError(t, tr.PutRecord(ctx, record("a", 1)))

	bad := map[string]string{
		"broken.note":    "{",
		"truncated.note": `{"id":"truncated","sync_ver`,
		"liar.note":      `{"id":"other","sync_version":1,"modified_date":"2026-06-01T12:00:00Z"}`,
		"undated.note":   `{"id":"undated","sync_version":1}`,
	}
	for name, body := range bad {
		require.NoError(t, os.WriteFile(filepath.Join(tr.Dir(), name), []byte(body), 0o600))
	}

	manifest, err := tr.ListManifest(ctx)
	require.NoError(t, err)

	got := make(map[string]bool, len(manifest))
	for _, e := range manifest {
		got[e.ID] = e.Invalid
	}

	assert.Equal(t, map[string]bool{
		"a":         false,
		"broken":    true,
		"liar":      true,
		"truncated": true,
		"undated":   true,
	}, got)
}

func TestDeleteRecord(t *testing.T) {
	ctx := context.Background()
	tr := testTransport(t)

	require.NoError(t, tr.PutRecord(ctx, record("a", 1)))
	require.NoError(t, tr.DeleteRecord(ctx, "a"))
	require.NoError(t, tr.DeleteRecord(ctx, "a"), "deleting twice succeeds")

	manifest, err := tr.ListManifest(ctx)
	require.NoError(t, err)
	assert.Empty(t, manifest)
}

func TestRejectsTraversalIDs(t *testing.T) {
	ctx := context.Background()
	tr := testTransport(t)

	assert.ErrorIs(t, tr.PutRecord(ctx, record("../x", 1)), syncerr.ErrInvalidRecord)
	_, err := tr.GetPayload(ctx, "../x")
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)
	assert.ErrorIs(t, tr.DeleteRecord(ctx, "a/b"), syncerr.ErrInvalidRecord)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := testTransport(t)
	assert.ErrorIs(t, tr.PutRecord(ctx, record("a", 1)), context.Canceled)
}
