package transport

import (
	"context"
	"testing"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RecordLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mod := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, m.PutRecord(ctx, models.RemoteRecord{ID: "b", SyncVersion: 1, ModifiedDate: mod, Payload: []byte("p1")}))
	require.NoError(t, m.PutRecord(ctx, models.RemoteRecord{ID: "a", SyncVersion: 2, ModifiedDate: mod, Payload: []byte("p2")}))

	manifest, err := m.ListManifest(ctx)
	require.NoError(t, err)
	require.Len(t, manifest, 2)
	assert.Equal(t, "a", manifest[0].ID)
	assert.Equal(t, int64(2), manifest[0].SyncVersion)

	rec, err := m.GetPayload(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "p1", string(rec.Payload))

	rec.Payload[0] = 'X'
	again, err := m.GetPayload(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "p1", string(again.Payload), "callers must not alias stored payloads")

	require.NoError(t, m.DeleteRecord(ctx, "b"))
	require.NoError(t, m.DeleteRecord(ctx, "b"))

	_, err = m.GetPayload(ctx, "b")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_RejectsBadIDs(t *testing.T) {
	err := NewMemory().PutRecord(context.Background(), models.RemoteRecord{ID: "../escape"})
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)
}

func TestMemory_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().ListManifest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidateID(t *testing.T) {
	for _, ok := range []string{"a", "6c1f1f0e-6b43-4e55-9d2c-4bb1a7a5b111", "note_1.v2"} {
		assert.NoError(t, ValidateID(ok), ok)
	}

	long := make([]byte, models.MaxNoteIDLen+1)
	for i := range long {
		long[i] = 'a'
	}

	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "a b", "ü", string(long)} {
		err := ValidateID(bad)
		assert.ErrorIs(t, err, syncerr.ErrInvalidRecord, bad)
		assert.ErrorIs(t, err, syncerr.ErrInvalidNoteID, bad)
	}
}
