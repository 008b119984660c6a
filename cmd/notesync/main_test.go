package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/config"
	"github.com/alexjbarnes/notesync/internal/conflict"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintResult_Rejected(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, models.SyncResult{ErrorMessage: "sync already in progress"})

	assert.Equal(t, "Sync not started: sync already in progress\n", buf.String())
}

func TestPrintResult_CapsFailures(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := models.SyncResult{
		SessionID:         "s1",
		NotesUploaded:     2,
		NotesDownloaded:   1,
		ConflictsDetected: 2,
		ConflictsResolved: 1,
		StartedAt:         started,
		CompletedAt:       started.Add(1500 * time.Millisecond),
	}
	for i := range maxListedFailures + 2 {
		r.Failures = append(r.Failures, models.NoteFailure{ID: string(rune('a' + i)), Operation: "download", Error: "boom"})
	}

	var buf bytes.Buffer
	printResult(&buf, r)
	out := buf.String()

	assert.Contains(t, out, "Sync finished with errors")
	assert.Contains(t, out, "Duration:    1.5s")
	assert.Contains(t, out, "Conflicts:   2 detected, 1 resolved")
	assert.Contains(t, out, "Unresolved conflicts keep both copies")
	assert.Contains(t, out, "Failures:    7")
	assert.Contains(t, out, "... and 2 more")
	assert.Equal(t, maxListedFailures, strings.Count(out, "(download): boom"))
}

func TestPrintResult_Success(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, models.SyncResult{SessionID: "s1", Success: true})

	out := buf.String()
	assert.Contains(t, out, "Sync completed")
	assert.NotContains(t, out, "Conflicts")
	assert.NotContains(t, out, "Failures")
}

func TestResolverFor(t *testing.T) {
	local := &models.Note{ID: "n", ModifiedDate: time.Now()}
	remote := models.Note{ID: "n", ModifiedDate: local.ModifiedDate.Add(-time.Hour), SyncVersion: 4}
	c := conflict.Conflict{ID: "n", Local: local, Remote: remote}

	t.Run("newest policy resolves without a prompt", func(t *testing.T) {
		r, q, err := resolverFor(&config.Config{ConflictPolicy: conflict.PolicyNewest}, false, strings.NewReader(""), &bytes.Buffer{})
		require.NoError(t, err)
		assert.Nil(t, q)

		got, err := r.Resolve(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionKeepLocal, got)
	})

	t.Run("prompt policy without a terminal queues conflicts for a decision", func(t *testing.T) {
		r, q, err := resolverFor(&config.Config{ConflictPolicy: conflict.PolicyPrompt}, false, strings.NewReader(""), &bytes.Buffer{})
		require.NoError(t, err)
		require.NotNil(t, q)

		got, err := r.Resolve(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionNone, got)
		require.Len(t, q.List(), 1)

		require.NoError(t, q.Decide("n", models.ResolutionKeepRemote))

		got, err = r.Resolve(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionKeepRemote, got)
	})

	t.Run("prompt policy on a terminal asks there", func(t *testing.T) {
		var out bytes.Buffer
		r, q, err := resolverFor(&config.Config{ConflictPolicy: conflict.PolicyPrompt}, true, strings.NewReader("l\n"), &out)
		require.NoError(t, err)
		assert.Nil(t, q)

		got, err := r.Resolve(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionKeepLocal, got)
		assert.Contains(t, out.String(), "Keep which version?")
	})

	t.Run("unknown policy", func(t *testing.T) {
		_, _, err := resolverFor(&config.Config{ConflictPolicy: "coinflip"}, false, strings.NewReader(""), &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestFolderRoot(t *testing.T) {
	a := &app{cfg: &config.Config{
		FolderName:     "Notes",
		OneDriveDir:    "/od",
		GoogleDriveDir: "/gd",
	}}

	assert.Equal(t, filepath.Join("/od", "Notes"), a.folderRoot(models.ProviderOneDrive))
	assert.Equal(t, filepath.Join("/gd", "Notes"), a.folderRoot(models.ProviderGoogleDrive))
	assert.Empty(t, a.folderRoot(models.ProviderS3))
	assert.Empty(t, a.folderRoot(models.ProviderNone))
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	for _, want := range []string{"run", "sync", "status", "connect", "disconnect", "passphrase", "apikey", "mcp", "version"} {
		assert.Contains(t, names, want)
	}
}
