package reconcile

import (
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func localNote(id string, version int64, modified, synced time.Time) *models.Note {
	return &models.Note{
		ID:             id,
		Title:          id,
		SyncVersion:    version,
		ModifiedDate:   modified,
		LastSyncedDate: synced,
	}
}

func remoteEntry(id string, version int64) *models.ManifestEntry {
	return &models.ManifestEntry{ID: id, SyncVersion: version, ModifiedDate: t1}
}

func baseEntry(id string, version int64) *models.SyncedEntry {
	return &models.SyncedEntry{ID: id, SyncVersion: version, SyncedAt: t1}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		local    *models.Note
		remote   *models.ManifestEntry
		base     *models.SyncedEntry
		want     Action
		wantKind models.ConflictKind
	}{
		// --- only local ---
		{
			name:  "new local note never synced -> upload",
			local: localNote("a", 0, t1, time.Time{}),
			want:  UploadLocal,
		},
		{
			name:  "local note with version but no ledger -> upload",
			local: localNote("a", 3, t1, t1),
			want:  UploadLocal,
		},
		{
			name:  "remote deleted, local unedited -> delete local",
			local: localNote("a", 2, t1, t1),
			base:  baseEntry("a", 2),
			want:  DeleteLocal,
		},
		{
			name:  "remote deleted, local edited -> upload",
			local: localNote("a", 2, t2, t1),
			base:  baseEntry("a", 2),
			want:  UploadLocal,
		},

		// --- only remote ---
		{
			name:   "remote only, never synced -> download",
			remote: remoteEntry("a", 1),
			want:   DownloadRemote,
		},
		{
			name:   "local deleted, remote unchanged -> delete remote",
			remote: remoteEntry("a", 2),
			base:   baseEntry("a", 2),
			want:   DeleteRemote,
		},
		{
			name:     "local deleted, remote edited -> delete/edit conflict",
			remote:   remoteEntry("a", 3),
			base:     baseEntry("a", 2),
			want:     Conflict,
			wantKind: models.ConflictDeleteEdit,
		},

		// --- both present ---
		{
			name:   "same version, no edits -> noop",
			local:  localNote("a", 2, t1, t1),
			remote: remoteEntry("a", 2),
			base:   baseEntry("a", 2),
			want:   NoOp,
		},
		{
			name:   "same version, modified equals last synced counts as synced",
			local:  localNote("a", 2, t1, t1),
			remote: remoteEntry("a", 2),
			want:   NoOp,
		},
		{
			name:   "same version, local edited -> upload",
			local:  localNote("a", 2, t2, t1),
			remote: remoteEntry("a", 2),
			base:   baseEntry("a", 2),
			want:   UploadLocal,
		},
		{
			name:   "remote ahead, local unedited -> download",
			local:  localNote("a", 1, t1, t1),
			remote: remoteEntry("a", 2),
			base:   baseEntry("a", 1),
			want:   DownloadRemote,
		},
		{
			name:     "remote ahead, local edited -> conflict",
			local:    localNote("a", 1, t2, t1),
			remote:   remoteEntry("a", 2),
			base:     baseEntry("a", 1),
			want:     Conflict,
			wantKind: models.ConflictEdit,
		},
		{
			name:   "remote holds our own unrecorded upload, local edited -> upload",
			local:  localNote("a", 1, t2, t1),
			remote: remoteEntry("a", 2),
			base:   baseEntry("a", 2),
			want:   UploadLocal,
		},
		{
			name:   "remote holds our own unrecorded upload, local unedited -> download",
			local:  localNote("a", 1, t1, t1),
			remote: remoteEntry("a", 2),
			base:   baseEntry("a", 2),
			want:   DownloadRemote,
		},
		{
			name:   "remote behind local -> upload",
			local:  localNote("a", 5, t1, t1),
			remote: remoteEntry("a", 3),
			base:   baseEntry("a", 5),
			want:   UploadLocal,
		},
		{
			name:   "both present, never synced locally -> download",
			local:  localNote("a", 0, t1, t1),
			remote: remoteEntry("a", 1),
			want:   DownloadRemote,
		},

		// --- unreadable remote ---
		{
			name:   "unreadable remote with synced local copy -> unreadable, not delete",
			local:  localNote("a", 2, t1, t1),
			remote: &models.ManifestEntry{ID: "a", Invalid: true},
			base:   baseEntry("a", 2),
			want:   Unreadable,
		},
		{
			name:   "unreadable remote, local deleted -> unreadable, not delete remote",
			remote: &models.ManifestEntry{ID: "a", Invalid: true},
			base:   baseEntry("a", 2),
			want:   Unreadable,
		},
		{
			name:   "unreadable remote, local edited -> unreadable",
			local:  localNote("a", 2, t2, t1),
			remote: &models.ManifestEntry{ID: "a", Invalid: true},
			base:   baseEntry("a", 2),
			want:   Unreadable,
		},

		// --- neither ---
		{
			name: "deleted on both sides -> noop",
			base: baseEntry("a", 2),
			want: NoOp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, kind := Classify(tt.local, tt.remote, tt.base)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestClassify_ConflictScenario(t *testing.T) {
	// Common ancestor version 1 at t1, local edited at t2, remote moved to 2.
	local := localNote("b", 1, t2, t1)
	got, kind := Classify(local, remoteEntry("b", 2), baseEntry("b", 1))

	assert.Equal(t, Conflict, got)
	assert.Equal(t, models.ConflictEdit, kind)
}

func TestBuildPlan(t *testing.T) {
	local := []models.Note{
		*localNote("new", 0, t1, time.Time{}),
		*localNote("same", 1, t1, t1),
		*localNote("edited", 1, t2, t1),
		*localNote("gone-remote", 1, t1, t1),
	}
	remote := []models.ManifestEntry{
		*remoteEntry("same", 1),
		*remoteEntry("edited", 1),
		*remoteEntry("incoming", 4),
		*remoteEntry("gone-local", 1),
	}
	base := map[string]models.SyncedEntry{
		"same":        *baseEntry("same", 1),
		"edited":      *baseEntry("edited", 1),
		"gone-remote": *baseEntry("gone-remote", 1),
		"gone-local":  *baseEntry("gone-local", 1),
		"gone-both":   *baseEntry("gone-both", 1),
	}

	plan := BuildPlan(local, remote, base)
	require.Len(t, plan.Items, 7)

	got := make(map[string]Action, len(plan.Items))
	ids := make([]string, 0, len(plan.Items))

	for _, it := range plan.Items {
		got[it.ID] = it.Action
		ids = append(ids, it.ID)
	}

	assert.IsIncreasing(t, ids)
	assert.Equal(t, map[string]Action{
		"new":         UploadLocal,
		"same":        NoOp,
		"edited":      UploadLocal,
		"gone-remote": DeleteLocal,
		"incoming":    DownloadRemote,
		"gone-local":  DeleteRemote,
		"gone-both":   NoOp,
	}, got)

	assert.Equal(t, 2, plan.Count(UploadLocal))
	assert.Equal(t, 5, plan.Pending())
	require.Len(t, plan.Filter(DownloadRemote), 1)
	assert.Equal(t, int64(4), plan.Filter(DownloadRemote)[0].Remote.SyncVersion)
}

func TestBuildPlan_ItemsCarryInputs(t *testing.T) {
	local := []models.Note{*localNote("a", 1, t2, t1)}
	remote := []models.ManifestEntry{*remoteEntry("a", 2)}
	base := map[string]models.SyncedEntry{"a": *baseEntry("a", 1)}

	plan := BuildPlan(local, remote, base)
	require.Len(t, plan.Items, 1)

	it := plan.Items[0]
	assert.Equal(t, Conflict, it.Action)
	require.NotNil(t, it.Local)
	require.NotNil(t, it.Remote)
	require.NotNil(t, it.Base)
	assert.Equal(t, int64(1), it.Base.SyncVersion)
}

func TestBuildPlan_Empty(t *testing.T) {
	plan := BuildPlan(nil, nil, nil)
	assert.Empty(t, plan.Items)
	assert.Equal(t, 0, plan.Pending())
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "upload", UploadLocal.String())
	assert.Equal(t, "delete_remote", DeleteRemote.String())
	assert.Equal(t, "unreadable", Unreadable.String())
	assert.Equal(t, "noop", Action(99).String())
}
