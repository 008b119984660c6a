// Package reconcile classifies every note into exactly one sync action
// by comparing local state, the remote manifest and the synced ledger.
// It performs no I/O.
package reconcile

import (
	"sort"

	"github.com/alexjbarnes/notesync/internal/models"
)

// Action is what a sync cycle must do for one note.
type Action int

const (
	// NoOp means both sides agree. The executor may still refresh or
	// drop the ledger entry.
	NoOp Action = iota

	// UploadLocal means the local note replaces the remote record.
	UploadLocal

	// DownloadRemote means the remote record replaces the local note.
	DownloadRemote

	// Conflict means both sides changed since the last sync and a
	// resolution is needed.
	Conflict

	// DeleteLocal means the remote record was deleted and the local copy
	// is unedited since the last sync.
	DeleteLocal

	// DeleteRemote means the local note was deleted and the remote copy
	// is unchanged since the last sync.
	DeleteRemote

	// Unreadable means the remote record exists but its metadata could
	// not be read. Nothing is transferred or deleted on either side.
	Unreadable
)

func (a Action) String() string {
	switch a {
	case UploadLocal:
		return "upload"
	case DownloadRemote:
		return "download"
	case Conflict:
		return "conflict"
	case DeleteLocal:
		return "delete_local"
	case DeleteRemote:
		return "delete_remote"
	case Unreadable:
		return "unreadable"
	default:
		return "noop"
	}
}

// Classify decides the action for a single note ID. Any of the three
// inputs may be nil: local when the note is not in the store, remote
// when it is not in the manifest, base when it was never synced with
// this provider.
//
// A local note has edits when ModifiedDate is strictly after
// LastSyncedDate. The remote has edits relative to local when its
// SyncVersion is greater, unless the ledger shows that version is one
// this device uploaded but never recorded locally.
func Classify(local *models.Note, remote *models.ManifestEntry, base *models.SyncedEntry) (Action, models.ConflictKind) {
	switch {
	case remote != nil && remote.Invalid:
		return Unreadable, models.ConflictEdit

	case local == nil && remote == nil:
		return NoOp, models.ConflictEdit

	case local != nil && remote == nil:
		// Never synced here, or the remote was deleted after an edit
		// that must not be lost.
		if base == nil || local.HasUnsyncedEdits() {
			return UploadLocal, models.ConflictEdit
		}

		return DeleteLocal, models.ConflictEdit

	case local == nil && remote != nil:
		if base == nil {
			return DownloadRemote, models.ConflictEdit
		}

		// Deleted locally. Someone else's newer edit needs a decision.
		if remote.SyncVersion > base.SyncVersion {
			return Conflict, models.ConflictDeleteEdit
		}

		return DeleteRemote, models.ConflictEdit
	}

	edited := local.HasUnsyncedEdits()

	switch {
	case local.SyncVersion == remote.SyncVersion:
		if edited {
			return UploadLocal, models.ConflictEdit
		}

		return NoOp, models.ConflictEdit

	case local.SyncVersion < remote.SyncVersion:
		if edited && base != nil && base.SyncVersion == remote.SyncVersion && base.SyncVersion > local.SyncVersion {
			// Our own upload landed but the local write did not.
			return UploadLocal, models.ConflictEdit
		}

		if edited {
			return Conflict, models.ConflictEdit
		}

		return DownloadRemote, models.ConflictEdit

	default:
		// Remote is behind local, e.g. restored from an older copy.
		return UploadLocal, models.ConflictEdit
	}
}

// Item is one classified note.
type Item struct {
	ID     string
	Action Action
	Kind   models.ConflictKind
	Local  *models.Note
	Remote *models.ManifestEntry
	Base   *models.SyncedEntry
}

// Plan is the full classification for a cycle. Every ID seen on any
// side appears exactly once, ordered by ID.
type Plan struct {
	Items []Item
}

// BuildPlan classifies the union of IDs across local notes, the remote
// manifest and the ledger. Duplicate IDs within one input keep the last
// occurrence.
func BuildPlan(local []models.Note, remote []models.ManifestEntry, base map[string]models.SyncedEntry) Plan {
	locals := make(map[string]*models.Note, len(local))
	for i := range local {
		locals[local[i].ID] = &local[i]
	}

	remotes := make(map[string]*models.ManifestEntry, len(remote))
	for i := range remote {
		remotes[remote[i].ID] = &remote[i]
	}

	ids := make(map[string]struct{}, len(locals)+len(remotes)+len(base))
	for id := range locals {
		ids[id] = struct{}{}
	}

	for id := range remotes {
		ids[id] = struct{}{}
	}

	for id := range base {
		ids[id] = struct{}{}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}

	sort.Strings(sorted)

	plan := Plan{Items: make([]Item, 0, len(sorted))}

	for _, id := range sorted {
		var b *models.SyncedEntry
		if e, ok := base[id]; ok {
			b = &e
		}

		action, kind := Classify(locals[id], remotes[id], b)
		plan.Items = append(plan.Items, Item{
			ID:     id,
			Action: action,
			Kind:   kind,
			Local:  locals[id],
			Remote: remotes[id],
			Base:   b,
		})
	}

	return plan
}

// Filter returns the items with the given action, in plan order.
func (p Plan) Filter(action Action) []Item {
	var out []Item

	for _, it := range p.Items {
		if it.Action == action {
			out = append(out, it)
		}
	}

	return out
}

// Count returns the number of items with the given action.
func (p Plan) Count(action Action) int {
	n := 0

	for _, it := range p.Items {
		if it.Action == action {
			n++
		}
	}

	return n
}

// Pending returns the number of items that need work.
func (p Plan) Pending() int {
	return len(p.Items) - p.Count(NoOp)
}
