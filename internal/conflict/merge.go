package conflict

import (
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/notesync/internal/models"
)

// separatorFormat marks where the remote body starts in a merged note.
const separatorFormat = "----- remote version (modified %s) -----"

// Merge concatenates local and remote bodies under a visible separator.
// The local title is kept and tags are unioned. Identical bodies are
// not duplicated. The result carries ModifiedDate now and keeps the local
// sync bookkeeping; the caller assigns the new version on upload.
func Merge(local, remote models.Note, now time.Time) models.Note {
	merged := local
	merged.ModifiedDate = now
	merged.Tags = unionTags(local.Tags, remote.Tags)

	if merged.Title == "" {
		merged.Title = remote.Title
	}

	if local.Content == remote.Content {
		return merged
	}

	sep := fmt.Sprintf(separatorFormat, remote.ModifiedDate.UTC().Format(time.RFC3339))
	merged.Content = local.Content + "\n\n" + sep + "\n\n" + remote.Content

	return merged
}

func unionTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	out := slices.Concat(a, b)
	slices.Sort(out)

	return slices.Compact(out)
}
