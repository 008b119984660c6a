// Package conflict builds the information shown for a sync conflict and
// obtains a resolution for it, either from a configured policy or from
// an interactive collaborator.
package conflict

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// PreviewRunes caps the content preview shown for each side.
const PreviewRunes = 200

// Conflict is one note changed on both sides since the last sync.
type Conflict struct {
	ID   string
	Kind models.ConflictKind
	// Local is nil for ConflictDeleteEdit.
	Local  *models.Note
	Remote models.Note
}

// Version is the comparison view of one side.
type Version struct {
	Title        string    `json:"title"`
	ModifiedDate time.Time `json:"modified_date"`
	SyncVersion  int64     `json:"sync_version"`
	Preview      string    `json:"preview"`
	Deleted      bool      `json:"deleted,omitempty"`
}

// LocalVersion describes the local side. A locally deleted note reports
// Deleted and nothing else.
func (c Conflict) LocalVersion() Version {
	if c.Local == nil {
		return Version{Deleted: true}
	}

	return versionOf(*c.Local)
}

// RemoteVersion describes the remote side.
func (c Conflict) RemoteVersion() Version {
	return versionOf(c.Remote)
}

// Diff summarises line changes from local to remote.
func (c Conflict) Diff() DiffSummary {
	local := ""
	if c.Local != nil {
		local = c.Local.Content
	}

	return Summarize(local, c.Remote.Content)
}

func versionOf(n models.Note) Version {
	return Version{
		Title:        n.Title,
		ModifiedDate: n.ModifiedDate,
		SyncVersion:  n.SyncVersion,
		Preview:      Preview(n.Content, PreviewRunes),
	}
}

// Preview truncates content to at most limit runes, collapsing
// whitespace runs so the preview fits on a few lines.
func Preview(content string, limit int) string {
	s := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	runes := []rune(s)

	return string(runes[:limit]) + "…"
}

// DiffSummary counts changed lines between two note bodies.
type DiffSummary struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// Summarize runs a line-mode diff of a against b.
func Summarize(a, b string) DiffSummary {
	dmp := diffmatchpatch.New()

	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var s DiffSummary

	for _, d := range diffs {
		n := countLines(d.Text)

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			s.LinesAdded += n
		case diffmatchpatch.DiffDelete:
			s.LinesRemoved += n
		case diffmatchpatch.DiffEqual:
		}
	}

	return s
}

func countLines(s string) int {
	if s == "" {
		return 0
	}

	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}

	return n
}
