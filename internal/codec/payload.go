package codec

import (
	"bytes"
	"fmt"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	fmOpen  = []byte("---\n")
	fmClose = []byte("\n---\n")
)

// frontmatter holds the note fields carried in the payload header.
// Sync bookkeeping (SyncVersion, LastSyncedDate) travels in record
// metadata, not here.
type frontmatter struct {
	ID       string    `yaml:"id"`
	Title    string    `yaml:"title"`
	Tags     []string  `yaml:"tags,omitempty"`
	Created  time.Time `yaml:"created"`
	Modified time.Time `yaml:"modified"`
}

// MarshalNote renders a note as markdown with YAML frontmatter.
func MarshalNote(n models.Note) ([]byte, error) {
	fm := frontmatter{
		ID:       n.ID,
		Title:    n.Title,
		Tags:     n.Tags,
		Created:  n.CreatedDate.UTC(),
		Modified: n.ModifiedDate.UTC(),
	}

	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(fmOpen) + len(header) + len(fmClose) + len(n.Content))
	buf.Write(fmOpen)
	buf.Write(header)
	buf.WriteString("---\n")
	buf.WriteString(n.Content)

	return buf.Bytes(), nil
}

// UnmarshalNote parses a payload produced by MarshalNote. The body after
// the closing delimiter is returned byte for byte as Content.
func UnmarshalNote(data []byte) (models.Note, error) {
	if !bytes.HasPrefix(data, fmOpen) {
		return models.Note{}, fmt.Errorf("%w: payload has no frontmatter", syncerr.ErrInvalidRecord)
	}

	rest := data[len(fmOpen):]

	end := bytes.Index(rest, fmClose)
	if end < 0 {
		return models.Note{}, fmt.Errorf("%w: unterminated frontmatter", syncerr.ErrInvalidRecord)
	}

	var fm frontmatter
	if err := yaml.Unmarshal(rest[:end+1], &fm); err != nil {
		return models.Note{}, fmt.Errorf("%w: decoding frontmatter: %w", syncerr.ErrInvalidRecord, err)
	}

	if fm.ID == "" {
		return models.Note{}, fmt.Errorf("%w: frontmatter has no id", syncerr.ErrInvalidRecord)
	}

	return models.Note{
		ID:           fm.ID,
		Title:        fm.Title,
		Tags:         fm.Tags,
		CreatedDate:  fm.Created,
		ModifiedDate: fm.Modified,
		Content:      string(rest[end+len(fmClose):]),
	}, nil
}
