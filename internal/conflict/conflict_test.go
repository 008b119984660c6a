package conflict

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	older = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	newer = older.Add(30 * time.Minute)
)

func note(id, content string, modified time.Time, version int64) models.Note {
	return models.Note{
		ID:           id,
		Title:        "Title " + id,
		Content:      content,
		ModifiedDate: modified,
		SyncVersion:  version,
	}
}

func editConflict(localMod, remoteMod time.Time) Conflict {
	local := note("n1", "line one\nlocal line\n", localMod, 1)

	return Conflict{
		ID:     "n1",
		Kind:   models.ConflictEdit,
		Local:  &local,
		Remote: note("n1", "line one\nremote line\nextra\n", remoteMod, 2),
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", Preview("a\n\n b\tc  ", 10))

	long := strings.Repeat("é", 250)
	got := Preview(long, PreviewRunes)
	assert.Equal(t, PreviewRunes+1, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want DiffSummary
	}{
		{name: "identical", a: "x\ny\n", b: "x\ny\n", want: DiffSummary{}},
		{name: "added line", a: "x\n", b: "x\ny\n", want: DiffSummary{LinesAdded: 1}},
		{name: "removed line", a: "x\ny\n", b: "x\n", want: DiffSummary{LinesRemoved: 1}},
		{name: "changed line", a: "x\ny\n", b: "x\nz\n", want: DiffSummary{LinesAdded: 1, LinesRemoved: 1}},
		{name: "from empty", a: "", b: "a\nb", want: DiffSummary{LinesAdded: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.a, tt.b))
		})
	}
}

func TestConflict_Versions(t *testing.T) {
	c := editConflict(newer, older)

	lv := c.LocalVersion()
	assert.Equal(t, "Title n1", lv.Title)
	assert.Equal(t, newer, lv.ModifiedDate)
	assert.Equal(t, "line one local line", lv.Preview)
	assert.False(t, lv.Deleted)

	rv := c.RemoteVersion()
	assert.Equal(t, int64(2), rv.SyncVersion)

	assert.Equal(t, DiffSummary{LinesAdded: 2, LinesRemoved: 1}, c.Diff())
}

func TestConflict_DeletedLocal(t *testing.T) {
	c := Conflict{ID: "n1", Kind: models.ConflictDeleteEdit, Remote: note("n1", "body", older, 3)}

	assert.True(t, c.LocalVersion().Deleted)
	assert.Equal(t, DiffSummary{LinesAdded: 1}, c.Diff())
}

func TestMerge(t *testing.T) {
	local := note("n1", "local body", older, 1)
	local.Tags = []string{"work", "a"}
	remote := note("n1", "remote body", newer, 2)
	remote.Title = "Remote title"
	remote.Tags = []string{"work", "b"}

	now := newer.Add(time.Minute)
	merged := Merge(local, remote, now)

	assert.Equal(t, "Title n1", merged.Title)
	assert.Equal(t, []string{"a", "b", "work"}, merged.Tags)
	assert.Equal(t, now, merged.ModifiedDate)
	assert.Equal(t, int64(1), merged.SyncVersion)
	assert.True(t, strings.HasPrefix(merged.Content, "local body\n\n----- remote version (modified 2025-04-01T09:30:00Z) -----"))
	assert.True(t, strings.HasSuffix(merged.Content, "\n\nremote body"))
}

func TestMerge_IdenticalBodies(t *testing.T) {
	local := note("n1", "same", older, 1)
	remote := note("n1", "same", newer, 2)

	assert.Equal(t, "same", Merge(local, remote, newer).Content)
}

func TestMerge_NoTags(t *testing.T) {
	merged := Merge(note("n1", "a", older, 1), note("n1", "b", newer, 2), newer)
	assert.Nil(t, merged.Tags)
}

func TestNewestWins(t *testing.T) {
	ctx := context.Background()

	r, err := NewestWins{}.Resolve(ctx, editConflict(newer, older))
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionKeepLocal, r)

	r, err = NewestWins{}.Resolve(ctx, editConflict(older, newer))
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionKeepRemote, r)

	r, err = NewestWins{}.Resolve(ctx, editConflict(older, older))
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionKeepRemote, r, "ties keep remote")

	r, err = NewestWins{}.Resolve(ctx, Conflict{Kind: models.ConflictDeleteEdit, Remote: note("n1", "", older, 2)})
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionKeepRemote, r)
}

func TestProtocol(t *testing.T) {
	ctx := context.Background()
	c := editConflict(newer, older)

	prompted := 0
	prompt := ResolverFunc(func(context.Context, Conflict) (models.Resolution, error) {
		prompted++
		return models.ResolutionMerge, nil
	})

	t.Run("no collaborators leaves conflict unresolved", func(t *testing.T) {
		r, err := Protocol{}.Resolve(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionNone, r)
	})

	t.Run("prompt used when no policy", func(t *testing.T) {
		r, err := Protocol{Prompt: prompt}.Resolve(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionMerge, r)
		assert.Equal(t, 1, prompted)
	})

	t.Run("policy answers before prompt", func(t *testing.T) {
		prompted = 0
		r, err := Protocol{Auto: Fixed(models.ResolutionKeepLocal), Prompt: prompt}.Resolve(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionKeepLocal, r)
		assert.Zero(t, prompted)
	})

	t.Run("policy abstaining falls through to prompt", func(t *testing.T) {
		prompted = 0
		r, err := Protocol{Auto: Fixed(models.ResolutionNone), Prompt: prompt}.Resolve(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, models.ResolutionMerge, r)
		assert.Equal(t, 1, prompted)
	})

	t.Run("prompt error", func(t *testing.T) {
		failing := ResolverFunc(func(context.Context, Conflict) (models.Resolution, error) {
			return models.ResolutionKeepLocal, errors.New("window closed")
		})

		r, err := Protocol{Prompt: failing}.Resolve(ctx, c)
		require.Error(t, err)
		assert.Equal(t, models.ResolutionNone, r)
	})
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name    string
		want    Resolver
		wantErr bool
	}{
		{name: "", want: nil},
		{name: PolicyPrompt, want: nil},
		{name: PolicyNewest, want: NewestWins{}},
		{name: PolicyLocal, want: Fixed(models.ResolutionKeepLocal)},
		{name: PolicyRemote, want: Fixed(models.ResolutionKeepRemote)},
		{name: "coinflip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePolicy(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrompter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  models.ConflictKind
		want  models.Resolution
	}{
		{name: "local", input: "l\n", want: models.ResolutionKeepLocal},
		{name: "remote word", input: "Remote\n", want: models.ResolutionKeepRemote},
		{name: "merge", input: "m\n", want: models.ResolutionMerge},
		{name: "skip", input: "s\n", want: models.ResolutionNone},
		{name: "empty answer skips", input: "\n", want: models.ResolutionNone},
		{name: "eof skips", input: "", want: models.ResolutionNone},
		{name: "retry after garbage", input: "x\nr\n", want: models.ResolutionKeepRemote},
		{name: "no trailing newline", input: "l", want: models.ResolutionKeepLocal},
		{name: "merge refused for delete", input: "m\nr\n", kind: models.ConflictDeleteEdit, want: models.ResolutionKeepRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := editConflict(newer, older)
			if tt.kind == models.ConflictDeleteEdit {
				c.Kind = tt.kind
				c.Local = nil
			}

			var out bytes.Buffer

			p := NewPrompter(strings.NewReader(tt.input), &out)
			got, err := p.Resolve(context.Background(), c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Conflict on note n1")
		})
	}
}

func TestPrompter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPrompter(strings.NewReader("l\n"), &bytes.Buffer{})
	r, err := p.Resolve(ctx, editConflict(newer, older))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.ResolutionNone, r)
}
