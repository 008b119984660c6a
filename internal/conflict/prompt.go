package conflict

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/notesync/internal/models"
)

// Prompter asks on a terminal how to resolve each conflict. Calls are
// serialised so concurrent callers do not interleave prompts.
type Prompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter reads answers from in and writes prompts to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Resolve prints both versions and reads a choice. EOF or an empty
// answer skips the note.
func (p *Prompter) Resolve(ctx context.Context, c Conflict) (models.Resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return models.ResolutionNone, err
	}

	p.describe(c)

	choices := "[l]ocal, [r]emote, [m]erge, [s]kip"
	if c.Kind == models.ConflictDeleteEdit {
		choices = "[l]ocal (delete), [r]emote (restore), [s]kip"
	}

	for {
		fmt.Fprintf(p.out, "Keep which version? %s: ", choices)

		line, err := p.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(p.out)
				return models.ResolutionNone, nil
			}

			return models.ResolutionNone, err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "l", "local":
			return models.ResolutionKeepLocal, nil
		case "r", "remote":
			return models.ResolutionKeepRemote, nil
		case "m", "merge":
			if c.Kind == models.ConflictDeleteEdit {
				break
			}

			return models.ResolutionMerge, nil
		case "s", "skip", "":
			return models.ResolutionNone, nil
		}

		fmt.Fprintln(p.out, "Unrecognised choice.")
	}
}

func (p *Prompter) describe(c Conflict) {
	fmt.Fprintf(p.out, "\nConflict on note %s\n", c.ID)

	local := c.LocalVersion()
	if local.Deleted {
		fmt.Fprintln(p.out, "  local:  deleted on this device")
	} else {
		printVersion(p.out, "local", local)
	}

	printVersion(p.out, "remote", c.RemoteVersion())

	if !local.Deleted {
		d := c.Diff()
		fmt.Fprintf(p.out, "  diff:   +%d -%d lines\n", d.LinesAdded, d.LinesRemoved)
	}
}

func printVersion(w io.Writer, side string, v Version) {
	fmt.Fprintf(w, "  %-7s %q v%d modified %s\n", side+":", v.Title, v.SyncVersion,
		v.ModifiedDate.Local().Format(time.DateTime))

	if v.Preview != "" {
		fmt.Fprintf(w, "           %s\n", v.Preview)
	}
}
