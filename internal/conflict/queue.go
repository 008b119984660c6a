package conflict

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

// Pending is an edit conflict waiting for someone to decide it.
type Pending struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	Local         Version     `json:"local"`
	Remote        Version     `json:"remote"`
	Diff          DiffSummary `json:"diff"`
	DetectedAt    time.Time   `json:"detected_at"`
	Decision      string      `json:"decision,omitempty"`
	remoteVersion int64
	decision      models.Resolution
}

// Tracker is implemented by resolvers that keep state across cycles.
// The engine calls Retain with the IDs in conflict after each plan so
// entries for notes that stopped conflicting can be dropped.
type Tracker interface {
	Retain(ids []string)
}

// Queue is the resolver for runs with nobody at a terminal. A conflict
// is parked as pending and left unresolved until Decide records a
// choice, which the next cycle applies. A decision only applies to the
// remote version it was made against.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*Pending
	now     func() time.Time
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*Pending), now: time.Now}
}

func (q *Queue) Resolve(_ context.Context, c Conflict) (models.Resolution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[c.ID]
	if ok && p.remoteVersion == c.Remote.SyncVersion && p.decision != models.ResolutionNone {
		delete(q.pending, c.ID)
		return p.decision, nil
	}

	// Delete/edit conflicts are never left open, so there is nothing to
	// queue for them.
	if c.Kind == models.ConflictDeleteEdit {
		delete(q.pending, c.ID)
		return models.ResolutionNone, nil
	}

	detected := q.now().UTC()
	if ok {
		detected = p.DetectedAt
	}

	q.pending[c.ID] = &Pending{
		ID:            c.ID,
		Kind:          c.Kind.String(),
		Local:         c.LocalVersion(),
		Remote:        c.RemoteVersion(),
		Diff:          c.Diff(),
		DetectedAt:    detected,
		remoteVersion: c.Remote.SyncVersion,
	}

	return models.ResolutionNone, nil
}

// List returns the pending conflicts ordered by note ID.
func (q *Queue) List() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Pending, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, *p)
	}

	slices.SortFunc(out, func(a, b Pending) int { return strings.Compare(a.ID, b.ID) })

	return out
}

// Decide records the resolution for a pending conflict. The engine
// applies it on the next cycle.
func (q *Queue) Decide(id string, r models.Resolution) error {
	if r == models.ResolutionNone {
		return fmt.Errorf("resolution for %q must be keep_local, keep_remote or merge", id)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return fmt.Errorf("%w %q", syncerr.ErrNoPendingConflict, id)
	}

	p.decision = r
	p.Decision = r.String()

	return nil
}

// Retain drops entries whose notes are no longer in conflict.
func (q *Queue) Retain(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id := range q.pending {
		if !slices.Contains(ids, id) {
			delete(q.pending, id)
		}
	}
}

// Retain forwards to whichever collaborators track state.
func (p Protocol) Retain(ids []string) {
	for _, r := range []Resolver{p.Auto, p.Prompt} {
		if t, ok := r.(Tracker); ok {
			t.Retain(ids)
		}
	}
}
