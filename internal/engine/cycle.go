package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/notesync/internal/codec"
	"github.com/alexjbarnes/notesync/internal/conflict"
	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/reconcile"
	"github.com/alexjbarnes/notesync/internal/transport"
	"golang.org/x/sync/errgroup"
)

const (
	// Progress before any note is transferred.
	planPercent = 10
	// Progress span shared by all note operations.
	transferSpan = 85
	// Failures listed by name in ErrorMessage.
	maxListedFailures = 3
)

// cycle is the state of one running sync. Note operations may run
// concurrently; mu guards result and the error fields.
type cycle struct {
	engine    *Engine
	settings  models.CloudSyncSettings
	sessionID string
	logger    *slog.Logger

	provider  models.Provider
	transport transport.Transport
	codec     *codec.Codec
	session   context.Context

	mu       sync.Mutex
	result   models.SyncResult
	authErr  error
	abortErr error
	done     int
	total    int

	progMu  sync.Mutex
	percent int
}

// run executes the cycle. The returned error is what the connection
// status should reflect: nil, an authentication failure, an abort or a
// summary of per-note failures.
func (c *cycle) run(ctx context.Context) error {
	active, err := c.engine.conn.Session()
	if err != nil {
		return c.abort("connecting", err)
	}

	c.provider = active.Provider
	c.transport = active.Transport
	c.session = active.Ctx

	if c.session == nil {
		c.session = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(c.session, cancel)
	defer stop()

	cdc, err := c.engine.codecFor(c.settings.EncryptData)
	if err != nil {
		return c.abort("preparing encryption", err)
	}

	c.codec = cdc

	c.progress("Reconciling", 5, "reading local notes and remote manifest")

	local, err := c.engine.store.GetAllNotes()
	if err != nil {
		return c.abort("reading local notes", err)
	}

	remote, err := c.transport.ListManifest(ctx)
	if err != nil {
		return c.abort("listing remote notes", err)
	}

	base, err := c.engine.store.SyncedEntries(c.provider)
	if err != nil {
		return c.abort("reading sync ledger", err)
	}

	plan := reconcile.BuildPlan(local, remote, base)

	c.mu.Lock()
	c.total = plan.Pending()
	c.result.ConflictsDetected = plan.Count(reconcile.Conflict)
	c.mu.Unlock()

	if t, ok := c.engine.opts.Resolver.(conflict.Tracker); ok {
		var ids []string
		for _, it := range plan.Filter(reconcile.Conflict) {
			ids = append(ids, it.ID)
		}

		t.Retain(ids)
	}

	c.logger.Info("sync plan",
		slog.String("provider", string(c.provider)),
		slog.Int("local", len(local)),
		slog.Int("remote", len(remote)),
		slog.Int("upload", plan.Count(reconcile.UploadLocal)),
		slog.Int("download", plan.Count(reconcile.DownloadRemote)),
		slog.Int("conflict", plan.Count(reconcile.Conflict)),
		slog.Int("delete_local", plan.Count(reconcile.DeleteLocal)),
		slog.Int("delete_remote", plan.Count(reconcile.DeleteRemote)),
		slog.Int("unreadable", plan.Count(reconcile.Unreadable)),
	)
	c.progress("Reconciling", planPercent, fmt.Sprintf("%d notes to sync", plan.Pending()))

	c.settle(plan.Filter(reconcile.NoOp))

	for _, it := range plan.Filter(reconcile.Unreadable) {
		c.fail(it.ID, it.Action.String(), fmt.Errorf("%w: remote metadata cannot be read", syncerr.ErrInvalidRecord))
		c.step("Reconciling", it.ID)
	}

	c.parallel(ctx, "Uploading", plan.Filter(reconcile.UploadLocal), c.upload)
	c.parallel(ctx, "Downloading", plan.Filter(reconcile.DownloadRemote), c.download)

	for _, it := range plan.Filter(reconcile.Conflict) {
		if c.interrupted(ctx) != nil {
			break
		}

		if err := c.resolve(ctx, it); err != nil {
			c.fail(it.ID, "conflict", err)
		}

		c.step("Resolving conflicts", it.ID)
	}

	deletes := append(plan.Filter(reconcile.DeleteLocal), plan.Filter(reconcile.DeleteRemote)...)
	c.parallel(ctx, "Deleting", deletes, c.delete)

	if err := c.interrupted(ctx); err != nil {
		return c.abort("sync interrupted", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authErr != nil {
		return c.authErr
	}

	if n := len(c.result.Failures); n > 0 {
		return fmt.Errorf("%d of %d notes failed", n, c.total)
	}

	return nil
}

// interrupted reports why the cycle must stop: the caller cancelled or
// the session was torn down by a disconnect.
func (c *cycle) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.session.Err()
}

// abort records a cycle-level failure and returns it.
func (c *cycle) abort(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)

	c.mu.Lock()
	c.abortErr = err
	c.mu.Unlock()

	c.logger.Warn("sync aborted", slog.String("error", err.Error()))

	return err
}

// fail records a per-note failure. The cycle continues.
func (c *cycle) fail(id, op string, err error) {
	c.logger.Warn("note sync failed",
		slog.String("note_id", id),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.result.Failures = append(c.result.Failures, models.NoteFailure{ID: id, Operation: op, Error: err.Error()})

	if c.authErr == nil && errors.Is(err, syncerr.ErrAuthentication) {
		c.authErr = err
	}
}

func (c *cycle) count(fn func(r *models.SyncResult)) {
	c.mu.Lock()
	fn(&c.result)
	c.mu.Unlock()
}

// step marks one planned note done and reports progress.
func (c *cycle) step(op, id string) {
	c.mu.Lock()
	c.done++
	pct := planPercent + c.done*transferSpan/max(c.total, 1)
	c.mu.Unlock()

	c.progress(op, pct, id)
}

// progress emits an event. Percentages never go backwards within a
// cycle, and events are delivered in the order they are issued.
func (c *cycle) progress(op string, pct int, msg string) {
	c.progMu.Lock()
	defer c.progMu.Unlock()

	pct = min(max(pct, c.percent), 100)
	c.percent = pct

	c.engine.emit(models.SyncProgress{
		SessionID:       c.sessionID,
		Operation:       op,
		ProgressPercent: pct,
		Message:         msg,
	})
}

// parallel runs fn over items with bounded concurrency. Errors are
// recorded per note; items not started before ctx ends are skipped.
func (c *cycle) parallel(ctx context.Context, op string, items []reconcile.Item, fn func(context.Context, reconcile.Item) error) {
	if len(items) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(c.engine.opts.Parallelism)

	for _, it := range items {
		g.Go(func() error {
			if c.interrupted(ctx) != nil {
				return nil
			}

			if err := fn(ctx, it); err != nil {
				c.fail(it.ID, it.Action.String(), err)
			}

			c.step(op, it.ID)

			return nil
		})
	}

	_ = g.Wait()
}

// settle keeps the ledger in step with notes that need no transfer.
func (c *cycle) settle(items []reconcile.Item) {
	store := c.engine.store

	for _, it := range items {
		var err error

		switch {
		case it.Local == nil && it.Remote == nil && it.Base != nil:
			err = store.DeleteSynced(c.provider, it.ID)
		case it.Local != nil && it.Remote != nil && (it.Base == nil || it.Base.SyncVersion != it.Remote.SyncVersion):
			err = store.SetSynced(c.provider, c.entry(it.ID, it.Remote.SyncVersion))
		}

		if err != nil {
			c.logger.Warn("updating sync ledger", slog.String("note_id", it.ID), slog.String("error", err.Error()))
		}
	}
}

func (c *cycle) upload(ctx context.Context, it reconcile.Item) error {
	version := it.Local.SyncVersion
	if it.Remote != nil {
		version = max(version, it.Remote.SyncVersion)
	}

	return c.push(ctx, *it.Local, *it.Local, version+1)
}

func (c *cycle) download(ctx context.Context, it reconcile.Item) error {
	n, err := c.open(ctx, it.ID)
	if err != nil {
		return err
	}

	_, err = c.adopt(n, it.Local)

	return err
}

func (c *cycle) delete(ctx context.Context, it reconcile.Item) error {
	if it.Action == reconcile.DeleteLocal {
		return c.deleteLocal(it)
	}

	return c.deleteRemote(ctx, it.ID)
}

// push uploads n at version and then records the upload locally. The
// local write is guarded by snapshot: if the note changed since the
// plan was computed, only its version is advanced so the newer edit
// uploads on the next cycle.
func (c *cycle) push(ctx context.Context, n, snapshot models.Note, version int64) error {
	rec, err := c.seal(n, version)
	if err != nil {
		return err
	}

	if err := c.transport.PutRecord(ctx, rec); err != nil {
		return fmt.Errorf("uploading: %w", err)
	}

	c.count(func(r *models.SyncResult) { r.NotesUploaded++ })

	if err := c.engine.store.SetSynced(c.provider, c.entry(n.ID, version)); err != nil {
		return fmt.Errorf("updating sync ledger: %w", err)
	}

	err = c.engine.store.UpdateNote(n.ID, func(cur *models.Note) (*models.Note, error) {
		if cur == nil {
			return nil, syncerr.ErrNoteChanged
		}

		next := *cur
		next.SyncVersion = max(next.SyncVersion, version)

		if sameRevision(cur, &snapshot) {
			next.Title = n.Title
			next.Content = n.Content
			next.Tags = n.Tags
			next.ModifiedDate = n.ModifiedDate
			next.LastSyncedDate = c.syncedAt(n.ModifiedDate)
		}

		return &next, nil
	})
	if errors.Is(err, syncerr.ErrNoteChanged) {
		c.logger.Debug("note deleted during upload", slog.String("note_id", n.ID))
		return nil
	}

	if err != nil {
		return fmt.Errorf("recording upload: %w", err)
	}

	c.logger.Debug("uploaded", slog.String("note_id", n.ID), slog.Int64("version", version))

	return nil
}

// adopt writes a remote note into the local store unless the local
// note changed since the snapshot. It reports whether it wrote.
func (c *cycle) adopt(n models.Note, snapshot *models.Note) (bool, error) {
	err := c.engine.store.UpdateNote(n.ID, func(cur *models.Note) (*models.Note, error) {
		if !sameRevision(cur, snapshot) {
			return nil, syncerr.ErrNoteChanged
		}

		next := n
		if cur != nil {
			next.SyncVersion = max(next.SyncVersion, cur.SyncVersion)
		}

		next.LastSyncedDate = c.syncedAt(n.ModifiedDate)

		return &next, nil
	})
	if errors.Is(err, syncerr.ErrNoteChanged) {
		c.logger.Info("local note changed during sync, deferring download", slog.String("note_id", n.ID))
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("storing downloaded note: %w", err)
	}

	if err := c.engine.store.SetSynced(c.provider, c.entry(n.ID, n.SyncVersion)); err != nil {
		return true, fmt.Errorf("updating sync ledger: %w", err)
	}

	c.count(func(r *models.SyncResult) { r.NotesDownloaded++ })
	c.logger.Debug("downloaded", slog.String("note_id", n.ID), slog.Int64("version", n.SyncVersion))

	return true, nil
}

func (c *cycle) deleteLocal(it reconcile.Item) error {
	err := c.engine.store.UpdateNote(it.ID, func(cur *models.Note) (*models.Note, error) {
		if !sameRevision(cur, it.Local) {
			return nil, syncerr.ErrNoteChanged
		}

		return nil, nil
	})
	if errors.Is(err, syncerr.ErrNoteChanged) {
		c.logger.Info("local note changed during sync, keeping it", slog.String("note_id", it.ID))
		return nil
	}

	if err != nil {
		return fmt.Errorf("deleting local note: %w", err)
	}

	c.count(func(r *models.SyncResult) { r.NotesDeleted++ })

	if err := c.engine.store.DeleteSynced(c.provider, it.ID); err != nil {
		return fmt.Errorf("updating sync ledger: %w", err)
	}

	return nil
}

func (c *cycle) deleteRemote(ctx context.Context, id string) error {
	if err := c.transport.DeleteRecord(ctx, id); err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return fmt.Errorf("deleting remote record: %w", err)
	}

	c.count(func(r *models.SyncResult) { r.NotesDeleted++ })

	if err := c.engine.store.DeleteSynced(c.provider, id); err != nil {
		return fmt.Errorf("updating sync ledger: %w", err)
	}

	return nil
}

// resolve obtains a resolution for a conflict and applies it. An
// unresolved edit conflict is left for the next cycle; an unresolved
// delete/edit conflict keeps the remote copy.
func (c *cycle) resolve(ctx context.Context, it reconcile.Item) error {
	remote, err := c.open(ctx, it.ID)
	if err != nil {
		return err
	}

	res := models.ResolutionNone

	if r := c.engine.opts.Resolver; r != nil {
		res, err = r.Resolve(ctx, conflict.Conflict{ID: it.ID, Kind: it.Kind, Local: it.Local, Remote: remote})
		if err != nil {
			return err
		}
	}

	if res == models.ResolutionNone && it.Kind == models.ConflictDeleteEdit {
		res = models.ResolutionKeepRemote
	}

	c.logger.Info("conflict",
		slog.String("note_id", it.ID),
		slog.String("kind", it.Kind.String()),
		slog.String("resolution", res.String()),
	)

	switch {
	case res == models.ResolutionNone:
		c.logger.Info("conflict left unresolved", slog.String("note_id", it.ID))
		return nil

	case res == models.ResolutionKeepRemote,
		res == models.ResolutionMerge && it.Local == nil:
		wrote, err := c.adopt(remote, it.Local)
		if err != nil {
			return err
		}

		if !wrote {
			return nil
		}

	case res == models.ResolutionKeepLocal && it.Local == nil:
		if err := c.deleteRemote(ctx, it.ID); err != nil {
			return err
		}

	case res == models.ResolutionKeepLocal:
		if err := c.push(ctx, *it.Local, *it.Local, remote.SyncVersion+1); err != nil {
			return err
		}

	case res == models.ResolutionMerge:
		merged := conflict.Merge(*it.Local, remote, c.engine.opts.Now())
		if err := c.push(ctx, merged, *it.Local, remote.SyncVersion+1); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution %d", res)
	}

	c.count(func(r *models.SyncResult) { r.ConflictsResolved++ })

	return nil
}

// seal encodes and encrypts n as the record for version.
func (c *cycle) seal(n models.Note, version int64) (models.RemoteRecord, error) {
	payload, err := codec.MarshalNote(n)
	if err != nil {
		return models.RemoteRecord{}, err
	}

	b, err := c.codec.Encrypt(payload, aad(n.ID, version))
	if err != nil {
		return models.RemoteRecord{}, fmt.Errorf("encrypting: %w", err)
	}

	data, err := b.MarshalBinary()
	if err != nil {
		return models.RemoteRecord{}, fmt.Errorf("encoding bundle: %w", err)
	}

	return models.RemoteRecord{
		ID:           n.ID,
		SyncVersion:  version,
		ModifiedDate: n.ModifiedDate,
		Payload:      data,
	}, nil
}

// open downloads, decrypts and decodes the remote copy of a note.
func (c *cycle) open(ctx context.Context, id string) (models.Note, error) {
	rec, err := c.transport.GetPayload(ctx, id)
	if err != nil {
		return models.Note{}, fmt.Errorf("downloading: %w", err)
	}

	b, err := codec.ParseBundle(rec.Payload)
	if err != nil {
		return models.Note{}, err
	}

	plain, err := c.codec.Decrypt(b, aad(rec.ID, rec.SyncVersion))
	if err != nil {
		return models.Note{}, err
	}

	n, err := codec.UnmarshalNote(plain)
	if err != nil {
		return models.Note{}, err
	}

	if n.ID != id {
		return models.Note{}, fmt.Errorf("%w: payload for %s names note %s", syncerr.ErrInvalidRecord, id, n.ID)
	}

	if n.ModifiedDate.IsZero() {
		n.ModifiedDate = rec.ModifiedDate
	}

	n.SyncVersion = rec.SyncVersion

	return n, nil
}

func (c *cycle) entry(id string, version int64) models.SyncedEntry {
	return models.SyncedEntry{ID: id, SyncVersion: version, SyncedAt: c.engine.opts.Now()}
}

// syncedAt never lets LastSyncedDate fall behind ModifiedDate, so a peer
// with a clock ahead of ours cannot leave the note looking edited.
func (c *cycle) syncedAt(modified time.Time) time.Time {
	now := c.engine.opts.Now()
	if modified.After(now) {
		return modified
	}

	return now
}

// finish seals the result.
func (c *cycle) finish() models.SyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.result
	r.CompletedAt = c.engine.opts.Now()

	switch {
	case c.abortErr != nil:
		r.ErrorMessage = c.abortErr.Error()
	case len(r.Failures) > 0:
		r.ErrorMessage = failureMessage(r.Failures)
	default:
		r.Success = true
	}

	return r
}

// sameRevision reports whether cur is the note the plan was built from.
func sameRevision(cur, snapshot *models.Note) bool {
	if cur == nil || snapshot == nil {
		return cur == nil && snapshot == nil
	}

	return cur.SyncVersion == snapshot.SyncVersion && cur.ModifiedDate.Equal(snapshot.ModifiedDate)
}

func failureMessage(failures []models.NoteFailure) string {
	parts := make([]string, 0, maxListedFailures)

	for i, f := range failures {
		if i == maxListedFailures {
			break
		}

		parts = append(parts, fmt.Sprintf("%s (%s): %s", f.ID, f.Operation, f.Error))
	}

	msg := fmt.Sprintf("%d notes failed: %s", len(failures), strings.Join(parts, "; "))
	if extra := len(failures) - maxListedFailures; extra > 0 {
		msg += fmt.Sprintf("; and %d more", extra)
	}

	return msg
}
