// Package engine runs sync cycles: it snapshots local notes and the
// remote manifest, reconciles them, transfers payloads through the
// codec, resolves conflicts and records the outcome.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/notesync/internal/conflict"
	"github.com/alexjbarnes/notesync/internal/connection"
	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/google/uuid"
)

// defaultParallelism bounds concurrent transfers when Options leaves it unset.
const defaultParallelism = 4

// Store is the local persistence the engine needs: the note store, the
// synced ledger and installation metadata.
type Store interface {
	GetAllNotes() ([]models.Note, error)
	GetNoteByID(id string) (*models.Note, error)
	UpdateNote(id string, fn func(cur *models.Note) (*models.Note, error)) error

	SyncedEntries(provider models.Provider) (map[string]models.SyncedEntry, error)
	SetSynced(provider models.Provider, e models.SyncedEntry) error
	DeleteSynced(provider models.Provider, id string) error

	EnsureSalt(gen func() ([]byte, error)) ([]byte, error)
	PassphraseHash() string
	SetPassphraseHash(hash string) error

	LastResult() (*models.SyncResult, error)
	SetLastResult(r models.SyncResult) error
}

// Connector is the connection manager as seen by the engine.
type Connector interface {
	Status() models.SyncStatus
	Provider() models.Provider
	Connect(ctx context.Context, provider models.Provider) bool
	Disconnect(ctx context.Context)
	Session() (connection.Active, error)
	BeginSync() (connection.SyncTicket, bool)
	EndSync(ticket connection.SyncTicket, err error)
	LastError() error
	OnStatusChange(fn func(models.SyncStatus)) func()
}

// Options configures an Engine.
type Options struct {
	// Settings is read at the start of every cycle and run loop tick.
	Settings func() models.CloudSyncSettings
	// Passphrase encrypts outgoing payloads when EncryptData is set.
	Passphrase string
	// Parallelism bounds concurrent uploads and downloads.
	Parallelism int
	// Resolver settles conflicts. Nil leaves every edit conflict
	// unresolved.
	Resolver conflict.Resolver
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine is the sync orchestrator. Sync is safe to call from multiple
// goroutines; the connector's status guard admits one cycle at a time.
type Engine struct {
	store  Store
	conn   Connector
	opts   Options
	logger *slog.Logger

	trigger chan struct{}

	keyMu      sync.Mutex
	passphrase string
	codecs     codecCache

	resMu sync.Mutex
	last  *models.SyncResult

	obsMu     sync.Mutex
	emitMu    sync.Mutex
	observers map[int]func(models.SyncProgress)
	nextObs   int
}

// New creates an engine. The last persisted result is loaded so
// LastResult survives restarts.
func New(store Store, conn Connector, opts Options, logger *slog.Logger) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.Settings == nil {
		opts.Settings = func() models.CloudSyncSettings { return models.CloudSyncSettings{} }
	}

	e := &Engine{
		store:      store,
		conn:       conn,
		opts:       opts,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		passphrase: opts.Passphrase,
		observers:  make(map[int]func(models.SyncProgress)),
	}

	last, err := store.LastResult()
	if err != nil {
		logger.Warn("loading last sync result", slog.String("error", err.Error()))
	}

	e.last = last

	return e
}

// Status returns the current lifecycle status.
func (e *Engine) Status() models.SyncStatus {
	return e.conn.Status()
}

// Provider returns the provider of the active session, or ProviderNone.
func (e *Engine) Provider() models.Provider {
	return e.conn.Provider()
}

// Settings returns the current settings snapshot.
func (e *Engine) Settings() models.CloudSyncSettings {
	return e.opts.Settings()
}

// Connect authenticates with provider. It returns false when the
// attempt failed or another one is in flight.
func (e *Engine) Connect(ctx context.Context, provider models.Provider) bool {
	return e.conn.Connect(ctx, provider)
}

// Disconnect drops the active session and its credentials.
func (e *Engine) Disconnect(ctx context.Context) {
	e.conn.Disconnect(ctx)
}

// LastError returns the error behind the current Error status, if any.
func (e *Engine) LastError() error {
	return e.conn.LastError()
}

// OnStatusChange registers fn for lifecycle status transitions and
// returns a function that removes it.
func (e *Engine) OnStatusChange(fn func(models.SyncStatus)) func() {
	return e.conn.OnStatusChange(fn)
}

// LastResult returns the most recent completed cycle, or nil.
func (e *Engine) LastResult() *models.SyncResult {
	e.resMu.Lock()
	defer e.resMu.Unlock()

	if e.last == nil {
		return nil
	}

	r := *e.last

	return &r
}

// OnProgress registers fn for progress events and returns a function
// that removes it. Events reach observers in emission order.
func (e *Engine) OnProgress(fn func(models.SyncProgress)) func() {
	e.obsMu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

func (e *Engine) emit(p models.SyncProgress) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.obsMu.Lock()
	fns := make([]func(models.SyncProgress), 0, len(e.observers))
	for _, id := range slices.Sorted(maps.Keys(e.observers)) {
		fns = append(fns, e.observers[id])
	}
	e.obsMu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

// Sync runs one cycle and returns its result. Failures are reported in
// the result, never as a Go error. When the engine is disconnected and a
// provider is configured it connects first. A call made while another
// cycle or connect attempt is running returns immediately with a
// "sync already in progress" result.
func (e *Engine) Sync(ctx context.Context) models.SyncResult {
	settings := e.opts.Settings()
	started := e.opts.Now()

	if !settings.IsEnabled {
		return rejected(started, e.opts.Now(), syncerr.ErrSyncDisabled)
	}

	e.ensureConnected(ctx, settings)

	ticket, ok := e.conn.BeginSync()
	if !ok {
		return rejected(started, e.opts.Now(), e.rejectReason())
	}

	sessionID := uuid.NewString()
	logger := e.logger.With(slog.String("session_id", sessionID))

	c := &cycle{
		engine:    e,
		settings:  settings,
		sessionID: sessionID,
		logger:    logger,
		result:    models.SyncResult{SessionID: sessionID, StartedAt: started},
	}

	logger.Info("sync started")
	c.progress("Connecting", 0, "preparing sync")

	endErr := c.run(ctx)
	result := c.finish()

	e.resMu.Lock()
	e.last = &result
	e.resMu.Unlock()

	if err := e.store.SetLastResult(result); err != nil {
		logger.Warn("persisting sync result", slog.String("error", err.Error()))
	}

	e.conn.EndSync(ticket, endErr)

	c.progress("Completed", 100, summary(result))

	logger.Info("sync finished",
		slog.Bool("success", result.Success),
		slog.Int("uploaded", result.NotesUploaded),
		slog.Int("downloaded", result.NotesDownloaded),
		slog.Int("deleted", result.NotesDeleted),
		slog.Int("conflicts", result.ConflictsDetected),
		slog.Int("resolved", result.ConflictsResolved),
		slog.Int("failures", len(result.Failures)),
	)

	return result
}

func (e *Engine) ensureConnected(ctx context.Context, settings models.CloudSyncSettings) {
	if settings.Provider == "" || settings.Provider == models.ProviderNone {
		return
	}

	switch e.conn.Status() {
	case models.StatusDisconnected, models.StatusError:
		e.conn.Connect(ctx, settings.Provider)
	default:
	}
}

func (e *Engine) rejectReason() error {
	switch e.conn.Status() {
	case models.StatusDisconnected, models.StatusError:
		return syncerr.ErrNotConnected
	default:
		return syncerr.ErrSyncInProgress
	}
}

func rejected(started, now time.Time, err error) models.SyncResult {
	return models.SyncResult{
		Success:      false,
		ErrorMessage: err.Error(),
		StartedAt:    started,
		CompletedAt:  now,
	}
}

func summary(r models.SyncResult) string {
	if !r.Success {
		return r.ErrorMessage
	}

	return fmt.Sprintf("%d uploaded, %d downloaded, %d deleted", r.NotesUploaded, r.NotesDownloaded, r.NotesDeleted)
}

// Trigger requests a cycle from Run without waiting. Requests made while
// one is already pending are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run syncs once, then again on every interval tick or Trigger, until
// ctx is cancelled. The interval is re-read from settings after every
// cycle.
func (e *Engine) Run(ctx context.Context) error {
	e.runOnce(ctx)

	for {
		timer := time.NewTimer(e.opts.Settings().Interval())

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-e.trigger:
			timer.Stop()
		}

		e.runOnce(ctx)
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	if !e.opts.Settings().IsEnabled {
		return
	}

	r := e.Sync(ctx)
	if IsRejection(r) {
		e.logger.Debug("sync skipped", slog.String("reason", r.ErrorMessage))
	}
}

// IsRejection reports whether a result came from a refused cycle rather
// than one that ran.
func IsRejection(r models.SyncResult) bool {
	return r.SessionID == ""
}
