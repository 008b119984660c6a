// Package connection owns the link to the active storage provider and
// the lifecycle status shared with the sync engine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/transport"
)

// defaultConnectTimeout bounds a single authentication attempt.
const defaultConnectTimeout = 60 * time.Second

// Session is an authenticated connection returned by an Authenticator.
type Session struct {
	Transport transport.Transport
	// Credentials are cached and handed back on the next Authenticate.
	Credentials []byte
}

// Authenticator opens sessions against one provider.
type Authenticator interface {
	// Authenticate validates access and returns a usable transport.
	// cached holds credentials from an earlier session, or nil.
	Authenticate(ctx context.Context, cached []byte) (Session, error)
	// Revoke releases provider-side grants for cached credentials.
	Revoke(ctx context.Context, cached []byte) error
}

// CredentialStore persists provider credentials between runs.
type CredentialStore interface {
	Credentials(provider models.Provider) ([]byte, error)
	SetCredentials(provider models.Provider, creds []byte) error
	DeleteCredentials(provider models.Provider) error
}

// Options tunes the manager.
type Options struct {
	ConnectTimeout time.Duration
	Retry          transport.RetryPolicy
}

// Active describes the current session for a sync cycle. Ctx is
// cancelled when the session is torn down by Disconnect or a new Connect.
type Active struct {
	Provider  models.Provider
	Transport transport.Transport
	Ctx       context.Context
}

// SyncTicket identifies one admitted sync cycle. EndSync ignores tickets
// that a later Disconnect, Connect or cycle has made stale.
type SyncTicket uint64

// Manager tracks the connection status and the active transport. Status
// changes go through compare-and-swap so at most one connect attempt
// and at most one sync cycle are ever in flight.
type Manager struct {
	status atomic.Int32

	auth   map[models.Provider]Authenticator
	creds  CredentialStore
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	provider      models.Provider
	transport     transport.Transport
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	lastErr       error

	// syncMu orders cycle admission and release against session
	// changes. syncGen is the ticket of the cycle that may end Syncing.
	syncMu  sync.Mutex
	syncGen uint64

	obsMu     sync.Mutex
	observers map[int]func(models.SyncStatus)
	nextObs   int
}

// NewManager creates a disconnected manager.
func NewManager(auth map[models.Provider]Authenticator, creds CredentialStore, opts Options, logger *slog.Logger) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}

	if opts.Retry.Attempts == 0 {
		opts.Retry = transport.DefaultRetryPolicy()
	}

	m := &Manager{
		auth:      auth,
		creds:     creds,
		opts:      opts,
		logger:    logger,
		provider:  models.ProviderNone,
		observers: make(map[int]func(models.SyncStatus)),
	}
	m.status.Store(int32(models.StatusDisconnected))

	return m
}

// Status returns the current lifecycle status.
func (m *Manager) Status() models.SyncStatus {
	return models.SyncStatus(m.status.Load())
}

// Provider returns the connected provider, or ProviderNone.
func (m *Manager) Provider() models.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.provider
}

// LastError returns the error behind the most recent Error status.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastErr
}

// OnStatusChange registers fn for every status transition. Callbacks run
// synchronously in transition order. The returned func unregisters fn.
func (m *Manager) OnStatusChange(fn func(models.SyncStatus)) func() {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// Connect authenticates against provider. It returns false immediately
// when a connect or sync is already in flight, and false after moving
// to Error when authentication fails.
func (m *Manager) Connect(ctx context.Context, provider models.Provider) bool {
	for {
		cur := m.Status()
		if cur == models.StatusConnecting || cur == models.StatusSyncing {
			m.logger.Info("connect rejected", slog.String("status", cur.String()))
			return false
		}

		if m.transition(cur, models.StatusConnecting) {
			break
		}
	}

	log := m.logger.With(slog.String("provider", string(provider)))
	log.Info("connecting to storage provider")

	sess, err := m.authenticate(ctx, provider)
	if err != nil {
		log.Warn("connect failed", slog.String("error", err.Error()))
		m.setLastErr(err)
		m.transition(models.StatusConnecting, models.StatusError)

		return false
	}

	if err := m.creds.SetCredentials(provider, sess.Credentials); err != nil {
		log.Warn("caching credentials failed", slog.String("error", err.Error()))
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	m.retireTicket()

	m.mu.Lock()
	if m.sessionCancel != nil {
		m.sessionCancel()
	}

	m.provider = provider
	m.transport = transport.WithRetry(sess.Transport, m.opts.Retry, log)
	m.sessionCtx = sessionCtx
	m.sessionCancel = cancel
	m.lastErr = nil
	m.mu.Unlock()

	if !m.transition(models.StatusConnecting, models.StatusIdle) {
		// Disconnected while authenticating.
		m.clearSession()
		log.Info("connect superseded by disconnect")

		return false
	}

	log.Info("connected")

	return true
}

func (m *Manager) authenticate(ctx context.Context, provider models.Provider) (Session, error) {
	a, ok := m.auth[provider]
	if !ok {
		return Session{}, fmt.Errorf("%w: provider %q is not configured", syncerr.ErrAuthentication, provider)
	}

	cached, err := m.creds.Credentials(provider)
	if err != nil {
		m.logger.Warn("reading cached credentials failed", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	sess, err := a.Authenticate(ctx, cached)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Session{}, fmt.Errorf("%w: timed out after %s", syncerr.ErrAuthentication, m.opts.ConnectTimeout)
		}

		return Session{}, err
	}

	if sess.Transport == nil {
		return Session{}, fmt.Errorf("%w: provider %q returned no transport", syncerr.ErrAuthentication, provider)
	}

	return sess, nil
}

// Disconnect tears down the session, revokes and forgets cached
// credentials, and moves to Disconnected from any status. A sync cycle
// in flight sees its session context cancelled.
func (m *Manager) Disconnect(ctx context.Context) {
	m.retireTicket()

	provider := m.clearSession()

	if provider != models.ProviderNone {
		cached, _ := m.creds.Credentials(provider)

		if a, ok := m.auth[provider]; ok && cached != nil {
			if err := a.Revoke(ctx, cached); err != nil {
				m.logger.Warn("revoking credentials failed",
					slog.String("provider", string(provider)),
					slog.String("error", err.Error()),
				)
			}
		}

		if err := m.creds.DeleteCredentials(provider); err != nil {
			m.logger.Warn("discarding credentials failed", slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()

	m.setStatus(models.StatusDisconnected)
	m.logger.Info("disconnected", slog.String("provider", string(provider)))
}

func (m *Manager) clearSession() models.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionCancel != nil {
		m.sessionCancel()
	}

	provider := m.provider
	m.provider = models.ProviderNone
	m.transport = nil
	m.sessionCtx = nil
	m.sessionCancel = nil

	return provider
}

// Session returns the active transport, or errors.ErrNotConnected.
func (m *Manager) Session() (Active, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil {
		return Active{}, syncerr.ErrNotConnected
	}

	return Active{Provider: m.provider, Transport: m.transport, Ctx: m.sessionCtx}, nil
}

// BeginSync moves Idle to Syncing and returns the ticket the cycle must
// hand to EndSync. It returns false in any other status.
func (m *Manager) BeginSync() (SyncTicket, bool) {
	m.syncMu.Lock()
	if !m.status.CompareAndSwap(int32(models.StatusIdle), int32(models.StatusSyncing)) {
		m.syncMu.Unlock()
		return 0, false
	}

	m.syncGen++
	ticket := SyncTicket(m.syncGen)
	m.syncMu.Unlock()

	m.notify(models.StatusSyncing)

	return ticket, true
}

// EndSync leaves Syncing for the cycle holding ticket. A nil error
// returns to Idle. Authentication failures stay in Error until the next
// Connect. Any other failure passes through Error back to Idle so
// observers see it and the next cycle can run. A stale ticket changes
// nothing: the session it ran against is gone and any Syncing status now
// belongs to another cycle.
func (m *Manager) EndSync(ticket SyncTicket, err error) {
	m.syncMu.Lock()

	if SyncTicket(m.syncGen) != ticket {
		m.syncMu.Unlock()
		m.logger.Debug("ignoring end of superseded sync cycle")

		return
	}

	m.syncGen++

	var changed []models.SyncStatus

	switch {
	case err == nil:
		if m.status.CompareAndSwap(int32(models.StatusSyncing), int32(models.StatusIdle)) {
			changed = append(changed, models.StatusIdle)
		}

	default:
		m.setLastErr(err)

		if m.status.CompareAndSwap(int32(models.StatusSyncing), int32(models.StatusError)) {
			changed = append(changed, models.StatusError)

			if !errors.Is(err, syncerr.ErrAuthentication) &&
				m.status.CompareAndSwap(int32(models.StatusError), int32(models.StatusIdle)) {
				changed = append(changed, models.StatusIdle)
			}
		}
	}

	m.syncMu.Unlock()

	for _, status := range changed {
		m.notify(status)
	}
}

// retireTicket makes the current cycle's ticket stale.
func (m *Manager) retireTicket() {
	m.syncMu.Lock()
	m.syncGen++
	m.syncMu.Unlock()
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) transition(from, to models.SyncStatus) bool {
	if !m.status.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	m.notify(to)

	return true
}

func (m *Manager) setStatus(to models.SyncStatus) {
	if models.SyncStatus(m.status.Swap(int32(to))) != to {
		m.notify(to)
	}
}

func (m *Manager) notify(status models.SyncStatus) {
	m.obsMu.Lock()
	fns := make([]func(models.SyncStatus), 0, len(m.observers))
	for _, id := range slices.Sorted(maps.Keys(m.observers)) {
		fns = append(fns, m.observers[id])
	}
	m.obsMu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}
