// Package server provides HTTP server construction for notesync.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/conflict"
	"github.com/alexjbarnes/notesync/internal/models"
)

// Syncer is the part of the sync engine exposed over HTTP.
type Syncer interface {
	Status() models.SyncStatus
	Provider() models.Provider
	Settings() models.CloudSyncSettings
	LastResult() *models.SyncResult
	LastError() error
	Sync(ctx context.Context) models.SyncResult
	Trigger()
	Connect(ctx context.Context, provider models.Provider) bool
	Disconnect(ctx context.Context)
	OnProgress(fn func(models.SyncProgress)) func()
	OnStatusChange(fn func(models.SyncStatus)) func()
}

// Conflicts is the queue of edit conflicts awaiting a decision.
type Conflicts interface {
	List() []conflict.Pending
	Decide(id string, r models.Resolution) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Engine Syncer
	Keys   *auth.Keys
	// MCPHandler is mounted at /mcp when non-nil.
	MCPHandler http.Handler
	// Conflicts enables /api/conflicts when non-nil.
	Conflicts Conflicts
	Logger    *slog.Logger
}

// NewMux builds the HTTP mux with the sync API, the event stream and
// the optional MCP endpoint. Every route except /healthz sits behind
// API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	api := &api{engine: cfg.Engine, conflicts: cfg.Conflicts, logger: cfg.Logger}
	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /api/status", authMiddleware(http.HandlerFunc(api.handleStatus)))
	mux.Handle("POST /api/sync", authMiddleware(http.HandlerFunc(api.handleSync)))
	mux.Handle("POST /api/connect", authMiddleware(http.HandlerFunc(api.handleConnect)))
	mux.Handle("POST /api/disconnect", authMiddleware(http.HandlerFunc(api.handleDisconnect)))
	mux.Handle("GET /api/events", authMiddleware(http.HandlerFunc(api.handleEvents)))

	if cfg.Conflicts != nil {
		mux.Handle("GET /api/conflicts", authMiddleware(http.HandlerFunc(api.handleListConflicts)))
		mux.Handle("POST /api/conflicts/{id}", authMiddleware(http.HandlerFunc(api.handleDecideConflict)))
	}

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	return mux
}

// NewServer wraps handler in an http.Server with the daemon's timeouts.
// WriteTimeout is left unset so /api/events and long syncs are not cut.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}
