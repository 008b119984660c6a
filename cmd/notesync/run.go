package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/mcpserver"
	"github.com/alexjbarnes/notesync/internal/server"
	"github.com/alexjbarnes/notesync/internal/transport/folder"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// watchRetry is how long the folder watcher waits before re-arming when
// the sync folder is missing, e.g. before the first connect creates it.
const watchRetry = 30 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run syncs once at startup, then on every interval tick and whenever
the provider's sync folder changes. With LISTEN_ADDR set it also serves
the status API and, with ENABLE_MCP, the MCP endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(parent context.Context) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, logger := a.cfg, a.logger
	logger.Info("notesync starting",
		slog.String("version", Version),
		slog.Bool("sync", cfg.Enabled),
		slog.String("provider", string(cfg.ProviderName())),
		slog.String("device", cfg.DeviceName),
		slog.Bool("http", cfg.ListenAddr != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	if a.conflicts != nil && cfg.ListenAddr == "" {
		logger.Warn("conflict policy is prompt and the HTTP API is off; conflicts stay unresolved until notesync sync runs in a terminal")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	if root := a.folderRoot(cfg.ProviderName()); cfg.Enabled && root != "" {
		g.Go(func() error {
			return a.watchFolder(gctx, root)
		})
	}

	if cfg.ListenAddr != "" {
		g.Go(func() error {
			return a.serveHTTP(gctx)
		})
	}

	return g.Wait()
}

// watchFolder triggers a cycle when the desktop client delivers record
// changes. Watch failures are logged and retried; they never stop the
// daemon.
func (a *app) watchFolder(ctx context.Context, dir string) error {
	logger := a.logger.With(slog.String("service", "watcher"))
	w := folder.NewWatcher(dir, logger)

	for {
		err := w.Watch(ctx, a.engine.Trigger)
		if ctx.Err() != nil {
			return nil
		}

		logger.Warn("folder watch stopped, retrying",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchRetry):
		}
	}
}

// serveHTTP runs the status API until ctx is cancelled.
func (a *app) serveHTTP(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger.With(slog.String("service", "http"))

	entries, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	keys := auth.NewKeys(entries)
	if !keys.Enabled() {
		logger.Warn("API_KEYS not set; the HTTP API is unauthenticated")
	}

	var mcpHandler http.Handler
	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "notesync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, a.engine, a.state)

		if a.conflicts != nil {
			mcpserver.RegisterConflictTools(mcpServer, a.engine, a.conflicts)
		}

		mcpHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	muxCfg := server.MuxConfig{
		Engine:     a.engine,
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     logger,
	}
	if a.conflicts != nil {
		muxCfg.Conflicts = a.conflicts
	}

	mux := server.NewMux(muxCfg)
	srv := server.NewServer(cfg.ListenAddr, mux)

	logger.Info("starting HTTP server",
		slog.String("listen", cfg.ListenAddr),
		slog.Int("api_keys", len(entries)),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
