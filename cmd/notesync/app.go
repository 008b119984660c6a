package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alexjbarnes/notesync/internal/config"
	"github.com/alexjbarnes/notesync/internal/conflict"
	"github.com/alexjbarnes/notesync/internal/connection"
	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/logging"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/state"
	"golang.org/x/term"
)

// app is the wired sync stack shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	conn   *connection.Manager
	engine *engine.Engine
	// conflicts holds edit conflicts awaiting a decision over HTTP or
	// MCP. Nil when a policy or the terminal prompt decides them.
	conflicts *conflict.Queue
}

// appOptions varies the wiring between the daemon and one-shot commands.
type appOptions struct {
	// LogOutput overrides the configured log destination.
	LogOutput io.Writer
	// Interactive enables the terminal conflict prompt.
	Interactive bool
}

func loadApp(opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	if opts.LogOutput != nil && cfg.LogFile == "" {
		logger = logging.New(cfg.Environment, opts.LogOutput)
	}

	return newApp(cfg, logger, opts)
}

func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	st, err := openState(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	resolver, queue, err := resolverFor(cfg, opts.Interactive, os.Stdin, os.Stdout)
	if err != nil {
		st.Close()
		return nil, err
	}

	conn := connection.NewManager(
		authenticators(cfg),
		st,
		connection.Options{ConnectTimeout: cfg.ConnectTimeout, Retry: cfg.Retry()},
		logger.With(slog.String("service", "connection")),
	)

	eng := engine.New(st, conn, engine.Options{
		Settings:    cfg.Settings,
		Passphrase:  cfg.Passphrase,
		Parallelism: cfg.Parallelism,
		Resolver:    resolver,
	}, logger.With(slog.String("service", "sync")))

	return &app{cfg: cfg, logger: logger, state: st, conn: conn, engine: eng, conflicts: queue}, nil
}

func (a *app) Close() error {
	return a.state.Close()
}

func openState(path string) (*state.State, error) {
	if path == "" {
		return state.Load()
	}

	return state.LoadAt(path)
}

// authenticators maps every provider to how it is reached. Folder
// providers go through the desktop client's local sync root.
func authenticators(cfg *config.Config) map[models.Provider]connection.Authenticator {
	return map[models.Provider]connection.Authenticator{
		models.ProviderOneDrive: &connection.FolderAuthenticator{
			Root:   cfg.OneDriveDir,
			Folder: cfg.FolderName,
			Device: cfg.DeviceName,
		},
		models.ProviderGoogleDrive: &connection.FolderAuthenticator{
			Root:   cfg.GoogleDriveDir,
			Folder: cfg.FolderName,
			Device: cfg.DeviceName,
		},
		models.ProviderS3: &connection.S3Authenticator{Config: cfg.S3()},
	}
}

// resolverFor builds the conflict protocol: the configured automatic
// policy first, then the terminal prompt when one is attached. With the
// prompt policy and no terminal, conflicts are parked on the returned
// queue until decided over HTTP or MCP.
func resolverFor(cfg *config.Config, interactive bool, in io.Reader, out io.Writer) (conflict.Resolver, *conflict.Queue, error) {
	auto, err := conflict.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, nil, err
	}

	p := conflict.Protocol{Auto: auto}

	switch {
	case interactive:
		p.Prompt = conflict.NewPrompter(in, out)
	case auto == nil:
		q := conflict.NewQueue()
		p.Prompt = q

		return p, q, nil
	}

	return p, nil, nil
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// folderRoot returns the sync root watched for remote changes, or "" for
// providers without a local folder.
func (a *app) folderRoot(p models.Provider) string {
	name := a.cfg.FolderName
	if name == "" {
		name = connection.DefaultFolderName
	}

	switch p {
	case models.ProviderOneDrive:
		return filepath.Join(a.cfg.OneDriveDir, name)
	case models.ProviderGoogleDrive:
		return filepath.Join(a.cfg.GoogleDriveDir, name)
	default:
		return ""
	}
}
