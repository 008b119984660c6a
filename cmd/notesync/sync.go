package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/spf13/cobra"
)

// maxListedFailures caps per-note failures printed after a cycle.
const maxListedFailures = 5

func newSyncCmd() *cobra.Command {
	var jsonOut, quiet bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Long: `Sync connects to the configured provider if needed, runs one cycle
and prints the result. Run from a terminal, conflicts the configured
policy leaves open are offered for resolution interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			interactive := isTerminal() && !jsonOut

			a, err := loadApp(appOptions{LogOutput: io.Discard, Interactive: interactive})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()

			if !jsonOut && !quiet {
				unsub := a.engine.OnProgress(func(p models.SyncProgress) {
					fmt.Fprintf(os.Stderr, "[%3d%%] %s: %s\n", p.ProgressPercent, p.Operation, p.Message)
				})
				defer unsub()
			}

			result := a.engine.Sync(ctx)

			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printResult(out, result)
			}

			if !result.Success {
				return fmt.Errorf("sync failed: %s", result.ErrorMessage)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print progress")

	return cmd
}

func printResult(w io.Writer, r models.SyncResult) {
	if r.SessionID == "" {
		fmt.Fprintf(w, "Sync not started: %s\n", r.ErrorMessage)
		return
	}

	if r.Success {
		fmt.Fprintln(w, "Sync completed")
	} else {
		fmt.Fprintln(w, "Sync finished with errors")
	}

	fmt.Fprintf(w, "  Duration:    %v\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  Uploaded:    %d\n", r.NotesUploaded)
	fmt.Fprintf(w, "  Downloaded:  %d\n", r.NotesDownloaded)
	fmt.Fprintf(w, "  Deleted:     %d\n", r.NotesDeleted)

	if r.ConflictsDetected > 0 {
		fmt.Fprintf(w, "  Conflicts:   %d detected, %d resolved\n", r.ConflictsDetected, r.ConflictsResolved)

		if r.ConflictsResolved < r.ConflictsDetected {
			fmt.Fprintln(w, "  Unresolved conflicts keep both copies. Run notesync sync in a terminal to resolve them.")
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "  Failures:    %d\n", len(r.Failures))

		for i, f := range r.Failures {
			if i == maxListedFailures {
				fmt.Fprintf(w, "    ... and %d more\n", len(r.Failures)-maxListedFailures)
				break
			}

			fmt.Fprintf(w, "    %s (%s): %s\n", f.ID, f.Operation, f.Error)
		}
	} else if !r.Success && r.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error:       %s\n", r.ErrorMessage)
	}
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show settings, the last sync result and pending local edits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(appOptions{LogOutput: io.Discard})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			printStatus(out, report)

			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the status as JSON")

	return cmd
}

// statusReport is what the status command shows. It is built from local
// state only, without contacting the provider.
type statusReport struct {
	Settings     models.CloudSyncSettings `json:"settings"`
	Device       string                   `json:"device"`
	Credentials  bool                     `json:"has_credentials"`
	Notes        int                      `json:"notes"`
	PendingEdits int                      `json:"pending_edits"`
	LastResult   *models.SyncResult       `json:"last_result,omitempty"`
}

func (a *app) status() (statusReport, error) {
	settings := a.engine.Settings()
	report := statusReport{
		Settings:   settings,
		Device:     a.cfg.DeviceName,
		LastResult: a.engine.LastResult(),
	}

	notes, err := a.state.GetAllNotes()
	if err != nil {
		return report, fmt.Errorf("reading notes: %w", err)
	}

	report.Notes = len(notes)

	for _, n := range notes {
		if n.HasUnsyncedEdits() {
			report.PendingEdits++
		}
	}

	if settings.Provider != models.ProviderNone {
		creds, err := a.state.Credentials(settings.Provider)
		if err != nil {
			return report, fmt.Errorf("reading credentials: %w", err)
		}

		report.Credentials = creds != nil
	}

	return report, nil
}

func printStatus(w io.Writer, r statusReport) {
	s := r.Settings

	fmt.Fprintf(w, "Provider:       %s\n", s.Provider)
	fmt.Fprintf(w, "Sync enabled:   %v\n", s.IsEnabled)
	fmt.Fprintf(w, "Encryption:     %v\n", s.EncryptData)
	fmt.Fprintf(w, "Interval:       %v\n", s.Interval())
	fmt.Fprintf(w, "Device:         %s\n", r.Device)
	fmt.Fprintf(w, "Credentials:    %v\n", r.Credentials)
	fmt.Fprintf(w, "Notes:          %d (%d with unsynced edits)\n", r.Notes, r.PendingEdits)

	if r.LastResult == nil {
		fmt.Fprintln(w, "Last sync:      never")
		return
	}

	fmt.Fprintf(w, "Last sync:      %s\n", r.LastResult.CompletedAt.Local().Format(time.DateTime))
	printResult(w, *r.LastResult)
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect [provider]",
		Short: "Connect to a storage provider and cache its credentials",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(appOptions{LogOutput: io.Discard})
			if err != nil {
				return err
			}
			defer a.Close()

			provider := a.cfg.ProviderName()
			if len(args) == 1 {
				if provider, err = models.ParseProvider(args[0]); err != nil {
					return err
				}
			}

			if provider == models.ProviderNone {
				return fmt.Errorf("no provider given and NOTESYNC_PROVIDER is none")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.ConnectTimeout)
			defer cancel()

			if !a.engine.Connect(ctx, provider) {
				if err := a.engine.LastError(); err != nil {
					return err
				}

				return fmt.Errorf("connecting to %s failed", provider)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s\n", provider)

			return nil
		},
	}
}

func newDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Forget cached provider credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(appOptions{LogOutput: io.Discard})
			if err != nil {
				return err
			}
			defer a.Close()

			a.engine.Disconnect(cmd.Context())

			provider := a.cfg.ProviderName()
			if provider != models.ProviderNone {
				if err := a.state.DeleteCredentials(provider); err != nil {
					return err
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Disconnected")

			return nil
		},
	}
}
