package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/notesync/internal/auth"
	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/mcpserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newPassphraseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passphrase",
		Short: "Check or record the encryption passphrase",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Check a passphrase against the one recorded on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(appOptions{LogOutput: io.Discard})
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := readSecret("Passphrase: ")
			if err != nil {
				return err
			}

			ok, err := a.engine.VerifyPassphrase(p)
			if errors.Is(err, syncerr.ErrNoPassphrase) {
				return fmt.Errorf("no passphrase recorded yet; run notesync sync or notesync passphrase set first")
			}

			if err != nil {
				return err
			}

			if !ok {
				return fmt.Errorf("passphrase does not match")
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Passphrase matches")

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Record a new passphrase verification hash",
		Long: `Set records the verification hash for a passphrase. The passphrase
itself is never stored; set NOTESYNC_PASSPHRASE to the same value. Every
device sharing a provider must use the same passphrase.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(appOptions{LogOutput: io.Discard})
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := readSecret("New passphrase: ")
			if err != nil {
				return err
			}

			confirm, err := readSecret("Confirm passphrase: ")
			if err != nil {
				return err
			}

			if p != confirm {
				return fmt.Errorf("passphrases do not match")
			}

			if p == "" {
				return fmt.Errorf("passphrase must not be empty")
			}

			if err := a.engine.SetPassphrase(p); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Passphrase recorded")

			return nil
		},
	})

	return cmd
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}

	return string(b), nil
}

func newAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apikey <user>",
		Short: "Generate an API key entry for API_KEYS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], key)

			return nil
		},
	}
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(appOptions{LogOutput: os.Stderr})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			server := mcp.NewServer(
				&mcp.Implementation{Name: "notesync", Version: Version},
				nil,
			)
			mcpserver.RegisterTools(server, a.engine, a.state)

			if a.conflicts != nil {
				mcpserver.RegisterConflictTools(server, a.engine, a.conflicts)
			}

			a.logger.Info("serving MCP over stdio")

			return server.Run(ctx, &mcp.StdioTransport{})
		},
	}
}
