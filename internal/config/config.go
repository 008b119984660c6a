package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/conflict"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/transport"
	"github.com/alexjbarnes/notesync/internal/transport/s3store"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for notesync.
type Config struct {
	// Cloud sync settings, read by the engine at the start of each cycle.
	Enabled      bool   `env:"NOTESYNC_ENABLED" envDefault:"true"`
	Provider     string `env:"NOTESYNC_PROVIDER" envDefault:"none"`
	SyncInterval int    `env:"NOTESYNC_SYNC_INTERVAL" envDefault:"300"`
	Encrypt      bool   `env:"NOTESYNC_ENCRYPT" envDefault:"true"`

	// Passphrase for payload encryption (required when sync and
	// encryption are both enabled).
	Passphrase string `env:"NOTESYNC_PASSPHRASE"`

	// Path of the local state database. Defaults to ~/.notesync/state.db.
	StatePath string `env:"NOTESYNC_STATE_PATH"`

	// Device name this installation identifies as. Defaults to system hostname.
	DeviceName string `env:"NOTESYNC_DEVICE_NAME"`

	// Transfer tuning.
	Parallelism    int           `env:"NOTESYNC_PARALLELISM" envDefault:"4"`
	OpTimeout      time.Duration `env:"NOTESYNC_OP_TIMEOUT" envDefault:"30s"`
	ConnectTimeout time.Duration `env:"NOTESYNC_CONNECT_TIMEOUT" envDefault:"60s"`
	RetryAttempts  int           `env:"NOTESYNC_RETRY_ATTEMPTS" envDefault:"3"`

	// How conflicts are settled: prompt, newest, local or remote.
	ConflictPolicy string `env:"NOTESYNC_CONFLICT_POLICY" envDefault:"prompt"`

	// Folder providers. Empty directories default to the desktop
	// clients' usual locations under the home directory.
	FolderName     string `env:"NOTESYNC_FOLDER" envDefault:"NoteSync"`
	OneDriveDir    string `env:"ONEDRIVE_DIR"`
	GoogleDriveDir string `env:"GOOGLE_DRIVE_DIR"`

	// S3-compatible provider.
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Prefix    string `env:"S3_PREFIX" envDefault:"notesync/"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	// HTTP status API. Empty ListenAddr disables it.
	ListenAddr string `env:"LISTEN_ADDR"`
	APIKeys    string `env:"API_KEYS"`
	EnableMCP  bool   `env:"ENABLE_MCP" envDefault:"false"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"LOG_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the passphrase to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "notesync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolveDirs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	provider, err := models.ParseProvider(c.Provider)
	if err != nil {
		return fmt.Errorf("NOTESYNC_PROVIDER: %w", err)
	}

	if c.Parallelism < 1 {
		return fmt.Errorf("NOTESYNC_PARALLELISM must be at least 1")
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("NOTESYNC_RETRY_ATTEMPTS must be at least 1")
	}

	if c.OpTimeout <= 0 || c.ConnectTimeout <= 0 {
		return fmt.Errorf("NOTESYNC_OP_TIMEOUT and NOTESYNC_CONNECT_TIMEOUT must be positive")
	}

	if _, err := conflict.ParsePolicy(c.ConflictPolicy); err != nil {
		return fmt.Errorf("NOTESYNC_CONFLICT_POLICY: %w", err)
	}

	if c.Enabled && c.Encrypt && c.Passphrase == "" {
		return fmt.Errorf("NOTESYNC_PASSPHRASE is required when sync and encryption are enabled")
	}

	if c.Enabled && provider == models.ProviderS3 {
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 provider")
		}

		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required for the s3 provider")
		}
	}

	if c.EnableMCP && c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required when MCP is enabled")
	}

	if _, err := c.ParseAPIKeys(); err != nil {
		return fmt.Errorf("API_KEYS: %w", err)
	}

	return nil
}

// resolveDirs fills default provider directories and makes every
// configured path absolute.
func (c *Config) resolveDirs() error {
	home, homeErr := os.UserHomeDir()

	defaults := []struct {
		dir  *string
		name string
	}{
		{&c.OneDriveDir, "OneDrive"},
		{&c.GoogleDriveDir, "Google Drive"},
	}

	for _, d := range defaults {
		if *d.dir == "" {
			if homeErr != nil {
				continue
			}

			*d.dir = filepath.Join(home, d.name)
		}

		abs, err := filepath.Abs(*d.dir)
		if err != nil {
			return fmt.Errorf("resolving %s directory to absolute path: %w", d.name, err)
		}

		*d.dir = abs
	}

	if c.StatePath != "" {
		abs, err := filepath.Abs(c.StatePath)
		if err != nil {
			return fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		c.StatePath = abs
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ProviderName returns the validated provider.
func (c *Config) ProviderName() models.Provider {
	p, err := models.ParseProvider(c.Provider)
	if err != nil {
		return models.ProviderNone
	}

	return p
}

// Settings returns the cloud sync settings snapshot.
func (c *Config) Settings() models.CloudSyncSettings {
	return models.CloudSyncSettings{
		IsEnabled:           c.Enabled,
		Provider:            c.ProviderName(),
		SyncIntervalSeconds: c.SyncInterval,
		EncryptData:         c.Encrypt,
	}
}

// Retry returns the per-call retry policy for remote transports.
func (c *Config) Retry() transport.RetryPolicy {
	p := transport.DefaultRetryPolicy()
	p.Attempts = c.RetryAttempts
	p.Timeout = c.OpTimeout

	return p
}

// S3 returns the S3 provider configuration.
func (c *Config) S3() s3store.Config {
	return s3store.Config{
		Endpoint:  c.S3Endpoint,
		Region:    c.S3Region,
		Bucket:    c.S3Bucket,
		Prefix:    c.S3Prefix,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
	}
}

// ParseAPIKeys parses the API_KEYS string.
// Format: "user1:ns_key1,user2:ns_key2"
func (c *Config) ParseAPIKeys() ([]auth.APIKey, error) {
	if c.APIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []auth.APIKey

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, auth.APIKey{UserID: userID, Key: key})
	}

	return entries, nil
}
