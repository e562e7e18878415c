package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// DefaultWorkers is used when WORKERS is missing, non-numeric, or
	// below one.
	DefaultWorkers = 3

	// defaultBackupHour and defaultBackupMinute apply when
	// DAILY_BACKUP_TIME cannot be parsed.
	defaultBackupHour   = 2
	defaultBackupMinute = 0

	// logFileDisabled turns off the rotating log file when set as LOG_FILE.
	logFileDisabled = "-"
)

// Config holds all environment-based configuration for cloud-mirror.
type Config struct {
	// Local directory mirrored to the remote store.
	SyncDir string `env:"SYNC_DIR"`

	// Directory for the metadata document, session database, logs and
	// downloads. Defaults to ~/.cloud-mirror.
	StateDir     string `env:"STATE_DIR"`
	MetadataFile string `env:"METADATA_FILE"`
	DownloadDir  string `env:"DOWNLOAD_DIR"`

	// Primary endpoint: stateless request/response API with a payload
	// ceiling. Every call passes the shared rate gate.
	PrimaryBaseURL      string        `env:"PRIMARY_BASE_URL" envDefault:"https://api.telegram.org"`
	PrimaryToken        string        `env:"PRIMARY_TOKEN"`
	ChatID              string        `env:"CHAT_ID"`
	PrimaryMaxBytes     int64         `env:"PRIMARY_MAX_BYTES" envDefault:"51380224"`
	RateLimitInterval   time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"500ms"`
	RateLimitMaxRetries int           `env:"RATE_LIMIT_MAX_RETRIES" envDefault:"5"`

	// Secondary endpoint: session client for files above the primary
	// ceiling. Only started when LargeFileMode is on and every
	// credential is present.
	LargeFileMode    bool   `env:"LARGE_FILE_MODE" envDefault:"false"`
	ForceSecondary   bool   `env:"FORCE_SECONDARY" envDefault:"true"`
	SecondaryHost    string `env:"SECONDARY_HOST"`
	SecondaryAPIID   string `env:"SECONDARY_API_ID"`
	SecondaryAPIHash string `env:"SECONDARY_API_HASH"`
	SecondarySession string `env:"SECONDARY_SESSION"`

	// Kept as a string so a bad value degrades to the default instead
	// of failing startup. Read it through Workers().
	WorkersRaw string `env:"WORKERS" envDefault:"3"`

	UseContentHash       bool   `env:"USE_CONTENT_HASH" envDefault:"false"`
	EncryptionEnabled    bool   `env:"ENCRYPTION_ENABLED" envDefault:"false"`
	EncryptionPassphrase string `env:"ENCRYPTION_PASSPHRASE"`

	// Autosync starts the filesystem watcher. The initial scan always runs.
	Autosync bool `env:"AUTOSYNC" envDefault:"true"`

	// Daily snapshot time as HH:MM. Empty disables the scheduler.
	DailyBackupTime string `env:"DAILY_BACKUP_TIME" envDefault:"02:00"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogFile     string `env:"LOG_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
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
// Remote credentials are not checked here; commands that talk to the
// remote store call ValidateRemote.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The engine drops any path that does not resolve inside SyncDir,
	// which relies on both sides being absolute.
	absDir, err := filepath.Abs(cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sync dir to absolute path: %w", err)
	}

	cfg.SyncDir = absDir

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.SyncDir == "" {
		return fmt.Errorf("SYNC_DIR is required")
	}

	if c.PrimaryMaxBytes <= 0 {
		return fmt.Errorf("PRIMARY_MAX_BYTES must be positive")
	}

	if c.RateLimitInterval < 0 {
		return fmt.Errorf("RATE_LIMIT_INTERVAL must not be negative")
	}

	if c.RateLimitMaxRetries < 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_RETRIES must not be negative")
	}

	return nil
}

func (c *Config) applyDefaults() error {
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("determining home directory: %w", err)
		}

		c.StateDir = filepath.Join(home, ".cloud-mirror")
	}

	if c.MetadataFile == "" {
		c.MetadataFile = filepath.Join(c.StateDir, "metadata.json")
	}

	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.StateDir, "downloads")
	}

	switch c.LogFile {
	case "":
		c.LogFile = filepath.Join(c.StateDir, "logs", "app.log")
	case logFileDisabled:
		c.LogFile = ""
	}

	return nil
}

// ValidateRemote checks the credentials needed to reach the primary
// endpoint. Secondary credentials are optional; see SecondaryConfigured.
func (c *Config) ValidateRemote() error {
	if c.PrimaryToken == "" {
		return fmt.Errorf("PRIMARY_TOKEN is required")
	}

	if c.ChatID == "" {
		return fmt.Errorf("CHAT_ID is required")
	}

	return nil
}

// SecondaryConfigured reports whether the secondary endpoint should be
// started: large-file mode is on and every session credential is set.
func (c *Config) SecondaryConfigured() bool {
	return c.LargeFileMode &&
		c.SecondaryHost != "" &&
		c.SecondaryAPIID != "" &&
		c.SecondaryAPIHash != "" &&
		c.SecondarySession != ""
}

// Workers returns the configured worker count, falling back to
// DefaultWorkers when the value is not a positive integer.
func (c *Config) Workers() int {
	n, err := strconv.Atoi(strings.TrimSpace(c.WorkersRaw))
	if err != nil || n < 1 {
		return DefaultWorkers
	}

	return n
}

// EncryptionActive reports whether uploads pass through the encryption
// transform. Enabling encryption without a passphrase uploads raw bytes.
func (c *Config) EncryptionActive() bool {
	return c.EncryptionEnabled && c.EncryptionPassphrase != ""
}

// BackupClock parses DailyBackupTime. ok is false when the scheduler is
// disabled (empty value). Unparseable values fall back to 02:00.
func (c *Config) BackupClock() (hour, minute int, ok bool) {
	raw := strings.TrimSpace(c.DailyBackupTime)
	if raw == "" {
		return 0, 0, false
	}

	h, m, found := strings.Cut(raw, ":")
	if !found {
		return defaultBackupHour, defaultBackupMinute, true
	}

	hour, errH := strconv.Atoi(h)
	minute, errM := strconv.Atoi(m)

	if errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return defaultBackupHour, defaultBackupMinute, true
	}

	return hour, minute, true
}

// SessionDBPath is the bbolt database holding cached session state.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.StateDir, "session.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
