// Package config loads the engine configuration from environment
// variables, with an optional courier.yaml file overriding individual
// values for deployments that prefer files over env.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/courier/internal/store"
)

// Config holds all environment-based configuration for courier.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// StateDBPath is the bbolt database file holding protocol and
	// outbox state. Defaults to ~/.courier/state.db.
	StateDBPath string `env:"COURIER_STATE_DB"`

	// SpoolDir holds the encrypted chunk files awaiting upload.
	// Defaults to ~/.courier/spool.
	SpoolDir string `env:"COURIER_SPOOL_DIR"`

	// ServerURL is the message server base URL for uploads.
	ServerURL string `env:"COURIER_SERVER_URL"`

	// WebSocketServerURL is the notification channel endpoint. Empty
	// means derive nothing; identities set their own URL at runtime.
	WebSocketServerURL string `env:"COURIER_WEBSOCKET_URL"`

	// ProcessType distinguishes the main app from the share extension
	// for upload session ownership. One of "main" or "extension".
	ProcessType string `env:"COURIER_PROCESS_TYPE" envDefault:"main"`

	// KeyPassphrase seeds the challenge signing key via scrypt with a
	// per-installation salt.
	KeyPassphrase string `env:"COURIER_KEY_PASSPHRASE"`

	// Retry backoff bounds for uploads and reconnections.
	StandardBackoff time.Duration `env:"COURIER_STANDARD_BACKOFF" envDefault:"1s"`
	MaximumBackoff  time.Duration `env:"COURIER_MAXIMUM_BACKOFF" envDefault:"10m"`

	// WebSocket liveness settings.
	PingInterval    time.Duration `env:"COURIER_PING_INTERVAL" envDefault:"120s"`
	PongTimeout     time.Duration `env:"COURIER_PONG_TIMEOUT" envDefault:"10s"`
	AlwaysReconnect bool          `env:"COURIER_ALWAYS_RECONNECT" envDefault:"true"`

	// MaxConcurrentChunkUploads bounds the parallel chunk PUTs per
	// attachment.
	MaxConcurrentChunkUploads int64 `env:"COURIER_MAX_CONCURRENT_CHUNK_UPLOADS" envDefault:"4"`
}

// fileOverrides mirrors Config with optional fields, so a courier.yaml
// only overrides the keys it actually sets.
type fileOverrides struct {
	Environment               *string        `yaml:"environment"`
	StateDBPath               *string        `yaml:"state_db_path"`
	SpoolDir                  *string        `yaml:"spool_dir"`
	ServerURL                 *string        `yaml:"server_url"`
	WebSocketServerURL        *string        `yaml:"websocket_server_url"`
	ProcessType               *string        `yaml:"process_type"`
	KeyPassphrase             *string        `yaml:"key_passphrase"`
	StandardBackoff           *time.Duration `yaml:"standard_backoff"`
	MaximumBackoff            *time.Duration `yaml:"maximum_backoff"`
	PingInterval              *time.Duration `yaml:"ping_interval"`
	PongTimeout               *time.Duration `yaml:"pong_timeout"`
	AlwaysReconnect           *bool          `yaml:"always_reconnect"`
	MaxConcurrentChunkUploads *int64         `yaml:"max_concurrent_chunk_uploads"`
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

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars, then
// applies courier.yaml overrides when that file exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyFileOverrides(configFilePath()); err != nil {
		return nil, err
	}

	if err := cfg.fillDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func configFilePath() string {
	if path := os.Getenv("COURIER_CONFIG_FILE"); path != "" {
		return path
	}

	return "courier.yaml"
}

func (c *Config) applyFileOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var overrides fileOverrides
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	applyOverride(&c.Environment, overrides.Environment)
	applyOverride(&c.StateDBPath, overrides.StateDBPath)
	applyOverride(&c.SpoolDir, overrides.SpoolDir)
	applyOverride(&c.ServerURL, overrides.ServerURL)
	applyOverride(&c.WebSocketServerURL, overrides.WebSocketServerURL)
	applyOverride(&c.ProcessType, overrides.ProcessType)
	applyOverride(&c.KeyPassphrase, overrides.KeyPassphrase)
	applyOverride(&c.StandardBackoff, overrides.StandardBackoff)
	applyOverride(&c.MaximumBackoff, overrides.MaximumBackoff)
	applyOverride(&c.PingInterval, overrides.PingInterval)
	applyOverride(&c.PongTimeout, overrides.PongTimeout)
	applyOverride(&c.AlwaysReconnect, overrides.AlwaysReconnect)
	applyOverride(&c.MaxConcurrentChunkUploads, overrides.MaxConcurrentChunkUploads)

	return nil
}

func applyOverride[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// fillDefaults resolves the path settings that depend on the home
// directory and makes them absolute, since the spool cleaner compares
// paths by prefix.
func (c *Config) fillDefaults() error {
	if c.StateDBPath == "" || c.SpoolDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}

		if c.StateDBPath == "" {
			c.StateDBPath = filepath.Join(home, ".courier", "state.db")
		}
		if c.SpoolDir == "" {
			c.SpoolDir = filepath.Join(home, ".courier", "spool")
		}
	}

	for _, p := range []*string{&c.StateDBPath, &c.SpoolDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}
		*p = abs
	}

	return nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("COURIER_SERVER_URL is required")
	}

	if c.KeyPassphrase == "" {
		return fmt.Errorf("COURIER_KEY_PASSPHRASE is required")
	}

	switch store.ProcessType(c.ProcessType) {
	case store.ProcessMain, store.ProcessExtension:
	default:
		return fmt.Errorf("COURIER_PROCESS_TYPE must be %q or %q", store.ProcessMain, store.ProcessExtension)
	}

	if c.StandardBackoff <= 0 || c.MaximumBackoff < c.StandardBackoff {
		return fmt.Errorf("backoff bounds must satisfy 0 < standard <= maximum")
	}

	if c.PingInterval <= 0 || c.PongTimeout <= 0 {
		return fmt.Errorf("ping interval and pong timeout must be positive")
	}

	if c.MaxConcurrentChunkUploads < 1 {
		return fmt.Errorf("COURIER_MAX_CONCURRENT_CHUNK_UPLOADS must be at least 1")
	}

	return nil
}

// Process returns the configured process type.
func (c *Config) Process() store.ProcessType {
	return store.ProcessType(c.ProcessType)
}
