package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	coretypes "github.com/projecteru2/core/types"
)

// Backend names a persistence implementation.
type Backend string

const (
	BackendFile      Backend = "file"
	BackendKeyring   Backend = "keyring"
	BackendEncrypted Backend = "encrypted"
	BackendAuto      Backend = "auto"
)

// Config holds global credcache configuration.
// The CLI fills it from flags, CREDCACHE_* env and an optional config file via viper.
type Config struct {
	// Location is the persisted token cache (or its signal file for keyring backends).
	Location string `json:"location" mapstructure:"location"`
	// LockLocation overrides "<Location>.lockfile" when set.
	LockLocation string `json:"lock_location" mapstructure:"lock_location"`
	// Backend is one of file, keyring, encrypted, auto.
	Backend Backend `json:"backend" mapstructure:"backend"`
	// LockStrategy is one of file (default), flock, auto. All processes sharing
	// a cache must agree on it.
	LockStrategy string `json:"lock_strategy" mapstructure:"lock_strategy"`
	// LockTimeout bounds how long a write waits for the lock.
	LockTimeout time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`
	// LockRetryInterval is the pause between lock attempts.
	LockRetryInterval time.Duration `json:"lock_retry_interval" mapstructure:"lock_retry_interval"`
	// FindAttempts bounds reload attempts of a read.
	FindAttempts int `json:"find_attempts" mapstructure:"find_attempts"`
	// FindRetryDelay is the pause between read attempts.
	FindRetryDelay time.Duration `json:"find_retry_delay" mapstructure:"find_retry_delay"`
	// KeyringService and KeyringAccount identify the secret in the OS keyring.
	KeyringService string `json:"keyring_service" mapstructure:"keyring_service"`
	KeyringAccount string `json:"keyring_account" mapstructure:"keyring_account"`
	// PasswordEnv names the variable holding the encrypted-file password.
	PasswordEnv string `json:"password_env" mapstructure:"password_env"`
	// AllowPlaintext lets the auto backend fall back to a plaintext file.
	AllowPlaintext bool `json:"allow_plaintext" mapstructure:"allow_plaintext"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Location:          filepath.Join(xdg.CacheHome, "credcache", "token_cache.json"),
		Backend:           BackendFile,
		LockStrategy:      "file",
		LockTimeout:       5 * time.Second,        //nolint:mnd
		LockRetryInterval: 250 * time.Millisecond, //nolint:mnd
		FindAttempts:      3,                      //nolint:mnd
		FindRetryDelay:    500 * time.Millisecond, //nolint:mnd
		KeyringService:    "credcache",
		KeyringAccount:    "token_cache",
		PasswordEnv:       "CREDCACHE_PASSWORD",
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// Validate fills zero values with defaults and rejects unknown names.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Location == "" {
		c.Location = def.Location
	}
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.LockStrategy == "" {
		c.LockStrategy = def.LockStrategy
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = def.LockRetryInterval
	}
	if c.FindAttempts <= 0 {
		c.FindAttempts = def.FindAttempts
	}
	if c.FindRetryDelay < 0 {
		c.FindRetryDelay = def.FindRetryDelay
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	switch c.Backend {
	case BackendFile, BackendKeyring, BackendEncrypted, BackendAuto:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.LockStrategy {
	case "auto", "file", "flock":
	default:
		return fmt.Errorf("unknown lock strategy %q", c.LockStrategy)
	}
	return nil
}

// LockDir is the directory holding the lock file.
func (c *Config) LockDir() string {
	if c.LockLocation != "" {
		return filepath.Dir(c.LockLocation)
	}
	return filepath.Dir(c.Location)
}
