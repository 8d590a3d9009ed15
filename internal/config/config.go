// Package config loads engine configuration from a TOML file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full engine configuration.
type Config struct {
	Pool     PoolConfig     `toml:"pool"`
	Retry    RetryConfig    `toml:"retry"`
	Database DatabaseConfig `toml:"database"`
	Observer ObserverConfig `toml:"observer"`
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	MaxConcurrent  int      `toml:"max_concurrent"`
	DefaultTimeout duration `toml:"default_timeout"`
}

// RetryConfig sets engine-wide retry defaults.
type RetryConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	InitialDelay duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     duration `toml:"max_delay"`
	JitterBound  duration `toml:"jitter_bound"`
}

// DatabaseConfig selects the run-history store.
type DatabaseConfig struct {
	// Driver is "sqlite", "postgres", or "" to disable run history.
	Driver string `toml:"driver"`
	// Path is the SQLite file path.
	Path string `toml:"path"`
	// URL is the Postgres connection string.
	URL string `toml:"url"`
}

// ObserverConfig toggles OTEL export.
type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration parses TOML duration strings like "30s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// PoolTimeout returns the configured pool default timeout.
func (c *Config) PoolTimeout() time.Duration { return time.Duration(c.Pool.DefaultTimeout) }

// RetryInitialDelay returns the configured initial retry delay.
func (c *Config) RetryInitialDelay() time.Duration { return time.Duration(c.Retry.InitialDelay) }

// RetryMaxDelay returns the configured retry delay cap.
func (c *Config) RetryMaxDelay() time.Duration { return time.Duration(c.Retry.MaxDelay) }

// RetryJitterBound returns the configured jitter bound.
func (c *Config) RetryJitterBound() time.Duration { return time.Duration(c.Retry.JitterBound) }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			MaxConcurrent:  4,
			DefaultTimeout: duration(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: duration(time.Second),
			Multiplier:   2,
			MaxDelay:     duration(30 * time.Second),
			JitterBound:  duration(time.Second),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "warden.db",
		},
	}
}

// Load reads configuration from path, falling back to defaults for any
// missing section. A missing file returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
