package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents <data dir>/config.toml.
type Config struct {
	Listen   string   `toml:"listen"`
	Telegram Telegram `toml:"telegram"`
	Fetch    Fetch    `toml:"fetch"`
	Breaker  Breaker  `toml:"breaker"`
}

// Telegram holds the API credentials issued at my.telegram.org.
type Telegram struct {
	APIID   int    `toml:"api_id"`
	APIHash string `toml:"api_hash"`
}

// Fetch holds tuning knobs for the history fetch pipeline.
type Fetch struct {
	BatchSize   int      `toml:"batch_size"`
	PageTimeout Duration `toml:"page_timeout"`
	AuthTimeout Duration `toml:"auth_timeout"`
}

// Breaker holds circuit breaker tuning for the Telegram connection.
type Breaker struct {
	FailureThreshold int      `toml:"failure_threshold"`
	Cooldown         Duration `toml:"cooldown"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8790",
		Fetch: Fetch{
			BatchSize:   100,
			PageTimeout: Duration(30 * time.Second),
			AuthTimeout: Duration(60 * time.Second),
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
		},
	}
}

// Load reads config from the given path, applying defaults for any
// omitted field. A missing file returns the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Fetch.BatchSize <= 0 {
		return fmt.Errorf("fetch.batch_size must be positive, got %d", c.Fetch.BatchSize)
	}
	if c.Fetch.PageTimeout <= 0 {
		return fmt.Errorf("fetch.page_timeout must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	return nil
}
