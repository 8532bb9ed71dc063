// Package config loads the per-install chatsync configuration. Every
// constant the sync core treats as tunable (backoff shape, retry budget,
// deadlines) lives here with a working default.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so values can be written as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements toml encoding for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Remote configures the backend endpoints and call deadlines.
type Remote struct {
	BaseURL          string   `toml:"base_url"`
	SubmitTimeout    Duration `toml:"submit_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	FetchTimeout     Duration `toml:"fetch_timeout"`
}

// Retry configures the shared backoff policy for outbox attempts and
// feed reconnects.
type Retry struct {
	BaseDelay     Duration `toml:"base_delay"`
	MaxDelay      Duration `toml:"max_delay"`
	Jitter        float64  `toml:"jitter"`
	MaxAttempts   int      `toml:"max_attempts"`
	SweepInterval Duration `toml:"sweep_interval"`
	SweepBatch    int      `toml:"sweep_batch"`
}

// Config is the full daemon configuration.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Remote         Remote `toml:"remote"`
	Retry          Retry  `toml:"retry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "",
		Remote: Remote{
			BaseURL:          "http://localhost:8080",
			SubmitTimeout:    Duration{10 * time.Second},
			HandshakeTimeout: Duration{10 * time.Second},
			FetchTimeout:     Duration{30 * time.Second},
		},
		Retry: Retry{
			BaseDelay:     Duration{time.Second},
			MaxDelay:      Duration{2 * time.Minute},
			Jitter:        0.2,
			MaxAttempts:   8,
			SweepInterval: Duration{500 * time.Millisecond},
			SweepBatch:    50,
		},
	}
}

// Load reads config from the given path, filling unset fields with
// defaults. A missing file returns an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, or returns defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
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
