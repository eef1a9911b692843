// Package config provides YAML configuration loading for ledger components.
// Configuration is loaded from a single file; there are no fallbacks or
// hidden overrides, so a deployment's behavior is fully determined by one
// auditable document. Every field has a working default: an absent or empty
// file is valid.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the storage engine and its
// collaborators.
type Config struct {
	// Root is the project root all log paths are bounded to. Defaults to
	// the current working directory.
	Root string `yaml:"root"`

	Lock      LockSettings      `yaml:"lock"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Redaction RedactionSettings `yaml:"redaction"`
	Reader    ReaderSettings    `yaml:"reader"`
	Watcher   WatcherSettings   `yaml:"watcher"`
}

// Duration wraps time.Duration so YAML can express values as "30s" or
// "500ms". Bare integers are accepted as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LockSettings tunes the advisory file lock.
type LockSettings struct {
	Timeout        Duration `yaml:"timeout"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	StaleAfter     Duration `yaml:"stale_after"`
}

// RateLimitSettings caps writer operations per window.
type RateLimitSettings struct {
	Ops    int      `yaml:"ops"`
	Window Duration `yaml:"window"`
}

// RedactionSettings selects how detected secrets are handled.
type RedactionSettings struct {
	// Mode is "mask" (default: secrets are replaced before storage) or
	// "strict" (the append fails instead).
	Mode string `yaml:"mode"`
	// PartialShow, when above zero, switches masking to the partial
	// strategy keeping this many characters visible at each end.
	PartialShow int `yaml:"partial_show"`
}

// ReaderSettings tunes query behavior.
type ReaderSettings struct {
	// StreamThresholdBytes is the file size above which scans stream
	// through a bounded buffer instead of loading the file.
	StreamThresholdBytes int64 `yaml:"stream_threshold_bytes"`
}

// WatcherSettings tunes the ingestion watcher.
type WatcherSettings struct {
	// Dir is the drop directory observed for conversation dumps.
	Dir string `yaml:"dir"`
	// Target is the log file, relative to Root, that ingested records
	// are appended to.
	Target string `yaml:"target"`
	// PollInterval is how often the drop directory is listed.
	PollInterval Duration `yaml:"poll_interval"`
}

const (
	// ModeMask replaces detected secrets before storage.
	ModeMask = "mask"
	// ModeStrict fails the append when a secret is detected.
	ModeStrict = "strict"
)

// Default returns a configuration with working development defaults.
func Default() *Config {
	return &Config{
		Root: ".",
		Lock: LockSettings{
			Timeout:        Duration(5 * time.Second),
			InitialBackoff: Duration(10 * time.Millisecond),
			MaxBackoff:     Duration(250 * time.Millisecond),
			StaleAfter:     Duration(5 * time.Minute),
		},
		RateLimit: RateLimitSettings{
			Ops:    100,
			Window: Duration(time.Minute),
		},
		Redaction: RedactionSettings{
			Mode: ModeMask,
		},
		Reader: ReaderSettings{
			StreamThresholdBytes: 4 << 20,
		},
		Watcher: WatcherSettings{
			Dir:          "ingest",
			Target:       "context.log",
			PollInterval: Duration(2 * time.Second),
		},
	}
}

// LoadFile reads and validates a configuration file, applying defaults for
// any field the file omits.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.Redaction.Mode != ModeMask && c.Redaction.Mode != ModeStrict {
		return fmt.Errorf("redaction.mode must be %q or %q, got %q", ModeMask, ModeStrict, c.Redaction.Mode)
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be positive")
	}
	if c.RateLimit.Ops < 0 {
		return fmt.Errorf("rate_limit.ops must not be negative")
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive")
	}
	return nil
}
