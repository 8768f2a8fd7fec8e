// Package config loads queue, worker and store settings from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "500ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// StoreConfig configures the reference SQLite store.
type StoreConfig struct {
	// Path to the database file; ":memory:" selects the in-process variant.
	Path string `yaml:"path"`
	// LeaseHorizon enables stranded-task recovery on Connect when > 0:
	// in_progress rows whose started_at is older than the horizon return
	// to pending.
	LeaseHorizon Duration `yaml:"lease_horizon"`
}

// QueueConfig configures the producer.
type QueueConfig struct {
	// DefaultResultTimeout bounds GetResult when no explicit timeout is
	// given. Zero means poll until the context is done.
	DefaultResultTimeout Duration `yaml:"default_result_timeout"`
}

// WorkerConfig configures the worker scheduler.
type WorkerConfig struct {
	MaxConcurrency int      `yaml:"max_concurrency"`
	PollInterval   Duration `yaml:"poll_interval"`
	BatchSize      int      `yaml:"batch_size"`
}

// Config is the root document.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Queue  QueueConfig  `yaml:"queue"`
	Worker WorkerConfig `yaml:"worker"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "taskq.db"},
		Worker: WorkerConfig{
			MaxConcurrency: 1,
			PollInterval:   Duration(time.Second),
			BatchSize:      10,
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
// A missing file returns the defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Worker.MaxConcurrency <= 0 {
		return fmt.Errorf("config: worker.max_concurrency must be positive, got %d", c.Worker.MaxConcurrency)
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("config: worker.batch_size must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("config: worker.poll_interval must be positive, got %s", time.Duration(c.Worker.PollInterval))
	}
	if c.Store.LeaseHorizon < 0 {
		return fmt.Errorf("config: store.lease_horizon must not be negative, got %s", time.Duration(c.Store.LeaseHorizon))
	}
	if c.Queue.DefaultResultTimeout < 0 {
		return fmt.Errorf("config: queue.default_result_timeout must not be negative, got %s", time.Duration(c.Queue.DefaultResultTimeout))
	}
	return nil
}
