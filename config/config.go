// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads broker configuration from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
}

// BrokerConfig holds broker-specific settings.
type BrokerConfig struct {
	// Interval between TTL expiry sweeps across all queues.
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`

	// Default capacity for outbound sender links.
	SenderCapacity uint32 `yaml:"sender_capacity"`
}

// UnmarshalYAML accepts durations both as Go duration strings ("500ms")
// and as integer nanoseconds.
func (b *BrokerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ExpirySweepInterval string `yaml:"expiry_sweep_interval"`
		SenderCapacity      uint32 `yaml:"sender_capacity"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.SenderCapacity != 0 {
		b.SenderCapacity = raw.SenderCapacity
	}
	if raw.ExpirySweepInterval == "" {
		return nil
	}
	d, err := time.ParseDuration(raw.ExpirySweepInterval)
	if err != nil {
		n, ierr := strconv.ParseInt(raw.ExpirySweepInterval, 10, 64)
		if ierr != nil {
			return fmt.Errorf("invalid broker.expiry_sweep_interval %q: %w", raw.ExpirySweepInterval, err)
		}
		d = time.Duration(n)
	}
	b.ExpirySweepInterval = d
	return nil
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// DefaultConfig returns a configuration suitable for a transient
// single-node broker.
func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			ExpirySweepInterval: 500 * time.Millisecond,
			SenderCapacity:      1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type: "memory",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for
// omitted fields.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir is required for badger storage")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	if c.Broker.ExpirySweepInterval <= 0 {
		return fmt.Errorf("broker.expiry_sweep_interval must be positive")
	}
	return nil
}

// NewLogger builds a slog logger from the log configuration.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
