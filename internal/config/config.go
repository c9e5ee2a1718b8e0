// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package config provides layered configuration loading for Vigil:
// built-in defaults, an optional YAML file, then environment variable
// overrides, validated before use.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Settings  SettingsConfig  `koanf:"settings"`
	Detection DetectionConfig `koanf:"detection"`
	Forensics ForensicsConfig `koanf:"forensics"`
	Dispatch  DispatchConfig  `koanf:"dispatch"`
	Retention RetentionConfig `koanf:"retention"`
	API       APIConfig       `koanf:"api"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`

	// BaseURL is the externally visible URL, used to build issue links
	// in notifications. Optional.
	BaseURL string `koanf:"base_url" validate:"omitempty,url"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	// Threads limits DuckDB worker threads. 0 uses all cores.
	Threads int `koanf:"threads" validate:"min=0"`
}

// SettingsConfig holds the Badger option store settings.
type SettingsConfig struct {
	// Path is the Badger directory. Empty runs in-memory (tests only).
	Path string `koanf:"path"`

	GCInterval time.Duration `koanf:"gc_interval" validate:"min=1m"`
}

// DetectionConfig holds orchestrator settings.
type DetectionConfig struct {
	// Interval is the scheduler's spacing between background runs.
	Interval time.Duration `koanf:"interval" validate:"min=10s"`

	// MinRunInterval throttles runs triggered closer together than this,
	// including manual run-now requests.
	MinRunInterval time.Duration `koanf:"min_run_interval" validate:"min=1s"`

	// SynthesizeDetectorErrors records detector failures as system-error
	// issues in the ledger.
	SynthesizeDetectorErrors bool `koanf:"synthesize_detector_errors"`

	// InternalPathMarkers extends the path fragments treated as Vigil's
	// own frames during fingerprinting.
	InternalPathMarkers []string `koanf:"internal_path_markers"`
}

// ForensicsConfig holds context collector settings.
type ForensicsConfig struct {
	// PluginPathPrefixes, ModulePathPrefixes, and CorePathPrefixes
	// classify backtrace frames by the source they originate from.
	PluginPathPrefixes []string `koanf:"plugin_path_prefixes"`
	ModulePathPrefixes []string `koanf:"module_path_prefixes"`
	CorePathPrefixes   []string `koanf:"core_path_prefixes"`

	// ProxyHeaders lists request headers consulted for the client IP,
	// highest priority first.
	ProxyHeaders []string `koanf:"proxy_headers"`
}

// DispatchConfig holds notification queue settings.
type DispatchConfig struct {
	ProcessInterval time.Duration `koanf:"process_interval" validate:"min=1s"`
	MaxRetries      int           `koanf:"max_retries" validate:"min=1"`
	BaseBackoff     time.Duration `koanf:"base_backoff" validate:"min=1s"`
	MaxBackoff      time.Duration `koanf:"max_backoff" validate:"min=1s"`
	SendTimeout     time.Duration `koanf:"send_timeout" validate:"min=1s"`
	BatchSize       int           `koanf:"batch_size" validate:"min=1"`
	Retention       time.Duration `koanf:"retention" validate:"min=1h"`
}

// RetentionConfig holds issue retention settings.
type RetentionConfig struct {
	// IssueMaxAge is how long resolved/ignored issues are kept.
	IssueMaxAge     time.Duration `koanf:"issue_max_age" validate:"min=24h"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"min=1m"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	DefaultPageSize int           `koanf:"default_page_size" validate:"min=1"`
	MaxPageSize     int           `koanf:"max_page_size" validate:"min=1"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with production defaults. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8686,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/vigil.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Settings: SettingsConfig{
			Path:       "/data/settings",
			GCInterval: 10 * time.Minute,
		},
		Detection: DetectionConfig{
			Interval:                 5 * time.Minute,
			MinRunInterval:           30 * time.Second,
			SynthesizeDetectorErrors: true,
		},
		Forensics: ForensicsConfig{
			PluginPathPrefixes: []string{"/plugins/", "/extensions/"},
			ModulePathPrefixes: []string{"/modules/", "/themes/"},
			CorePathPrefixes:   []string{"/core/", "/lib/", "/vendor/"},
			ProxyHeaders:       []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"},
		},
		Dispatch: DispatchConfig{
			ProcessInterval: 15 * time.Second,
			MaxRetries:      5,
			BaseBackoff:     30 * time.Second,
			MaxBackoff:      time.Hour,
			SendTimeout:     30 * time.Second,
			BatchSize:       50,
			Retention:       7 * 24 * time.Hour,
		},
		Retention: RetentionConfig{
			IssueMaxAge:     90 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		API: APIConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.API.DefaultPageSize > c.API.MaxPageSize {
		return fmt.Errorf("api.default_page_size (%d) exceeds api.max_page_size (%d)",
			c.API.DefaultPageSize, c.API.MaxPageSize)
	}
	if c.Dispatch.BaseBackoff > c.Dispatch.MaxBackoff {
		return fmt.Errorf("dispatch.base_backoff (%s) exceeds dispatch.max_backoff (%s)",
			c.Dispatch.BaseBackoff, c.Dispatch.MaxBackoff)
	}
	return nil
}
