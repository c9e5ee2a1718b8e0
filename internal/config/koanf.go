// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/vigilsec/vigil/internal/logging"
)

// DefaultConfigPaths are searched in order when VIGIL_CONFIG_PATH is
// not set.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/vigil/config.yaml",
	"/etc/vigil/config.yml",
}

// envMappings maps environment variable names to koanf paths. Only
// listed variables override configuration; everything else in the
// environment is ignored.
var envMappings = map[string]string{
	"VIGIL_HOST":             "server.host",
	"VIGIL_PORT":             "server.port",
	"VIGIL_BASE_URL":         "server.base_url",
	"VIGIL_SERVER_TIMEOUT":   "server.timeout",
	"VIGIL_SHUTDOWN_TIMEOUT": "server.shutdown_timeout",

	"VIGIL_DUCKDB_PATH":       "database.path",
	"VIGIL_DUCKDB_MAX_MEMORY": "database.max_memory",
	"VIGIL_DUCKDB_THREADS":    "database.threads",

	"VIGIL_SETTINGS_PATH": "settings.path",

	"VIGIL_DETECTION_INTERVAL":         "detection.interval",
	"VIGIL_DETECTION_MIN_RUN_INTERVAL": "detection.min_run_interval",
	"VIGIL_SYNTHESIZE_DETECTOR_ERRORS": "detection.synthesize_detector_errors",
	"VIGIL_INTERNAL_PATH_MARKERS":      "detection.internal_path_markers",

	"VIGIL_DISPATCH_INTERVAL":     "dispatch.process_interval",
	"VIGIL_DISPATCH_MAX_RETRIES":  "dispatch.max_retries",
	"VIGIL_DISPATCH_BASE_BACKOFF": "dispatch.base_backoff",
	"VIGIL_DISPATCH_MAX_BACKOFF":  "dispatch.max_backoff",
	"VIGIL_DISPATCH_RETENTION":    "dispatch.retention",

	"VIGIL_ISSUE_MAX_AGE": "retention.issue_max_age",

	"VIGIL_API_RATE_LIMIT": "api.rate_limit_reqs",
	"VIGIL_CORS_ORIGINS":   "api.cors_origins",
	"VIGIL_API_MAX_PAGE":   "api.max_page_size",

	"VIGIL_LOG_LEVEL":  "logging.level",
	"VIGIL_LOG_FORMAT": "logging.format",
	"VIGIL_LOG_CALLER": "logging.caller",
}

// sliceFields are koanf paths whose env values are comma-separated
// lists that must be split before unmarshaling into []string.
var sliceFields = []string{
	"detection.internal_path_markers",
	"api.cors_origins",
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment overrides, in that order of precedence (lowest
// first), then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
		logging.Info().Str("path", path).Msg("loaded configuration file")
	}

	if err := k.Load(env.Provider("VIGIL_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	processSliceFields(k)

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the config file to load, or "" when none
// exists. VIGIL_CONFIG_PATH wins; a path set there must exist.
func findConfigFile() string {
	if path := os.Getenv("VIGIL_CONFIG_PATH"); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps an environment variable name onto its koanf path.
// Returning "" drops the variable.
func envTransform(key string) string {
	return envMappings[strings.ToUpper(key)]
}

// processSliceFields splits comma-separated env strings into string
// slices for fields declared as []string.
func processSliceFields(k *koanf.Koanf) {
	for _, path := range sliceFields {
		raw := k.Get(path)
		value, ok := raw.(string)
		if !ok {
			continue
		}
		parts := strings.Split(value, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if err := k.Set(path, cleaned); err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("failed to normalize slice field")
		}
	}
}
