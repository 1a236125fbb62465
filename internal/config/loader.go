// Package config provides configuration loading for popupd.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// defaultYAML carries the hardcoded defaults. Every threshold the decision
// and learning logic depends on is named here rather than buried as a
// literal in the code that applies it.
const defaultYAML = `
server:
  host: localhost
  port: 8710
  shutdown_timeout: 10s
  intake_rate: 50
  intake_burst: 100
logging:
  level: info
  format: json
  fields:
    service: popupd
storage:
  path: ""
  in_memory: false
  sync_writes: true
scoring:
  likely_popup_threshold: 0.6
patterns:
  match_threshold: 0.7
  suggest_similarity: 0.8
  suggest_confidence: 0.7
  auto_execute_confidence: 0.8
  initial_confidence: 0.6
  reinforce_step: 0.1
  penalty_step: 0.2
  flip_floor: 0.3
  min_confidence: 0.1
  max_patterns: 100
  stale_after: 720h
decision:
  initial_timeout: 30s
  reminder_timeout: 15s
  max_reminders: 2
  history_cap: 500
  expire_after: 24h
  restore_staleness: 5m
  min_restore_timeout: 1s
  sweep_interval: 10m
`

// Load builds configuration from defaults, an optional YAML file, and
// POPUPD_-prefixed environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (POPUPD_SERVER_PORT, POPUPD_DECISION_INITIAL_TIMEOUT, ...)
//  2. YAML config file (configPath, skipped when empty or missing)
//  3. Hardcoded defaults
//
// Environment variables map to config keys by stripping the POPUPD_ prefix,
// lowercasing, and splitting on the first underscore:
//
//	POPUPD_SERVER_PORT              -> server.port
//	POPUPD_PATTERNS_MATCH_THRESHOLD -> patterns.match_threshold
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("POPUPD_", ".", func(s string) string {
		// POPUPD_SERVER_PORT -> server.port
		// The section is everything before the first underscore; field
		// names keep their remaining underscores.
		lower := strings.ToLower(strings.TrimPrefix(s, "POPUPD_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in defaults without touching files or the
// environment. Used by tests and by components that need standalone
// sub-configs.
func Default() *Config {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultYAML)), yaml.Parser()); err != nil {
		panic(fmt.Sprintf("invalid built-in defaults: %v", err))
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(fmt.Sprintf("invalid built-in defaults: %v", err))
	}
	return &cfg
}
