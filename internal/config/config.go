// Package config holds govmon configuration: the static YAML config file
// loaded at startup, and the runtime-tunable threshold store persisted to
// the data directory and hot-reloaded on change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all govmon configuration.
type Config struct {
	// Name identifies this server instance in health and info responses.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// DataDir is the root of all persisted state.
	DataDir string `yaml:"data_dir"`

	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Locks     LocksConfig     `yaml:"locks"`
	Limits    LimitsConfig    `yaml:"limits"`
	Dialectic DialecticConfig `yaml:"dialectic"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool   `yaml:"debug_mode"`
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ServerConfig configures the tool dispatcher.
type ServerConfig struct {
	DefaultToolTimeout string `yaml:"default_tool_timeout"` // 30s
	UpdateToolTimeout  string `yaml:"update_tool_timeout"`  // 60s
	AdminToolTimeout   string `yaml:"admin_tool_timeout"`   // 10s
	MetadataDebounce   string `yaml:"metadata_debounce"`    // 500ms
}

// LocksConfig configures the advisory file lock manager.
type LocksConfig struct {
	PollInterval string `yaml:"poll_interval"` // 100ms
	Deadline     string `yaml:"deadline"`      // 5s
	StaleAge     string `yaml:"stale_age"`     // 5m
}

// LimitsConfig holds hard input and rate limits.
type LimitsConfig struct {
	MaxResponseBytes  int `yaml:"max_response_bytes"`  // 50000
	StoresPerHour     int `yaml:"stores_per_hour"`     // 10
	HistoryCap        int `yaml:"history_cap"`         // 100
	ListAgentsDefault int `yaml:"list_agents_default"` // 20
	SearchLimit       int `yaml:"search_limit"`        // 100
}

// DialecticConfig bounds the recovery protocol.
type DialecticConfig struct {
	MaxSynthesisRounds int    `yaml:"max_synthesis_rounds"` // 5
	MaxAntithesisWait  string `yaml:"max_antithesis_wait"`  // 2h
	ReviewerCooldown   string `yaml:"reviewer_cooldown"`    // 24h
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "govmon",
		Version: "1.0.0",
		DataDir: "data",
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		Server: ServerConfig{
			DefaultToolTimeout: "30s",
			UpdateToolTimeout:  "60s",
			AdminToolTimeout:   "10s",
			MetadataDebounce:   "500ms",
		},
		Locks: LocksConfig{
			PollInterval: "100ms",
			Deadline:     "5s",
			StaleAge:     "5m",
		},
		Limits: LimitsConfig{
			MaxResponseBytes:  50000,
			StoresPerHour:     10,
			HistoryCap:        100,
			ListAgentsDefault: 20,
			SearchLimit:       100,
		},
		Dialectic: DialecticConfig{
			MaxSynthesisRounds: 5,
			MaxAntithesisWait:  "2h",
			ReviewerCooldown:   "24h",
		},
	}
}

// Load reads config from path, layering file values over defaults.
// A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", filepath.Base(path), err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies environment overrides for deploy-time knobs.
func (c *Config) applyEnv() {
	if v := os.Getenv("GOVMON_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GOVMON_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Duration parses a config duration string, falling back to def when the
// field is empty or malformed. Config typos should degrade, not crash.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
