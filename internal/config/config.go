// Package config loads macotron configuration and defines the persisted
// layout of the config root directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all macotron configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Snippet lifecycle settings
	Snippets SnippetsConfig `yaml:"snippets"`

	// Backup retention
	Backup BackupConfig `yaml:"backup"`

	// Debug HTTP surface
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the AI provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// SnippetsConfig configures snippet loading and auto-fix.
type SnippetsConfig struct {
	// WatchDebounceMs is the settle window for coalescing file change
	// notifications into one reload.
	WatchDebounceMs int `yaml:"watch_debounce_ms"`

	// AutoFix enables handing failed snippets to the AI provider.
	AutoFix bool `yaml:"auto_fix"`

	// AutoFixCooldownMin rate-limits fix attempts per snippet path.
	AutoFixCooldownMin int `yaml:"auto_fix_cooldown_min"`
}

// BackupConfig configures archive retention.
type BackupConfig struct {
	MaxAgeDays int `yaml:"max_age_days"`
	MaxCount   int `yaml:"max_count"`
}

// ServerConfig configures the local debug HTTP server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // must stay loopback
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Name:    "macotron",
		Version: "1.0.0",
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},
		Snippets: SnippetsConfig{
			WatchDebounceMs:    500,
			AutoFix:            true,
			AutoFixCooldownMin: 10,
		},
		Backup: BackupConfig{
			MaxAgeDays: 30,
			MaxCount:   100,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:4620",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config.yaml from the config root, falling back to defaults for
// anything unset. A missing file is not an error; first run writes nothing.
func Load(root string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(root, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if cfg.Backup.MaxAgeDays <= 0 {
		cfg.Backup.MaxAgeDays = 30
	}
	if cfg.Backup.MaxCount <= 0 {
		cfg.Backup.MaxCount = 100
	}
	if cfg.Snippets.WatchDebounceMs <= 0 {
		cfg.Snippets.WatchDebounceMs = 500
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment. The API key should not
// have to live in a file that gets archived into every backup.
func (c *Config) applyEnv() {
	if key := os.Getenv("MACOTRON_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
}
