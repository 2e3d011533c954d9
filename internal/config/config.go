// Package config loads sandboxd settings from ~/.sandboxd/config.yaml with
// environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds global sandboxd settings.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Image   ImageConfig   `yaml:"image"`
	Debug   DebugConfig   `yaml:"debug"`
}

// BackendConfig holds settings for the authoritative state store.
type BackendConfig struct {
	// URL is the base URL of the backend API.
	URL string `yaml:"url"`
}

// ImageConfig holds image freshness settings.
type ImageConfig struct {
	// PullTTLHours is how long a mutable-tag pull stays fresh before the
	// next start re-pulls. Zero means the default (4 hours).
	PullTTLHours int `yaml:"pull_ttl_hours"`
}

// DebugConfig holds diagnostics settings.
type DebugConfig struct {
	// RetentionDays is how many days of debug log files to keep.
	RetentionDays int `yaml:"retention_days"`
	// AttachOutput streams container stdout/stderr into the debug log.
	AttachOutput bool `yaml:"attach_output"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{URL: "http://127.0.0.1:9777"},
		Debug:   DebugConfig{RetentionDays: 7},
	}
}

// Load reads ~/.sandboxd/config.yaml and applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(filepath.Join(Dir(), "config.yaml")); err == nil {
		_ = yaml.Unmarshal(data, cfg) // ignore unmarshal errors, use defaults
	}

	if url := os.Getenv("SANDBOXD_BACKEND_URL"); url != "" {
		cfg.Backend.URL = url
	}
	if ttl := os.Getenv("SANDBOXD_PULL_TTL_HOURS"); ttl != "" {
		if hours, err := strconv.Atoi(ttl); err == nil {
			cfg.Image.PullTTLHours = hours
		}
	}
	if os.Getenv("SANDBOXD_ATTACH_OUTPUT") == "1" {
		cfg.Debug.AttachOutput = true
	}

	return cfg, nil
}

// PullTTL returns the configured image pull TTL as a duration.
func (c *Config) PullTTL() time.Duration {
	if c.Image.PullTTLHours > 0 {
		return time.Duration(c.Image.PullTTLHours) * time.Hour
	}
	return 4 * time.Hour
}

// Dir returns the path to ~/.sandboxd.
func Dir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".sandboxd")
	}
	return filepath.Join(homeDir, ".sandboxd")
}
