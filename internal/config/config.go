// Package config holds all docket configuration: the backend endpoint, the
// live-update transport tuning, the local session store, job limits, and
// logging. Each concern lives in its own file with its own defaults and
// validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all docket configuration.
type Config struct {
	// Backend endpoint and model back-ends
	Backend BackendConfig `yaml:"backend" json:"backend"`

	// Live update channel and polling fallback
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Local session persistence
	Store StoreConfig `yaml:"store" json:"store"`

	// Job limits
	Limits LimitsConfig `yaml:"limits" json:"limits"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Backend:   DefaultBackendConfig(),
		Transport: DefaultTransportConfig(),
		Store:     DefaultStoreConfig(),
		Limits:    DefaultLimitsConfig(),
		Logging:   DefaultLoggingConfig(),
	}
}

// Load loads configuration from a YAML file layered over defaults. A
// missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file, creating directories as
// needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if u := os.Getenv("DOCKET_BACKEND_URL"); u != "" {
		c.Backend.BaseURL = u
	}
	if p := os.Getenv("DOCKET_DB"); p != "" {
		c.Store.Path = p
	}
	if l := os.Getenv("DOCKET_LOG_LEVEL"); l != "" {
		c.Logging.Level = l
	}
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}
