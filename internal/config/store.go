package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store driver names.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// StoreConfig selects and tunes the persistent job store.
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	// Path to the database file (sqlite) or state file (file driver).
	// Ignored by the memory driver.
	Path string `yaml:"path" json:"path"`
	// Saved session records older than this are discarded on load.
	SessionTTL string `yaml:"session_ttl" json:"session_ttl"`
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:     DriverSQLite,
		Path:       "~/.docket/docket.db",
		SessionTTL: "24h",
	}
}

// GetSessionTTL returns the session record TTL as a duration.
func (c StoreConfig) GetSessionTTL() time.Duration {
	return parseDuration(c.SessionTTL, 24*time.Hour)
}

// GetPath returns the store path with a leading ~ expanded to the user's
// home directory.
func (c StoreConfig) GetPath() string {
	if !strings.HasPrefix(c.Path, "~") {
		return c.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return c.Path
	}
	return filepath.Join(home, strings.TrimPrefix(c.Path, "~"))
}

// Validate checks the store configuration.
func (c StoreConfig) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverFile, DriverMemory:
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, file, memory", c.Driver)
	}
	if c.Driver != DriverMemory && c.Path == "" {
		return fmt.Errorf("store.path is required for driver %q", c.Driver)
	}
	return nil
}
