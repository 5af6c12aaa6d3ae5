package config

import "fmt"

// LimitsConfig bounds concurrent work handled by a single client process.
type LimitsConfig struct {
	// Jobs that may be active (not yet terminal) at once. Creating a job
	// past this limit is refused; an existing job must finish or be
	// removed first.
	MaxActiveJobs int `yaml:"max_active_jobs" json:"max_active_jobs"`
}

// DefaultLimitsConfig returns the default process limits.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxActiveJobs: 5,
	}
}

// Validate checks the limits.
func (l LimitsConfig) Validate() error {
	if l.MaxActiveJobs < 1 {
		return fmt.Errorf("limits.max_active_jobs must be >= 1")
	}
	return nil
}
