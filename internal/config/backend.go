package config

import (
	"fmt"
	"time"
)

// ModelBackend identifies one model back-end available for multi-model
// analysis.
type ModelBackend struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
}

// BackendConfig configures the job API collaborator.
type BackendConfig struct {
	BaseURL        string         `yaml:"base_url" json:"base_url"`
	RequestTimeout string         `yaml:"request_timeout" json:"request_timeout"`
	ModelBackends  []ModelBackend `yaml:"model_backends" json:"model_backends"`
}

// DefaultBackendConfig returns the default backend configuration.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		BaseURL:        "http://localhost:8085",
		RequestTimeout: "30s",
		ModelBackends: []ModelBackend{
			{ID: "counsel-pro", Label: "Counsel Pro"},
			{ID: "clause-scan", Label: "ClauseScan"},
			{ID: "brief-mind", Label: "BriefMind"},
		},
	}
}

// GetRequestTimeout returns the request timeout as a duration.
func (c BackendConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// BackendIDs returns the configured model back-end ids in declaration
// order. Declaration order is the registration order used for comparison
// tie-breaks.
func (c BackendConfig) BackendIDs() []string {
	ids := make([]string, 0, len(c.ModelBackends))
	for _, b := range c.ModelBackends {
		ids = append(ids, b.ID)
	}
	return ids
}

// Validate checks the backend configuration.
func (c BackendConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	seen := make(map[string]bool, len(c.ModelBackends))
	for _, b := range c.ModelBackends {
		if b.ID == "" {
			return fmt.Errorf("backend.model_backends entries need an id")
		}
		if seen[b.ID] {
			return fmt.Errorf("backend.model_backends has duplicate id %q", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}
