package config

import (
	"fmt"
	"time"
)

// TransportConfig tunes the live update channel and its polling fallback.
type TransportConfig struct {
	// Reconnect backoff: delay = min(base * 2^attempt, max)
	BaseReconnectDelay string `yaml:"base_reconnect_delay" json:"base_reconnect_delay"`
	MaxReconnectDelay  string `yaml:"max_reconnect_delay" json:"max_reconnect_delay"`

	// Channel opens allowed before the job switches to polling mode
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	HeartbeatInterval string `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	PollInterval      string `yaml:"poll_interval" json:"poll_interval"`
	HandshakeTimeout  string `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// DefaultTransportConfig returns the default transport tuning.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BaseReconnectDelay:   "1s",
		MaxReconnectDelay:    "30s",
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    "30s",
		PollInterval:         "5s",
		HandshakeTimeout:     "10s",
	}
}

// GetBaseReconnectDelay returns the base reconnect delay as a duration.
func (c TransportConfig) GetBaseReconnectDelay() time.Duration {
	return parseDuration(c.BaseReconnectDelay, time.Second)
}

// GetMaxReconnectDelay returns the reconnect delay cap as a duration.
func (c TransportConfig) GetMaxReconnectDelay() time.Duration {
	return parseDuration(c.MaxReconnectDelay, 30*time.Second)
}

// GetHeartbeatInterval returns the heartbeat interval as a duration.
func (c TransportConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.HeartbeatInterval, 30*time.Second)
}

// GetPollInterval returns the polling fallback interval. An explicit zero
// disables the fallback entirely; the job then needs a working channel.
func (c TransportConfig) GetPollInterval() time.Duration {
	if c.PollInterval == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d < 0 {
		return 5 * time.Second
	}
	return d
}

// GetHandshakeTimeout returns the websocket handshake timeout as a duration.
func (c TransportConfig) GetHandshakeTimeout() time.Duration {
	return parseDuration(c.HandshakeTimeout, 10*time.Second)
}

// Validate checks the transport configuration.
func (c TransportConfig) Validate() error {
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("transport.max_reconnect_attempts must be >= 0")
	}
	if c.GetBaseReconnectDelay() > c.GetMaxReconnectDelay() {
		return fmt.Errorf("transport.base_reconnect_delay must not exceed max_reconnect_delay")
	}
	return nil
}

// parseDuration parses a duration string, falling back to def on empty or
// invalid input.
func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
