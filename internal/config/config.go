// Package config loads the proxy's process configuration from the
// environment, validates it, and provides a redacted view safe to log.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the proxy's tunables. Every field is overridable via the
// CDPPROXY_ environment prefix (e.g. CDPPROXY_PORT, CDPPROXY_BIND_HOST).
type Config struct {
	BindHost string `envconfig:"BIND_HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"9223"`

	MaxConsoleMessages int `envconfig:"MAX_CONSOLE_MESSAGES" default:"1000"`
	MaxNetworkRequests int `envconfig:"MAX_NETWORK_REQUESTS" default:"500"`

	DefaultCommandTimeoutMs int `envconfig:"DEFAULT_COMMAND_TIMEOUT_MS" default:"30000"`
	HealthCheckTimeoutMs    int `envconfig:"HEALTH_CHECK_TIMEOUT_MS" default:"5000"`
	UpstreamConnectTimeoutMs int `envconfig:"UPSTREAM_CONNECT_TIMEOUT_MS" default:"10000"`

	HealthCheckIntervalMs int `envconfig:"HEALTH_CHECK_INTERVAL_MS" default:"30000"`
	MaxConsecutiveErrors  int `envconfig:"MAX_CONSECUTIVE_ERRORS" default:"3"`

	ReconnectBackoffBaseMs int `envconfig:"RECONNECT_BACKOFF_BASE_MS" default:"500"`
	ReconnectMaxAttempts   int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"8"`

	AutoShutdownTimeoutMs int `envconfig:"AUTO_SHUTDOWN_TIMEOUT_MS" default:"300000"`
	MemorySweepIntervalMs int `envconfig:"MEMORY_SWEEP_INTERVAL_MS" default:"60000"`

	MaxBodyBytes    int64 `envconfig:"MAX_BODY_BYTES" default:"10485760"`
	RateLimitPerMin int   `envconfig:"RATE_LIMIT_PER_MIN" default:"100"`
	SensitiveRateLimitPerMin int `envconfig:"SENSITIVE_RATE_LIMIT_PER_MIN" default:"25"`

	AllowedHosts []string `envconfig:"ALLOWED_HOSTS"`

	LogDir         string `envconfig:"LOG_DIR" default:"~/.chrome-cdp-cli/logs"`
	LogMaxSizeMB   int    `envconfig:"LOG_MAX_SIZE_MB" default:"10"`
	LogMaxFiles    int    `envconfig:"LOG_MAX_FILES" default:"5"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("CDPPROXY", &c); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func validate(c *Config) error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	case c.MaxConsoleMessages <= 0:
		return fmt.Errorf("MAX_CONSOLE_MESSAGES must be positive, got %d", c.MaxConsoleMessages)
	case c.MaxNetworkRequests <= 0:
		return fmt.Errorf("MAX_NETWORK_REQUESTS must be positive, got %d", c.MaxNetworkRequests)
	case c.ReconnectMaxAttempts <= 0:
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive, got %d", c.ReconnectMaxAttempts)
	case c.AutoShutdownTimeoutMs <= 0:
		return fmt.Errorf("AUTO_SHUTDOWN_TIMEOUT_MS must be positive, got %d", c.AutoShutdownTimeoutMs)
	case c.MaxBodyBytes <= 0:
		return fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes)
	case c.BindHost == "":
		return fmt.Errorf("BIND_HOST is required")
	}
	return nil
}

// LogSafeConfig returns a map suitable for structured logging: a subset of
// the config (bind address, buffer caps, command, health-check and
// auto-shutdown timings) with log_dir redacted, since it could leak
// operator-specific filesystem layout.
func (c *Config) LogSafeConfig() map[string]any {
	return map[string]any{
		"bind_host":                  c.BindHost,
		"port":                       c.Port,
		"max_console_messages":       c.MaxConsoleMessages,
		"max_network_requests":       c.MaxNetworkRequests,
		"default_command_timeout_ms": c.DefaultCommandTimeoutMs,
		"health_check_interval_ms":   c.HealthCheckIntervalMs,
		"auto_shutdown_timeout_ms":   c.AutoShutdownTimeoutMs,
		"log_dir":                    "[REDACTED]",
	}
}
