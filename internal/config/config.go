// Package config provides Gateway configuration loading and path management.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally preceded by a .env file for local development. The Gateway has
// a deliberately small configuration surface: bind port, base directory,
// log level, and the handful of operational timeouts the spec names
// (retention window, approval timeout, outbound queue bound). Everything
// else (front-end behavior, agent/provider selection) belongs to external
// collaborators.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all Gateway configuration.
type Config struct {
	// BindPort is the loopback TCP port the WebSocket listener binds to.
	BindPort int

	// BaseDir is the root of the Gateway's persisted state (~/.dorabot by default).
	BaseDir string

	// LogLevel is the minimum zerolog level to emit.
	LogLevel string

	// RetentionSeconds is the max age of an event before the sweeper may remove it.
	RetentionSeconds int

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration

	// ApprovalTimeout is how long a pending approval waits before auto-deny.
	ApprovalTimeout time.Duration

	// OutboundQueueBound is the max number of backlogged events per connection
	// before the router evicts it with ErrSlowConsumer.
	OutboundQueueBound int

	// ReplayPageSize bounds how many events a single query-by-cursors page returns.
	ReplayPageSize int

	// PingInterval is the WebSocket keepalive ping cadence.
	PingInterval time.Duration
}

// Load reads configuration from environment variables, first loading a
// .env file if one is present in the working directory (ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg := &Config{
		BindPort:           getEnvInt("DORABOT_BIND_PORT", 18789),
		BaseDir:            getEnv("DORABOT_BASE_DIR", fmt.Sprintf("%s/.dorabot", home)),
		LogLevel:           getEnv("DORABOT_LOG_LEVEL", "info"),
		RetentionSeconds:   getEnvInt("DORABOT_RETENTION_SECONDS", 3600),
		SweepInterval:      getEnvDuration("DORABOT_SWEEP_INTERVAL", 5*time.Minute),
		ApprovalTimeout:    getEnvDuration("DORABOT_APPROVAL_TIMEOUT", 10*time.Minute),
		OutboundQueueBound: getEnvInt("DORABOT_OUTBOUND_QUEUE_BOUND", 10_000),
		ReplayPageSize:     getEnvInt("DORABOT_REPLAY_PAGE_SIZE", 2000),
		PingInterval:       getEnvDuration("DORABOT_PING_INTERVAL", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all configuration fields are in range.
func (c *Config) Validate() error {
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("DORABOT_BIND_PORT out of range: %d", c.BindPort)
	}
	if c.BaseDir == "" {
		return fmt.Errorf("DORABOT_BASE_DIR cannot be empty")
	}
	if c.RetentionSeconds <= 0 {
		return fmt.Errorf("DORABOT_RETENTION_SECONDS must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("DORABOT_SWEEP_INTERVAL must be > 0")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("DORABOT_APPROVAL_TIMEOUT must be > 0")
	}
	if c.OutboundQueueBound <= 0 {
		return fmt.Errorf("DORABOT_OUTBOUND_QUEUE_BOUND must be > 0")
	}
	if c.ReplayPageSize <= 0 {
		return fmt.Errorf("DORABOT_REPLAY_PAGE_SIZE must be > 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("DORABOT_PING_INTERVAL must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
