// Package config loads process configuration from the environment. Invalid
// values are startup-fatal; missing values fall back to defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the dashboard server process.
type ServerConfig struct {
	// Port the HTTP server listens on.
	Port string

	// StorageBackend selects "postgres" or "memory".
	StorageBackend string

	// AuthToken, when set, is required as a bearer token on mutating
	// endpoints.
	AuthToken string

	// Slack notification settings; empty token disables.
	SlackToken   string
	SlackChannel string

	// PublicURL is the externally reachable base URL, used in
	// notification links.
	PublicURL string
}

// OrchestratorConfig configures the orchestrator process.
type OrchestratorConfig struct {
	DashboardURL string
	AuthToken    string

	MaxAgents        int
	MaxRetries       int
	BaseRetryDelay   time.Duration
	PollInterval     time.Duration
	GracefulShutdown time.Duration

	// WorkDir is the repository root workers operate on.
	WorkDir string

	UseWorktrees     bool
	CleanupWorktrees bool

	// WorkerCommand and WorkerArgs form the worker command line.
	WorkerCommand string
	WorkerArgs    []string

	// AdvisorCommand is the optional routing advisor executable.
	AdvisorCommand string
}

// ServerConfigFromEnv builds the server config from the environment.
func ServerConfigFromEnv() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:           getEnv("PORT", "8080"),
		StorageBackend: getEnv("STORAGE_BACKEND", "postgres"),
		AuthToken:      os.Getenv("API_AUTH_TOKEN"),
		SlackToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:   os.Getenv("SLACK_CHANNEL"),
		PublicURL:      getEnv("PUBLIC_URL", "http://localhost:8080"),
	}

	if cfg.StorageBackend != "postgres" && cfg.StorageBackend != "memory" {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q: must be postgres or memory", cfg.StorageBackend)
	}
	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT %q: %w", cfg.Port, err)
	}
	return cfg, nil
}

// OrchestratorConfigFromEnv builds the orchestrator config from the
// environment.
func OrchestratorConfigFromEnv() (*OrchestratorConfig, error) {
	cfg := &OrchestratorConfig{
		DashboardURL:   getEnv("DASHBOARD_URL", "http://localhost:8080"),
		AuthToken:      os.Getenv("API_AUTH_TOKEN"),
		WorkDir:        getEnv("WORK_DIR", "."),
		WorkerCommand:  getEnv("WORKER_COMMAND", "agent-worker"),
		WorkerArgs:     strings.Fields(os.Getenv("WORKER_ARGS")),
		AdvisorCommand: os.Getenv("ROUTING_ADVISOR_COMMAND"),
	}

	var err error
	if cfg.MaxAgents, err = intEnv("MAX_AGENTS", 3); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.BaseRetryDelay, err = durationEnv("BASE_RETRY_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = durationEnv("POLL_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.GracefulShutdown, err = durationEnv("GRACEFUL_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.UseWorktrees, err = boolEnv("USE_WORKTREES", true); err != nil {
		return nil, err
	}
	if cfg.CleanupWorktrees, err = boolEnv("CLEANUP_WORKTREES", false); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants. Failures are startup-fatal.
func (c *OrchestratorConfig) Validate() error {
	u, err := url.Parse(c.DashboardURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid DASHBOARD_URL %q", c.DashboardURL)
	}
	if c.MaxAgents < 1 {
		return fmt.Errorf("MAX_AGENTS must be at least 1, got %d", c.MaxAgents)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.BaseRetryDelay <= 0 {
		return fmt.Errorf("BASE_RETRY_DELAY must be positive, got %s", c.BaseRetryDelay)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.GracefulShutdown <= 0 {
		return fmt.Errorf("GRACEFUL_SHUTDOWN_TIMEOUT must be positive, got %s", c.GracefulShutdown)
	}
	if c.WorkerCommand == "" {
		return fmt.Errorf("WORKER_COMMAND must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}
