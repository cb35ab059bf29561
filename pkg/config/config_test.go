package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigDefaults(t *testing.T) {
	cfg, err := ServerConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "postgres", cfg.StorageBackend)
	assert.Empty(t, cfg.AuthToken)
	assert.Equal(t, "http://localhost:8080", cfg.PublicURL)
}

func TestServerConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("API_AUTH_TOKEN", "secret")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_CHANNEL", "#deploys")

	cfg, err := ServerConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, "xoxb-test", cfg.SlackToken)
	assert.Equal(t, "#deploys", cfg.SlackChannel)
}

func TestServerConfigRejectsBadValues(t *testing.T) {
	t.Run("storage backend", func(t *testing.T) {
		t.Setenv("STORAGE_BACKEND", "cassandra")
		_, err := ServerConfigFromEnv()
		assert.ErrorContains(t, err, "STORAGE_BACKEND")
	})

	t.Run("port", func(t *testing.T) {
		t.Setenv("PORT", "not-a-port")
		_, err := ServerConfigFromEnv()
		assert.ErrorContains(t, err, "PORT")
	})
}

func TestOrchestratorConfigDefaults(t *testing.T) {
	cfg, err := OrchestratorConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.DashboardURL)
	assert.Equal(t, 3, cfg.MaxAgents)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.BaseRetryDelay)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.GracefulShutdown)
	assert.True(t, cfg.UseWorktrees)
	assert.False(t, cfg.CleanupWorktrees)
	assert.Equal(t, "agent-worker", cfg.WorkerCommand)
}

func TestOrchestratorConfigFromEnv(t *testing.T) {
	t.Setenv("DASHBOARD_URL", "https://crew.example.com")
	t.Setenv("MAX_AGENTS", "5")
	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("BASE_RETRY_DELAY", "2s")
	t.Setenv("POLL_INTERVAL", "1m")
	t.Setenv("USE_WORKTREES", "false")
	t.Setenv("WORKER_COMMAND", "claude")
	t.Setenv("WORKER_ARGS", "--dangerously-skip-permissions -p")

	cfg, err := OrchestratorConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://crew.example.com", cfg.DashboardURL)
	assert.Equal(t, 5, cfg.MaxAgents)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.BaseRetryDelay)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.False(t, cfg.UseWorktrees)
	assert.Equal(t, "claude", cfg.WorkerCommand)
	assert.Equal(t, []string{"--dangerously-skip-permissions", "-p"}, cfg.WorkerArgs)
}

func TestOrchestratorConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad url", "DASHBOARD_URL", "not a url", "DASHBOARD_URL"},
		{"url without scheme", "DASHBOARD_URL", "localhost:8080", "DASHBOARD_URL"},
		{"max agents not a number", "MAX_AGENTS", "many", "MAX_AGENTS"},
		{"max agents zero", "MAX_AGENTS", "0", "MAX_AGENTS"},
		{"negative retries", "MAX_RETRIES", "-1", "MAX_RETRIES"},
		{"bad duration", "POLL_INTERVAL", "soon", "POLL_INTERVAL"},
		{"zero delay", "BASE_RETRY_DELAY", "0s", "BASE_RETRY_DELAY"},
		{"bad bool", "USE_WORKTREES", "maybe", "USE_WORKTREES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := OrchestratorConfigFromEnv()
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateEmptyWorkerCommand(t *testing.T) {
	cfg := &OrchestratorConfig{
		DashboardURL:     "http://localhost:8080",
		MaxAgents:        1,
		BaseRetryDelay:   time.Second,
		PollInterval:     time.Second,
		GracefulShutdown: time.Second,
	}
	assert.ErrorContains(t, cfg.Validate(), "WORKER_COMMAND")
}
