// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, validation and live reload

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8090"
  grpc_addr: "0.0.0.0:50061"

database:
  path: "./test.db"
  driver: "sqlite3"

coordination:
  fanin_timeout: "90s"
  poll_interval: "250ms"
  stop_on_timeout: true
  lock_ttl: "10s"
  max_subscribers: 5

executor:
  provider: "anthropic"
  model: "claude-sonnet-4-5"
  max_tokens: 1024

agents:
  - id: "lead"
    enabled: true
    can_spawn: ["*"]
  - id: "researcher"
    enabled: false
    model: "small"
    capabilities: ["web", "files"]

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8090", cfg.Server.HTTPAddr)
	assert.Equal(t, "0.0.0.0:50061", cfg.Server.GRPCAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)

	assert.Equal(t, 90*time.Second, cfg.Coordination.FanInTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Coordination.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Coordination.LockTTL)
	assert.True(t, cfg.Coordination.StopOnTimeout)
	assert.Equal(t, 5, cfg.Coordination.MaxSubscribers)
	// Unset durations take defaults.
	assert.Equal(t, DefaultConflictWindow, cfg.Coordination.ConflictWindow)
	assert.Equal(t, DefaultWriteRetention, cfg.Coordination.WriteRetention)

	assert.Equal(t, ProviderAnthropic, cfg.Executor.Provider)
	assert.Equal(t, int64(1024), cfg.Executor.MaxTokens)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, []string{"*"}, cfg.Agents[0].CanSpawn)
	assert.False(t, cfg.Agents[1].Enabled)
	assert.Equal(t, []string{"web", "files"}, cfg.Agents[1].Capabilities)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "/tmp/coord.db"

[coordination]
fanin_timeout = "30s"

[executor]
provider = "echo"
echo_delay = "15ms"

[[agents]]
id = "lead"
enabled = true
can_spawn = ["worker"]

[[agents]]
id = "worker"
enabled = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Coordination.FanInTimeout)
	assert.Equal(t, 15*time.Millisecond, cfg.Executor.EchoDelay)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, []string{"worker"}, cfg.Agents[0].CanSpawn)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8090"
database:
  path: "./x.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultFanInTimeout, cfg.Coordination.FanInTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.Coordination.PollInterval)
	assert.Equal(t, DefaultLockTTL, cfg.Coordination.LockTTL)
	assert.Equal(t, DefaultMaxSubscribers, cfg.Coordination.MaxSubscribers)
	assert.False(t, cfg.Coordination.StopOnTimeout)
	assert.Equal(t, ProviderEcho, cfg.Executor.Provider)
	assert.Equal(t, int64(DefaultMaxTokens), cfg.Executor.MaxTokens)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_COORD_SECRET", "s3cret")
	t.Setenv("TEST_COORD_DB", "/var/lib/coord.db")

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8090"
database:
  path: "${TEST_COORD_DB}"
auth:
  jwt_secret: "${TEST_COORD_SECRET}"
executor:
  api_key: "${TEST_COORD_UNSET_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "/var/lib/coord.db", cfg.Database.Path)
	assert.Empty(t, cfg.Executor.APIKey)
}

func TestLoad_HomeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8090"
database:
  path: "~/data/coord.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "coord.db"), cfg.Database.Path)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing http addr",
			content: "database:\n  path: x.db\n",
			wantErr: "server.http_addr is required",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\ndatabase:\n  path: x.db\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "missing database path",
			content: "server:\n  http_addr: a:1\n",
			wantErr: "database.path is required",
		},
		{
			name:    "bad driver",
			content: "server:\n  http_addr: a:1\ndatabase:\n  path: x.db\n  driver: postgres\n",
			wantErr: "database.driver",
		},
		{
			name:    "bad provider",
			content: "server:\n  http_addr: a:1\ndatabase:\n  path: x.db\nexecutor:\n  provider: llama\n",
			wantErr: "executor.provider",
		},
		{
			name:    "provider without model",
			content: "server:\n  http_addr: a:1\ndatabase:\n  path: x.db\nexecutor:\n  provider: openai\n",
			wantErr: "executor.model is required",
		},
		{
			name:    "bad duration",
			content: "server:\n  http_addr: a:1\ndatabase:\n  path: x.db\ncoordination:\n  lock_ttl: soon\n",
			wantErr: "coordination.lock_ttl",
		},
		{
			name:    "duplicate agent",
			content: "server:\n  http_addr: a:1\ndatabase:\n  path: x.db\nagents:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate agent id",
		},
		{
			name:    "agent without id",
			content: "server:\n  http_addr: a:1\ndatabase:\n  path: x.db\nagents:\n  - enabled: true\n",
			wantErr: "agents[0].id is required",
		},
		{
			name:    "invalid yaml",
			content: "server: [unterminated\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestExampleIsValid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(writeConfig(t, "config.yaml", Example))
	require.NoError(t, err)
	assert.Len(t, cfg.Agents, 3)
	assert.True(t, strings.HasSuffix(cfg.Database.Path, filepath.Join("coven", "coordinator.db")))
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	assert.Equal(t, "/flag.yaml", ResolvePath("/flag.yaml"))
	assert.Equal(t, filepath.Join("/xdg", "coven", "coordinator.yaml"), ResolvePath(""))

	t.Setenv(EnvConfigPath, "/env.yaml")
	assert.Equal(t, "/env.yaml", ResolvePath(""))
	assert.Equal(t, "/flag.yaml", ResolvePath("/flag.yaml"))
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server:\n  http_addr: a:1\ndatabase:\n  path: x.db\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *Config) { reloaded <- cfg })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: a:1\ndatabase:\n  path: x.db\nagents:\n  - id: new\n    enabled: true\n"), 0644))

	select {
	case cfg := <-reloaded:
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, "new", cfg.Agents[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
