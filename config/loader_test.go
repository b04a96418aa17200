package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "hive-local", cfg.Hive.ID)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hivemind.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

hive:
  id: "hive-eu"
  endpoint: "http://eu.internal:8080"

dispatcher:
  task_timeout: 5s

workers:
  - id: "bee-chat"
    capabilities: ["chat", "translation"]
    model: "claude-sonnet"
  - id: "bee-img"
    capabilities: ["image"]

breaker:
  failure_threshold: 5
  reset_timeout: 1s
  fallback_model: "flash"

federation:
  enabled: true
  transport: "memory"

redis:
  addr: "redis.example.com:6379"
  db: 1

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "hive-eu", cfg.Hive.ID)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.TaskTimeout)

	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, []string{"chat", "translation"}, cfg.Workers[0].Capabilities)
	assert.Equal(t, "claude-sonnet", cfg.Workers[0].Model)
	assert.Empty(t, cfg.Workers[1].Model)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, "flash", cfg.Breaker.FallbackModel)

	assert.True(t, cfg.Federation.Enabled)
	assert.Equal(t, "memory", cfg.Federation.Transport)
	// untouched keys keep their defaults
	assert.Equal(t, 45*time.Second, cfg.Federation.RemoteTaskTimeout)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("HIVEMIND_SERVER_HTTP_PORT", "7777")
	t.Setenv("HIVEMIND_HIVE_ID", "hive-env")
	t.Setenv("HIVEMIND_BREAKER_RESET_TIMEOUT", "250ms")
	t.Setenv("HIVEMIND_BUS_BROADCAST_RPS", "12.5")
	t.Setenv("HIVEMIND_FEDERATION_ENABLED", "true")
	t.Setenv("HIVEMIND_LOG_OUTPUT_PATHS", "stdout, /var/log/hived.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "hive-env", cfg.Hive.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.Breaker.ResetTimeout)
	assert.InDelta(t, 12.5, cfg.Bus.BroadcastRPS, 0.001)
	assert.True(t, cfg.Federation.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/hived.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hivemind.yaml")
	yamlContent := `
hive:
  id: "yaml-hive"
breaker:
  fallback_model: "yaml-flash"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	t.Setenv("HIVEMIND_HIVE_ID", "env-hive")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "env-hive", cfg.Hive.ID)
	assert.Equal(t, "yaml-flash", cfg.Breaker.FallbackModel)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("COLONY_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("COLONY").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("HIVEMIND_BREAKER_FAILURE_THRESHOLD", "three")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HIVEMIND_BREAKER_FAILURE_THRESHOLD")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("HIVEMIND_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/hivemind.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: [invalid\n"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config methods ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{
			name:    "invalid HTTP port",
			modify:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "missing hive id",
			modify:  func(c *Config) { c.Hive.ID = "" },
			wantErr: "hive.id",
		},
		{
			name:    "zero failure threshold",
			modify:  func(c *Config) { c.Breaker.FailureThreshold = 0 },
			wantErr: "failure_threshold",
		},
		{
			name:    "unknown knowledge backend",
			modify:  func(c *Config) { c.Bus.KnowledgeBackend = "etcd" },
			wantErr: "knowledge_backend",
		},
		{
			name: "unknown federation transport",
			modify: func(c *Config) {
				c.Federation.Enabled = true
				c.Federation.Transport = "nats"
			},
			wantErr: "federation.transport",
		},
		{
			name:    "persist without database",
			modify:  func(c *Config) { c.Miner.Persist = true },
			wantErr: "miner.persist",
		},
		{
			name: "duplicate worker",
			modify: func(c *Config) {
				c.Workers = []WorkerConfig{
					{ID: "w1", Capabilities: []string{"chat"}},
					{ID: "w1", Capabilities: []string{"image"}},
				}
			},
			wantErr: "duplicate worker id w1",
		},
		{
			name: "worker without capabilities",
			modify: func(c *Config) {
				c.Workers = []WorkerConfig{{ID: "w1"}}
			},
			wantErr: "no capabilities",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "file::memory:"},
			expected: "file::memory:",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestMustLoad_PanicsOnInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("hive: [\n"), 0o644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
