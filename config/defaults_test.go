package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, HiveConfig{}, cfg.Hive)
	assert.NotEqual(t, DispatcherConfig{}, cfg.Dispatcher)
	assert.NotEqual(t, BusConfig{}, cfg.Bus)
	assert.NotEqual(t, FederationConfig{}, cfg.Federation)
	assert.NotEqual(t, BreakerConfig{}, cfg.Breaker)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.Empty(t, cfg.Workers)
}

func TestDefaultBreakerConfig(t *testing.T) {
	cfg := DefaultBreakerConfig()
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.ResetTimeout)
	assert.Equal(t, "gemini-flash", cfg.FallbackModel)
	assert.Zero(t, cfg.CallTimeout)
}

func TestDefaultFederationConfig(t *testing.T) {
	cfg := DefaultFederationConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "redis", cfg.Transport)
	// remote tasks get their own, longer window than local tasks
	assert.Greater(t, cfg.RemoteTaskTimeout, DefaultDispatcherConfig().TaskTimeout)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
}

func TestDefaultBusConfig(t *testing.T) {
	cfg := DefaultBusConfig()
	assert.Equal(t, "memory", cfg.KnowledgeBackend)
	assert.Equal(t, 64, cfg.InboxSize)
	assert.Greater(t, cfg.MaxInboxSize, cfg.InboxSize)
}

func TestDefaultDatabaseConfig(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.Empty(t, cfg.Driver)
	assert.Equal(t, "hivemind", cfg.Name)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "hivemind", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
