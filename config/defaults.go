// =============================================================================
// hivemind default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Hive:       DefaultHiveConfig(),
		Dispatcher: DefaultDispatcherConfig(),
		Bus:        DefaultBusConfig(),
		Federation: DefaultFederationConfig(),
		Breaker:    DefaultBreakerConfig(),
		Miner:      MinerConfig{},
		Models:     DefaultModelsConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultHiveConfig returns the default hive identity.
func DefaultHiveConfig() HiveConfig {
	return HiveConfig{
		ID:       "hive-local",
		Endpoint: "http://localhost:8080",
	}
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		TaskTimeout:      30 * time.Second,
		MaxExecutors:     64,
		QueueSize:        1024,
		HeartbeatTimeout: time.Minute,
		MaxFinishedTasks: 10000,
	}
}

// DefaultBusConfig returns the default bus configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		InboxSize:        64,
		MaxInboxSize:     4096,
		KnowledgeBackend: "memory",
		KnowledgeTTL:     0,
		BroadcastRPS:     50,
		BroadcastBurst:   100,
	}
}

// DefaultFederationConfig returns the default federation configuration.
func DefaultFederationConfig() FederationConfig {
	return FederationConfig{
		Enabled:           false,
		Transport:         "redis",
		RemoteTaskTimeout: 45 * time.Second,
		DiscoveryTimeout:  2 * time.Second,
		QueryTimeout:      2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

// DefaultBreakerConfig returns the default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		FallbackModel:    "gemini-flash",
		CallTimeout:      0,
	}
}

// DefaultModelsConfig returns the default model provider configuration.
func DefaultModelsConfig() ModelsConfig {
	return ModelsConfig{
		GeminiBaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
		MaxTokens:     1024,
		Timeout:       2 * time.Minute,
		Aliases: map[string]string{
			"gemini-flash": "gemini-2.0-flash",
		},
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "hivemind:",
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "hivemind",
		Password:        "",
		Name:            "hivemind",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "hivemind",
		SampleRate:   0.1,
	}
}
