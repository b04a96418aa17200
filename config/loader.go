// =============================================================================
// hivemind configuration loader
// =============================================================================
// YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("hivemind.yaml").
//	    WithEnvPrefix("HIVEMIND").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration
// =============================================================================

// Config is the complete hivemind configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Hive       HiveConfig       `yaml:"hive" env:"HIVE"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" env:"DISPATCHER"`
	// Workers are self-registered by the hosting process at startup.
	Workers    []WorkerConfig   `yaml:"workers" env:"-"`
	Bus        BusConfig        `yaml:"bus" env:"BUS"`
	Federation FederationConfig `yaml:"federation" env:"FEDERATION"`
	Breaker    BreakerConfig    `yaml:"breaker" env:"BREAKER"`
	Miner      MinerConfig      `yaml:"miner" env:"MINER"`
	Models     ModelsConfig     `yaml:"models" env:"MODELS"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the ops HTTP API and metrics listener.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// HiveConfig identifies this process inside the federation.
type HiveConfig struct {
	ID       string `yaml:"id" env:"ID"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
}

// DispatcherConfig configures task routing.
type DispatcherConfig struct {
	// Default task timeout when the caller does not pass one.
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	// Executor goroutine pool.
	MaxExecutors int `yaml:"max_executors" env:"MAX_EXECUTORS"`
	QueueSize    int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// Workers silent for longer than this are marked offline.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	// Finished tasks kept for lookup before the oldest are evicted.
	MaxFinishedTasks int `yaml:"max_finished_tasks" env:"MAX_FINISHED_TASKS"`
}

// WorkerConfig declares a worker ("bee") registered at startup.
type WorkerConfig struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	// Model routes tasks of this worker through the circuit breaker.
	Model string `yaml:"model"`
}

// BusConfig configures messaging and knowledge sharing.
type BusConfig struct {
	InboxSize        int           `yaml:"inbox_size" env:"INBOX_SIZE"`
	MaxInboxSize     int           `yaml:"max_inbox_size" env:"MAX_INBOX_SIZE"`
	KnowledgeBackend string        `yaml:"knowledge_backend" env:"KNOWLEDGE_BACKEND"` // memory, redis
	KnowledgeTTL     time.Duration `yaml:"knowledge_ttl" env:"KNOWLEDGE_TTL"`
	BroadcastRPS     float64       `yaml:"broadcast_rps" env:"BROADCAST_RPS"`
	BroadcastBurst   int           `yaml:"broadcast_burst" env:"BROADCAST_BURST"`
}

// FederationConfig configures the cross-hive gateway.
type FederationConfig struct {
	Enabled           bool          `yaml:"enabled" env:"ENABLED"`
	Transport         string        `yaml:"transport" env:"TRANSPORT"` // memory, redis
	RemoteTaskTimeout time.Duration `yaml:"remote_task_timeout" env:"REMOTE_TASK_TIMEOUT"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout" env:"DISCOVERY_TIMEOUT"`
	QueryTimeout      time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

// BreakerConfig configures the model circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	FallbackModel    string        `yaml:"fallback_model" env:"FALLBACK_MODEL"`
	CallTimeout      time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// MinerConfig configures the failure-pattern miner.
type MinerConfig struct {
	// Persist reports and patterns to the configured database.
	Persist bool `yaml:"persist" env:"PERSIST"`
}

// ModelsConfig configures the external model providers.
type ModelsConfig struct {
	AnthropicAPIKey  string        `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `yaml:"anthropic_base_url" env:"ANTHROPIC_BASE_URL"`
	OpenAIAPIKey     string        `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	// Gemini is reached through its OpenAI compatible endpoint.
	GeminiAPIKey  string        `yaml:"gemini_api_key" env:"GEMINI_API_KEY"`
	GeminiBaseURL string        `yaml:"gemini_base_url" env:"GEMINI_BASE_URL"`
	MaxTokens     int64         `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Aliases map logical model names (such as the breaker fallback) to
	// provider model ids.
	Aliases map[string]string `yaml:"aliases" env:"-"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	TLS       bool   `yaml:"tls" env:"TLS"`
}

// DatabaseConfig database configuration
type DatabaseConfig struct {
	// Driver: postgres, mysql, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig logging configuration
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the HIVEMIND env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "HIVEMIND",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively following env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults plus environment overrides only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Hive.ID == "" {
		errs = append(errs, "hive.id is required")
	}
	if c.Dispatcher.TaskTimeout <= 0 {
		errs = append(errs, "dispatcher.task_timeout must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, "breaker.reset_timeout must be positive")
	}
	switch c.Bus.KnowledgeBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported bus.knowledge_backend %q", c.Bus.KnowledgeBackend))
	}
	if c.Federation.Enabled {
		switch c.Federation.Transport {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("unsupported federation.transport %q", c.Federation.Transport))
		}
		if c.Federation.RemoteTaskTimeout <= 0 {
			errs = append(errs, "federation.remote_task_timeout must be positive")
		}
	}
	if c.Miner.Persist && c.Database.Driver == "" {
		errs = append(errs, "miner.persist requires database.driver")
	}
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			errs = append(errs, fmt.Sprintf("workers[%d].id is required", i))
			continue
		}
		if _, dup := seen[w.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate worker id %s", w.ID))
		}
		seen[w.ID] = struct{}{}
		if len(w.Capabilities) == 0 {
			errs = append(errs, fmt.Sprintf("worker %s has no capabilities", w.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
