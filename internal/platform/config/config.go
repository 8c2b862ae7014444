// Package config loads the orchestrator's configuration from defaults,
// environment variables, and functional options, in that priority order,
// following the three-layer pattern of the teacher framework's core config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external interfaces and
// configuration surface: pipeline routing, turn budget, broker resilience
// defaults, storage DSNs, and model endpoints.
type Config struct {
	ServiceName string `env:"TURNPIPE_SERVICE_NAME" default:"turnpipe"`

	HTTP     HTTPConfig
	Pipeline PipelineConfig
	Broker   BrokerConfig
	Model    ModelConfig
	Store    StoreConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

// HTTPConfig configures the inbound turn RPC surface.
type HTTPConfig struct {
	Port            int           `env:"TURNPIPE_HTTP_PORT" default:"8080"`
	ReadTimeout     time.Duration `env:"TURNPIPE_HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `env:"TURNPIPE_HTTP_WRITE_TIMEOUT" default:"5s"`
	ShutdownTimeout time.Duration `env:"TURNPIPE_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// PipelineConfig controls the canary router and the per-turn budget the
// orchestrator enforces across every stage.
type PipelineConfig struct {
	StagedEnabled    bool          `env:"TURNPIPE_STAGED_ENABLED" default:"false"`
	CanaryPercent    int           `env:"TURNPIPE_CANARY_PERCENT" default:"0"`
	TurnDeadline     time.Duration `env:"TURNPIPE_TURN_DEADLINE" default:"2000ms"`
	MaxHistoryTurns  int           `env:"TURNPIPE_MAX_HISTORY_TURNS" default:"8"`
	MaxPlannedActions int          `env:"TURNPIPE_MAX_PLANNED_ACTIONS" default:"3"`
}

// BrokerConfig sets the Tool Broker's process-wide settings.
// MaxInFlightPerTool is passed to the pipeline as its process-wide
// in-flight turn cap, and DefaultTimeout becomes the HTTP transport
// client's timeout. DefaultMaxRetries, DefaultBaseBackoff,
// DefaultBackoffFactor and MaxBackoff are not applied to any tool: each
// tool's retry and backoff settings come only from its catalog entry.
type BrokerConfig struct {
	MaxInFlightPerTool int           `env:"TURNPIPE_BROKER_MAX_INFLIGHT" default:"10"`
	DefaultTimeout     time.Duration `env:"TURNPIPE_BROKER_DEFAULT_TIMEOUT" default:"3s"`
	DefaultMaxRetries  int           `env:"TURNPIPE_BROKER_DEFAULT_MAX_RETRIES" default:"2"`
	DefaultBaseBackoff time.Duration `env:"TURNPIPE_BROKER_DEFAULT_BASE_BACKOFF" default:"200ms"`
	DefaultBackoffFactor float64     `env:"TURNPIPE_BROKER_DEFAULT_BACKOFF_FACTOR" default:"2.0"`
	MaxBackoff         time.Duration `env:"TURNPIPE_BROKER_MAX_BACKOFF" default:"5s"`
	IdempotencyTTL     time.Duration `env:"TURNPIPE_BROKER_IDEMPOTENCY_TTL" default:"10m"`
	MaxBodyBytes       int64         `env:"TURNPIPE_BROKER_MAX_BODY_BYTES" default:"65536"`

	CircuitFailureThreshold int           `env:"TURNPIPE_CB_FAILURE_THRESHOLD" default:"5"`
	CircuitWindow           int           `env:"TURNPIPE_CB_WINDOW" default:"20"`
	CircuitCooldown         time.Duration `env:"TURNPIPE_CB_COOLDOWN" default:"30s"`
	CircuitHalfOpenMaxCalls int           `env:"TURNPIPE_CB_HALF_OPEN_MAX_CALLS" default:"1"`
}

// ModelConfig names the endpoints the Model Client providers dial.
type ModelConfig struct {
	Provider        string        `env:"TURNPIPE_MODEL_PROVIDER" default:"bedrock"`
	BedrockRegion   string        `env:"TURNPIPE_BEDROCK_REGION" default:"us-east-1"`
	BedrockModelID  string        `env:"TURNPIPE_BEDROCK_MODEL_ID" default:"anthropic.claude-3-haiku-20240307-v1:0"`
	OpenAIAPIKey    string        `env:"TURNPIPE_OPENAI_API_KEY"`
	OpenAIModel     string        `env:"TURNPIPE_OPENAI_MODEL" default:"gpt-4o-mini"`
	RequestTimeout  time.Duration `env:"TURNPIPE_MODEL_TIMEOUT" default:"1500ms"`
	MaxSchemaRetries int          `env:"TURNPIPE_MODEL_MAX_SCHEMA_RETRIES" default:"2"`
}

// StoreConfig is the Tenant State Store's Postgres DSN and pool sizing.
type StoreConfig struct {
	DSN             string        `env:"TURNPIPE_STORE_DSN"`
	MaxConns        int32         `env:"TURNPIPE_STORE_MAX_CONNS" default:"10"`
	MigrationsPath  string        `env:"TURNPIPE_STORE_MIGRATIONS_PATH" default:"file://internal/store/migrations"`
	ConnTimeout     time.Duration `env:"TURNPIPE_STORE_CONN_TIMEOUT" default:"5s"`
}

// RedisConfig backs the idempotency cache and the tenant cache
// invalidation channel.
type RedisConfig struct {
	URL      string `env:"TURNPIPE_REDIS_URL" default:"redis://localhost:6379/0"`
	PoolSize int    `env:"TURNPIPE_REDIS_POOL_SIZE" default:"20"`
}

// LoggingConfig selects the structured logger's verbosity and format, and
// whether PII fields are redacted before telemetry emission.
type LoggingConfig struct {
	Level          string `env:"TURNPIPE_LOG_LEVEL" default:"info"`
	Format         string `env:"TURNPIPE_LOG_FORMAT" default:"json"`
	RedactPII      bool   `env:"TURNPIPE_LOG_REDACT_PII" default:"true"`
}

// Option mutates a Config during construction, applied after defaults and
// environment overrides so callers always win.
type Option func(*Config)

// WithHTTPPort overrides the inbound server port.
func WithHTTPPort(port int) Option {
	return func(c *Config) { c.HTTP.Port = port }
}

// WithCanary sets the staged-pipeline enable flag and canary percentage.
func WithCanary(enabled bool, percent int) Option {
	return func(c *Config) {
		c.Pipeline.StagedEnabled = enabled
		c.Pipeline.CanaryPercent = percent
	}
}

// WithTurnDeadline overrides the per-turn budget.
func WithTurnDeadline(d time.Duration) Option {
	return func(c *Config) { c.Pipeline.TurnDeadline = d }
}

// WithStoreDSN overrides the Postgres connection string.
func WithStoreDSN(dsn string) Option {
	return func(c *Config) { c.Store.DSN = dsn }
}

// WithRedisURL overrides the Redis connection string.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}

// WithLogLevel overrides the structured logger's minimum level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.Logging.Level = level }
}

// Default returns a Config populated entirely from defaults, with no
// environment or option layer applied. Useful as a baseline in tests.
func Default() *Config {
	return &Config{
		ServiceName: "turnpipe",
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			StagedEnabled:     false,
			CanaryPercent:     0,
			TurnDeadline:      2000 * time.Millisecond,
			MaxHistoryTurns:   8,
			MaxPlannedActions: 3,
		},
		Broker: BrokerConfig{
			MaxInFlightPerTool:      10,
			DefaultTimeout:          3 * time.Second,
			DefaultMaxRetries:       2,
			DefaultBaseBackoff:      200 * time.Millisecond,
			DefaultBackoffFactor:    2.0,
			MaxBackoff:              5 * time.Second,
			IdempotencyTTL:          10 * time.Minute,
			MaxBodyBytes:            65536,
			CircuitFailureThreshold: 5,
			CircuitWindow:           20,
			CircuitCooldown:         30 * time.Second,
			CircuitHalfOpenMaxCalls: 1,
		},
		Model: ModelConfig{
			Provider:         "bedrock",
			BedrockRegion:    "us-east-1",
			BedrockModelID:   "anthropic.claude-3-haiku-20240307-v1:0",
			OpenAIModel:      "gpt-4o-mini",
			RequestTimeout:   1500 * time.Millisecond,
			MaxSchemaRetries: 2,
		},
		Store: StoreConfig{
			MaxConns:       10,
			MigrationsPath: "file://internal/store/migrations",
			ConnTimeout:    5 * time.Second,
		},
		Redis: RedisConfig{
			URL:      "redis://localhost:6379/0",
			PoolSize: 20,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			RedactPII: true,
		},
	}
}

// Load builds a Config from defaults, then environment variables, then the
// supplied options, and validates the result.
func Load(opts ...Option) (*Config, error) {
	c := Default()
	c.loadFromEnv()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// loadFromEnv overrides only the fields whose variables are read below.
// The env tags on the remaining fields (the HTTP read, write and
// shutdown timeouts, MaxHistoryTurns, MaxPlannedActions, the broker
// backoff settings, MaxBodyBytes, CircuitHalfOpenMaxCalls, OpenAIModel,
// RequestTimeout, MaxSchemaRetries, the Store pool, migrations and
// connection-timeout settings, and Redis PoolSize) are not read, so
// those fields keep their defaults unless an Option sets them.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("TURNPIPE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("TURNPIPE_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = p
		}
	}
	if v := os.Getenv("TURNPIPE_STAGED_ENABLED"); v != "" {
		c.Pipeline.StagedEnabled = parseBool(v)
	}
	if v := os.Getenv("TURNPIPE_CANARY_PERCENT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Pipeline.CanaryPercent = p
		}
	}
	if v := os.Getenv("TURNPIPE_TURN_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pipeline.TurnDeadline = d
		}
	}
	if v := os.Getenv("TURNPIPE_BROKER_MAX_INFLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.MaxInFlightPerTool = n
		}
	}
	if v := os.Getenv("TURNPIPE_BROKER_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Broker.DefaultTimeout = d
		}
	}
	if v := os.Getenv("TURNPIPE_BROKER_DEFAULT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.DefaultMaxRetries = n
		}
	}
	if v := os.Getenv("TURNPIPE_BROKER_IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Broker.IdempotencyTTL = d
		}
	}
	if v := os.Getenv("TURNPIPE_CB_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.CircuitFailureThreshold = n
		}
	}
	if v := os.Getenv("TURNPIPE_CB_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Broker.CircuitWindow = n
		}
	}
	if v := os.Getenv("TURNPIPE_CB_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Broker.CircuitCooldown = d
		}
	}
	if v := os.Getenv("TURNPIPE_MODEL_PROVIDER"); v != "" {
		c.Model.Provider = v
	}
	if v := os.Getenv("TURNPIPE_BEDROCK_REGION"); v != "" {
		c.Model.BedrockRegion = v
	}
	if v := os.Getenv("TURNPIPE_BEDROCK_MODEL_ID"); v != "" {
		c.Model.BedrockModelID = v
	}
	if v := os.Getenv("TURNPIPE_OPENAI_API_KEY"); v != "" {
		c.Model.OpenAIAPIKey = v
	}
	if v := os.Getenv("TURNPIPE_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("TURNPIPE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("TURNPIPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TURNPIPE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TURNPIPE_LOG_REDACT_PII"); v != "" {
		c.Logging.RedactPII = parseBool(v)
	}
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return v
}

// Validate rejects configuration combinations the pipeline cannot run
// with: an out-of-range canary percentage, a non-positive turn deadline,
// or a staged pipeline with no model provider configured.
func (c *Config) Validate() error {
	if c.Pipeline.CanaryPercent < 0 || c.Pipeline.CanaryPercent > 100 {
		return fmt.Errorf("pipeline.canary_percent must be within [0,100], got %d", c.Pipeline.CanaryPercent)
	}
	if c.Pipeline.TurnDeadline <= 0 {
		return fmt.Errorf("pipeline.turn_deadline must be positive, got %s", c.Pipeline.TurnDeadline)
	}
	if c.Pipeline.MaxPlannedActions <= 0 {
		return fmt.Errorf("pipeline.max_planned_actions must be positive, got %d", c.Pipeline.MaxPlannedActions)
	}
	if c.Broker.MaxInFlightPerTool <= 0 {
		return fmt.Errorf("broker.max_inflight_per_tool must be positive, got %d", c.Broker.MaxInFlightPerTool)
	}
	if c.Broker.CircuitFailureThreshold <= 0 || c.Broker.CircuitFailureThreshold > c.Broker.CircuitWindow {
		return fmt.Errorf("broker.circuit_failure_threshold must be positive and at most circuit_window")
	}
	if c.Pipeline.StagedEnabled && c.Model.Provider == "" {
		return fmt.Errorf("pipeline.staged_enabled requires model.provider to be set")
	}
	return nil
}
