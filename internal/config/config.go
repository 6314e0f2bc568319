// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Lighthouse  LighthouseConfig  `mapstructure:"lighthouse"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Field       FieldConfig       `mapstructure:"field"`
	AI          AIConfig          `mapstructure:"ai"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior. An empty APIKey disables
// authentication.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// StageConfig is the retry and timeout policy for one stage family.
type StageConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StageTimeout   time.Duration `mapstructure:"stage_timeout"`
}

// AuditConfig governs job execution.
type AuditConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	Retention       time.Duration `mapstructure:"retention"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	RetryBase       time.Duration `mapstructure:"retry_base"`
	RetryCap        time.Duration `mapstructure:"retry_cap"`
	Lab             StageConfig   `mapstructure:"lab"`
	Field           StageConfig   `mapstructure:"field"`
	AI              StageConfig   `mapstructure:"ai"`
}

// ConcurrencyConfig bounds admission.
type ConcurrencyConfig struct {
	MaxConcurrentAudits int           `mapstructure:"max_concurrent_audits"`
	MaxQueueSize        int           `mapstructure:"max_queue_size"`
	QueueTimeout        time.Duration `mapstructure:"queue_timeout"`
	MaxActivePerClient  int           `mapstructure:"max_active_per_client"`
}

// PoolConfig sizes the heavy-stage pool and the browsers behind it.
type PoolConfig struct {
	Size            int           `mapstructure:"size"`
	LaunchTimeout   time.Duration `mapstructure:"launch_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	BasePort        int           `mapstructure:"base_port"`
	ChromePath      string        `mapstructure:"chrome_path"`
	Browsers        bool          `mapstructure:"browsers"`
}

// LighthouseConfig locates the lab tool.
type LighthouseConfig struct {
	Binary    string `mapstructure:"binary"`
	OutputDir string `mapstructure:"output_dir"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
	PostgresDSN     string        `mapstructure:"postgres_dsn"`
	PostgresTable   string        `mapstructure:"postgres_table"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// FieldConfig configures the PageSpeed Insights client.
type FieldConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	Endpoint      string        `mapstructure:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// AIConfig selects the summarization model.
type AIConfig struct {
	Provider        string        `mapstructure:"provider"`
	Model           string        `mapstructure:"model"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key"`
	GoogleAPIKey    string        `mapstructure:"google_api_key"`
	OllamaHost      string        `mapstructure:"ollama_host"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	Burst           int           `mapstructure:"burst"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

// ProgressConfig tunes event fan-out.
type ProgressConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	HubBuffer        int           `mapstructure:"hub_buffer"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	LogEvents        bool          `mapstructure:"log_events"`
}

// MetricsConfig toggles Prometheus exposition.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", false)

	v.SetDefault("audit.timeout", 600*time.Second)
	v.SetDefault("audit.retention", 24*time.Hour)
	v.SetDefault("audit.janitor_interval", time.Minute)
	v.SetDefault("audit.retry_base", time.Second)
	v.SetDefault("audit.retry_cap", 10*time.Second)
	v.SetDefault("audit.lab.attempts", 2)
	v.SetDefault("audit.lab.attempt_timeout", 120*time.Second)
	v.SetDefault("audit.lab.stage_timeout", 300*time.Second)
	v.SetDefault("audit.field.attempts", 3)
	v.SetDefault("audit.field.attempt_timeout", 30*time.Second)
	v.SetDefault("audit.field.stage_timeout", 60*time.Second)
	v.SetDefault("audit.ai.attempts", 3)
	v.SetDefault("audit.ai.attempt_timeout", 60*time.Second)
	v.SetDefault("audit.ai.stage_timeout", 120*time.Second)

	v.SetDefault("concurrency.max_concurrent_audits", 10)
	v.SetDefault("concurrency.max_queue_size", 50)
	v.SetDefault("concurrency.queue_timeout", 300*time.Second)
	v.SetDefault("concurrency.max_active_per_client", 5)

	v.SetDefault("pool.size", 5)
	v.SetDefault("pool.launch_timeout", 30*time.Second)
	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.cleanup_interval", time.Minute)
	v.SetDefault("pool.base_port", 9222)
	v.SetDefault("pool.chrome_path", "")
	v.SetDefault("pool.browsers", true)

	v.SetDefault("lighthouse.binary", "lighthouse")
	v.SetDefault("lighthouse.output_dir", "")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.cleanup_interval", time.Hour)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", "webaudit:")
	v.SetDefault("cache.postgres_dsn", "")
	v.SetDefault("cache.postgres_table", "audit_cache")

	v.SetDefault("field.api_key", "")
	v.SetDefault("field.endpoint", "https://www.googleapis.com/pagespeedonline/v5/runPagespeed")
	v.SetDefault("field.timeout", 60*time.Second)
	v.SetDefault("field.rate_per_second", 1.0)
	v.SetDefault("field.burst", 5)
	v.SetDefault("field.breaker.failure_threshold", 3)
	v.SetDefault("field.breaker.open_timeout", 60*time.Second)
	v.SetDefault("field.breaker.half_open_requests", 1)

	v.SetDefault("ai.provider", "googleai")
	v.SetDefault("ai.model", "gemini-2.5-flash")
	v.SetDefault("ai.anthropic_api_key", "")
	v.SetDefault("ai.openai_api_key", "")
	v.SetDefault("ai.google_api_key", "")
	v.SetDefault("ai.ollama_host", "http://localhost:11434")
	v.SetDefault("ai.max_tokens", 8192)
	v.SetDefault("ai.temperature", 0.2)
	v.SetDefault("ai.rate_per_second", 1.0)
	v.SetDefault("ai.burst", 2)
	v.SetDefault("ai.breaker.failure_threshold", 3)
	v.SetDefault("ai.breaker.open_timeout", 60*time.Second)
	v.SetDefault("ai.breaker.half_open_requests", 1)

	v.SetDefault("progress.subscriber_buffer", 16)
	v.SetDefault("progress.hub_buffer", 1024)
	v.SetDefault("progress.flush_interval", 500*time.Millisecond)
	v.SetDefault("progress.log_events", false)

	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Concurrency.MaxConcurrentAudits <= 0 {
		return fmt.Errorf("concurrency.max_concurrent_audits must be > 0")
	}
	if c.Concurrency.MaxQueueSize < 0 {
		return fmt.Errorf("concurrency.max_queue_size must be >= 0")
	}
	if c.Concurrency.QueueTimeout <= 0 {
		return fmt.Errorf("concurrency.queue_timeout must be > 0")
	}
	if c.Audit.Timeout <= 0 {
		return fmt.Errorf("audit.timeout must be > 0")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	for name, stage := range map[string]StageConfig{"lab": c.Audit.Lab, "field": c.Audit.Field, "ai": c.Audit.AI} {
		if stage.Attempts <= 0 {
			return fmt.Errorf("audit.%s.attempts must be > 0", name)
		}
		if stage.AttemptTimeout <= 0 || stage.StageTimeout <= 0 {
			return fmt.Errorf("audit.%s timeouts must be > 0", name)
		}
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr must be set when cache.backend is redis")
		}
	case "postgres":
		if c.Cache.PostgresDSN == "" {
			return fmt.Errorf("cache.postgres_dsn must be set when cache.backend is postgres")
		}
	default:
		return fmt.Errorf("cache.backend must be memory, redis or postgres, got %q", c.Cache.Backend)
	}
	switch c.AI.Provider {
	case "", "anthropic", "openai", "ollama", "googleai":
	default:
		return fmt.Errorf("ai.provider %q is not supported", c.AI.Provider)
	}
	return nil
}

// AuthEnabled reports whether requests must carry the API key.
func (c Config) AuthEnabled() bool {
	return c.Server.APIKey != ""
}
