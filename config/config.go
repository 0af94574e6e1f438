// Package config provides configuration management for the StageGate
// service. Configuration is loaded from multiple sources with proper
// precedence:
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml, /etc/stagegate/config.yaml)
//  3. .env files
//  4. Environment variables with the STAGEGATE_ prefix
//
// Environment variables use underscores for nested keys, e.g.
// STAGEGATE_SERVER_PORT=8095 or STAGEGATE_POSTGRES_URL=postgres://...
// A handful of legacy variables without a prefix (DATABASE_URL, REDIS_URL,
// MONGODB_URI, JWT_SECRET_KEY, DASHBOARD_API_KEY) are honored for
// compatibility with pre-StageGate deployments.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP control-surface settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	FrontendURL     string        `mapstructure:"frontend_url"`
}

// PostgresConfig contains warm-tier relational store settings.
type PostgresConfig struct {
	URL          string        `mapstructure:"url"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
	OpTimeout    time.Duration `mapstructure:"op_timeout"`
}

// RedisConfig contains hot-tier key-value store settings.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// CouchDBConfig contains cold-tier document store settings. An empty URL
// disables the cold tier; the memory manager then degrades per design.
type CouchDBConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// AMQPConfig contains message transport settings. An empty URL runs the
// service without a broker; outbound bubbles are logged instead.
type AMQPConfig struct {
	URL          string `mapstructure:"url"`
	Exchange     string `mapstructure:"exchange"`
	InboundQueue string `mapstructure:"inbound_queue"`
}

// EmbeddingsConfig selects and tunes the embedding backend.
type EmbeddingsConfig struct {
	// UseLocal selects the in-process model instead of the remote API.
	UseLocal bool `mapstructure:"use_local"`

	// LocalModel names the local model variant (kept for parity with the
	// LOCAL_EMBEDDINGS_MODEL environment variable).
	LocalModel string `mapstructure:"local_model"`

	// RemoteURL is the embedding provider endpoint.
	RemoteURL string `mapstructure:"remote_url"`

	// RemoteAPIKey authenticates against the remote provider.
	RemoteAPIKey string `mapstructure:"remote_api_key"`

	// RemoteModel names the remote provider's embedding model.
	RemoteModel string `mapstructure:"remote_model"`

	// Dimension is the vector dimension D; constant at runtime.
	Dimension int `mapstructure:"dimension"`

	// CacheSize bounds the text->vector LRU cache.
	CacheSize int `mapstructure:"cache_size"`
}

// RAGConfig tunes the retrieval-augmented context builder.
type RAGConfig struct {
	// TauRemote and TauLocal are the per-backend similarity thresholds.
	// The score distributions of the two backends differ, so the cutoff
	// is a backend property rather than a universal constant.
	TauRemote    float64 `mapstructure:"tau_remote"`
	TauLocal     float64 `mapstructure:"tau_local"`
	TopK         int     `mapstructure:"top_k"`
	SummaryLimit int     `mapstructure:"summary_limit"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	Workers          int           `mapstructure:"workers"`
	LaneCapacity     int           `mapstructure:"lane_capacity"`
	DebounceWindow   time.Duration `mapstructure:"debounce_window"`
	StepDeadline     time.Duration `mapstructure:"step_deadline"`
	BubbleDelay      time.Duration `mapstructure:"bubble_delay"`
	LaneIdleTimeout  time.Duration `mapstructure:"lane_idle_timeout"`
	StaleReviewAge   time.Duration `mapstructure:"stale_review_age"`
	GenerateAttempts int           `mapstructure:"generate_attempts"`
	CreativeURL      string        `mapstructure:"creative_url"`
	CreativeAPIKey   string        `mapstructure:"creative_api_key"`
	CreativeModel    string        `mapstructure:"creative_model"`
	RefineURL        string        `mapstructure:"refine_url"`
	RefineAPIKey     string        `mapstructure:"refine_api_key"`
	RefineModel      string        `mapstructure:"refine_model"`
}

// MemoryConfig tunes the tiered memory background jobs.
type MemoryConfig struct {
	ConsolidationInterval time.Duration `mapstructure:"consolidation_interval"`
}

// ProtocolConfig tunes the silence protocol.
type ProtocolConfig struct {
	// CostPerMessage is the estimated AI spend avoided per quarantined
	// message, used for the cost_saved counter.
	CostPerMessage float64       `mapstructure:"cost_per_message"`
	MessageTTL     time.Duration `mapstructure:"message_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// RateLimitConfig locates the limiter role/endpoint table.
type RateLimitConfig struct {
	// File is the YAML file holding role limits and endpoint modifiers.
	// It is hot-reloaded when its mtime changes.
	File string `mapstructure:"file"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	JWTSecret          string        `mapstructure:"jwt_secret"`
	AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry"`
	MaxSessionsPerUser int           `mapstructure:"max_sessions_per_user"`

	// DashboardAPIKey is the legacy static key mapping to an implicit
	// admin identity. Deprecated; its use is logged.
	DashboardAPIKey string `mapstructure:"dashboard_api_key"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root configuration for the StageGate service.
type Config struct {
	Service   ServiceConfig    `mapstructure:"service"`
	Server    ServerConfig     `mapstructure:"server"`
	Postgres  PostgresConfig   `mapstructure:"postgres"`
	Redis     RedisConfig      `mapstructure:"redis"`
	CouchDB   CouchDBConfig    `mapstructure:"couchdb"`
	AMQP      AMQPConfig       `mapstructure:"amqp"`
	Embed     EmbeddingsConfig `mapstructure:"embeddings"`
	RAG       RAGConfig        `mapstructure:"rag"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	Memory    MemoryConfig     `mapstructure:"memory"`
	Protocol  ProtocolConfig   `mapstructure:"protocol"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Security  SecurityConfig   `mapstructure:"security"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets standard StageGate defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "stagegate")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8095)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "30s")

	l.v.SetDefault("postgres.max_idle_conns", 2)
	l.v.SetDefault("postgres.max_open_conns", 10)
	l.v.SetDefault("postgres.conn_lifetime", "1h")
	l.v.SetDefault("postgres.op_timeout", "30s")

	l.v.SetDefault("redis.url", "redis://localhost:6379/0")
	l.v.SetDefault("redis.op_timeout", "5s")

	l.v.SetDefault("couchdb.database", "memories")

	l.v.SetDefault("amqp.exchange", "stagegate.outbound")
	l.v.SetDefault("amqp.inbound_queue", "stagegate.inbound")

	l.v.SetDefault("embeddings.use_local", true)
	l.v.SetDefault("embeddings.local_model", "all-MiniLM-L6-v2")
	l.v.SetDefault("embeddings.remote_model", "text-embedding-3-small")
	l.v.SetDefault("embeddings.dimension", 384)
	l.v.SetDefault("embeddings.cache_size", 1500)

	l.v.SetDefault("rag.tau_remote", 0.6)
	l.v.SetDefault("rag.tau_local", 0.05)
	l.v.SetDefault("rag.top_k", 3)
	l.v.SetDefault("rag.summary_limit", 2000)

	l.v.SetDefault("pipeline.workers", 0) // 0 = NumCPU
	l.v.SetDefault("pipeline.lane_capacity", 100)
	l.v.SetDefault("pipeline.debounce_window", "2s")
	l.v.SetDefault("pipeline.step_deadline", "60s")
	l.v.SetDefault("pipeline.bubble_delay", "500ms")
	l.v.SetDefault("pipeline.lane_idle_timeout", "5m")
	l.v.SetDefault("pipeline.stale_review_age", "30m")
	l.v.SetDefault("pipeline.generate_attempts", 3)
	l.v.SetDefault("pipeline.creative_model", "gpt-4o")
	l.v.SetDefault("pipeline.refine_model", "gpt-4o-mini")

	l.v.SetDefault("memory.consolidation_interval", "1h")

	l.v.SetDefault("protocol.cost_per_message", 0.000307)
	l.v.SetDefault("protocol.message_ttl", "168h") // 7 days
	l.v.SetDefault("protocol.sweep_interval", "1h")

	l.v.SetDefault("ratelimit.file", "ratelimits.yaml")

	l.v.SetDefault("security.access_token_expiry", "30m")
	l.v.SetDefault("security.refresh_token_expiry", "168h")
	l.v.SetDefault("security.max_sessions_per_user", 5)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// Load reads configuration from file, .env and environment variables into
// target. Missing config files are not an error; explicit file paths that
// fail to parse are.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("/etc/stagegate")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the StageGate configuration with standard defaults and
// legacy environment-variable compatibility.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("STAGEGATE")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	applyLegacyEnv(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyLegacyEnv honors the unprefixed environment variables used by
// deployments that predate the prefixed scheme. They only apply when the
// corresponding key was not set through any other source.
func applyLegacyEnv(cfg *Config) {
	if cfg.Postgres.URL == "" {
		cfg.Postgres.URL = os.Getenv("DATABASE_URL")
	}
	if v := os.Getenv("REDIS_URL"); v != "" && cfg.Redis.URL == "redis://localhost:6379/0" {
		cfg.Redis.URL = v
	}
	if cfg.CouchDB.URL == "" {
		cfg.CouchDB.URL = os.Getenv("MONGODB_URI") // historical name, points at the document store
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = os.Getenv("JWT_SECRET_KEY")
	}
	if cfg.Security.DashboardAPIKey == "" {
		cfg.Security.DashboardAPIKey = os.Getenv("DASHBOARD_API_KEY")
	}
	if v := os.Getenv("USE_LOCAL_EMBEDDINGS"); v != "" {
		cfg.Embed.UseLocal = v == "true" || v == "1"
	}
	if v := os.Getenv("LOCAL_EMBEDDINGS_MODEL"); v != "" {
		cfg.Embed.LocalModel = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" && cfg.Server.FrontendURL == "" {
		cfg.Server.FrontendURL = v
	}
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url is required")
	}
	if cfg.Security.JWTSecret == "" && cfg.Service.Environment == "production" {
		return fmt.Errorf("jwt secret is required in production")
	}
	if cfg.Embed.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", cfg.Embed.Dimension)
	}
	return nil
}
