// Package config loads and validates all runtime configuration for the
// gateway and the queue consumer.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional for the gateway — set CACHE_MODE=memory to run with the
// built-in in-process cache and rate limiter. The consumer always needs
// REDIS_URL and CLICKHOUSE_ADDR.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/traceway/traceway/internal/ratelimit"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// Redis holds the connection URL shared by the cache, the rate limiter
	// and the log queue. Required when CacheMode is "redis" and always
	// required for the consumer.
	Redis RedisConfig

	// Postgres is the credential and wallet store. When the URL is empty the
	// gateway falls back to AuthStaticKeys, which is only useful for local
	// development.
	Postgres PostgresConfig

	// AuthStaticKeys is a development fallback: raw API keys accepted when no
	// Postgres credential store is configured. All keys map to one
	// organization with the default policy.
	AuthStaticKeys []string

	// ClickHouse is the analytical sink the consumer persists log records to.
	ClickHouse ClickHouseConfig

	// Cache controls response caching behaviour.
	Cache CacheConfig

	// RateLimit controls the per-organization request limiter.
	RateLimit RateLimitConfig

	// Telemetry controls the gateway-side log producer.
	Telemetry TelemetryConfig

	// Consumer controls the queue consumer pools.
	Consumer ConsumerConfig

	// ProviderTimeout is the per-provider upstream timeout. Default: 30s.
	ProviderTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// PostgresConfig holds the credential/wallet database configuration.
type PostgresConfig struct {
	// URL is a postgres:// connection string.
	URL string
}

// ClickHouseConfig holds the analytical store connection configuration.
type ClickHouseConfig struct {
	// Addr is the list of native-protocol host:port endpoints.
	Addr []string
	// Database is the target database. Default: "default".
	Database string
	Username string
	Password string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// Regions lists additional cache partitions as "name=redis://..." pairs.
	// Identities resolved to a named region read and write only that
	// partition; everything else uses the default backend.
	Regions []string

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// RateLimitConfig controls the per-organization request limiter.
type RateLimitConfig struct {
	// DefaultPolicy applies to organizations with no stored policy and no
	// policy header, in "quota;w=seconds;u=unit" form. Default: "1000;w=60".
	DefaultPolicy string
}

// TelemetryConfig controls the gateway-side log producer.
type TelemetryConfig struct {
	// MirrorStream, when non-empty, receives a best-effort copy of every log
	// record in addition to the primary stream. Mirror write failures are
	// logged and never affect the primary write.
	MirrorStream string
}

// ConsumerConfig controls the queue consumer binary.
type ConsumerConfig struct {
	// Group is the Redis Streams consumer group name. Default: "persisters".
	Group string

	// Workers is the pool size for the normal log stream. Default: 4.
	Workers int

	// ScoreWorkers is the pool size for the score-update stream. Default: 2.
	ScoreWorkers int

	// DLQWorkers is the pool size for the dead-letter stream. Default: 1.
	DLQWorkers int

	// ShutdownTimeout bounds graceful drain on SIGTERM. Default: 60s.
	ShutdownTimeout time.Duration

	// CongestionLowWater and CongestionHighWater are the backlog depths (in
	// pending entries) at which the congestion signal clears and raises.
	// Defaults: 1000 and 5000.
	CongestionLowWater  int64
	CongestionHighWater int64
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	v.SetDefault("RATE_LIMIT_DEFAULT_POLICY", ratelimit.DefaultPolicy.String())

	// Consumer defaults.
	v.SetDefault("CONSUMER_GROUP", "persisters")
	v.SetDefault("CONSUMER_WORKERS", 4)
	v.SetDefault("CONSUMER_SCORE_WORKERS", 2)
	v.SetDefault("CONSUMER_DLQ_WORKERS", 1)
	v.SetDefault("SHUTDOWN_TIMEOUT", "60s")
	v.SetDefault("CONGESTION_LOW_WATER", 1000)
	v.SetDefault("CONGESTION_HIGH_WATER", 5000)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},
		Postgres: PostgresConfig{URL: v.GetString("DATABASE_URL")},

		AuthStaticKeys: v.GetStringSlice("AUTH_STATIC_KEYS"),

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetStringSlice("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			Regions:         v.GetStringSlice("CACHE_REGIONS"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			DefaultPolicy: v.GetString("RATE_LIMIT_DEFAULT_POLICY"),
		},

		Telemetry: TelemetryConfig{
			MirrorStream: v.GetString("TELEMETRY_MIRROR_STREAM"),
		},

		Consumer: ConsumerConfig{
			Group:               v.GetString("CONSUMER_GROUP"),
			Workers:             v.GetInt("CONSUMER_WORKERS"),
			ScoreWorkers:        v.GetInt("CONSUMER_SCORE_WORKERS"),
			DLQWorkers:          v.GetInt("CONSUMER_DLQ_WORKERS"),
			ShutdownTimeout:     v.GetDuration("SHUTDOWN_TIMEOUT"),
			CongestionLowWater:  v.GetInt64("CONGESTION_LOW_WATER"),
			CongestionHighWater: v.GetInt64("CONGESTION_HIGH_WATER"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	for _, entry := range c.Cache.Regions {
		if !strings.Contains(entry, "=") {
			return fmt.Errorf("config: invalid CACHE_REGIONS entry %q; expected name=redis://...", entry)
		}
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if _, err := ratelimit.ParsePolicy(c.RateLimit.DefaultPolicy); err != nil {
		return fmt.Errorf("config: invalid RATE_LIMIT_DEFAULT_POLICY: %w", err)
	}

	if c.Consumer.Workers < 1 || c.Consumer.ScoreWorkers < 1 || c.Consumer.DLQWorkers < 1 {
		return fmt.Errorf("config: consumer worker counts must be ≥ 1")
	}
	if c.Consumer.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: SHUTDOWN_TIMEOUT must be a positive duration")
	}
	if c.Consumer.CongestionLowWater >= c.Consumer.CongestionHighWater {
		return fmt.Errorf(
			"config: CONGESTION_LOW_WATER (%d) must be below CONGESTION_HIGH_WATER (%d)",
			c.Consumer.CongestionLowWater, c.Consumer.CongestionHighWater,
		)
	}

	return nil
}

// ValidateGateway checks the additional constraints the gateway binary
// needs on top of validate.
func (c *Config) ValidateGateway() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}
	return nil
}

// ValidateConsumer checks the additional constraints the consumer binary
// needs on top of validate.
func (c *Config) ValidateConsumer() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required for the consumer")
	}
	if len(c.ClickHouse.Addr) == 0 {
		return fmt.Errorf("config: CLICKHOUSE_ADDR is required for the consumer")
	}
	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != ""
}

// RegionBackends parses the Cache.Regions entries into a name→URL map.
func (c *Config) RegionBackends() map[string]string {
	out := make(map[string]string, len(c.Cache.Regions))
	for _, entry := range c.Cache.Regions {
		name, url, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
