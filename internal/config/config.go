// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key is strictly required for the gateway to start.
// Redis and ClickHouse are optional; the defaults run fully in-process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Providers. A provider with an empty APIKey is disabled.
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	Gemini     ProviderConfig
	OpenRouter OpenRouterConfig

	// DefaultProvider receives requests whose model has no "provider/"
	// prefix. Defaults to the first configured provider in the order
	// openai, anthropic, gemini, openrouter.
	DefaultProvider string

	// Redis holds the connection URL for the Redis cache tier and the rate
	// limiter. Required only when CacheMode is "tiered".
	Redis RedisConfig

	// ClickHouse holds the DSN for the analytics request log. Empty
	// disables the ClickHouse sink; request logs then go to stdout.
	ClickHouse ClickHouseConfig

	// Cache controls response caching.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Stream controls SSE streaming behaviour.
	Stream StreamConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration

	// Models is the static model list served when dynamic listing is off or
	// the upstream listing fails. Empty uses the adapter's built-in list.
	Models []string

	// DefaultModel is flagged as the default in capability listings.
	DefaultModel string

	// DynamicModels enables live model listing from the upstream.
	DynamicModels bool
}

// OpenRouterConfig extends ProviderConfig with OpenRouter's attribution
// headers.
type OpenRouterConfig struct {
	ProviderConfig

	// Referer is sent as HTTP-Referer for OpenRouter app attribution.
	Referer string

	// Title is sent as X-Title for OpenRouter app attribution.
	Title string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the analytics database configuration.
type ClickHouseConfig struct {
	// URL is a clickhouse:// DSN. Example: clickhouse://localhost:9000/bridge
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "memory" — in-process TTL cache. No external deps; not shared across replicas.
	//   "tiered" — in-process cache in front of Redis (requires REDIS_URL).
	//   "none"   — cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive errors that trip the
	// breaker. Default: 3.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	ResetTimeout time.Duration
}

// StreamConfig controls SSE streaming.
type StreamConfig struct {
	// HeartbeatInterval is how often a comment frame is sent on idle
	// streams to keep intermediaries from closing the connection.
	// Default: 20s.
	HeartbeatInterval time.Duration

	// InactivityTimeout force-closes a stream that has produced no chunk
	// for this long. Default: 60s.
	InactivityTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0. Requires REDIS_URL when set.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=tiered or RPM_LIMIT > 0.
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

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_RESET_TIMEOUT", "30s")

	// Streaming defaults.
	v.SetDefault("STREAM_HEARTBEAT_INTERVAL", "20s")
	v.SetDefault("STREAM_INACTIVITY_TIMEOUT", "60s")

	// Per-provider HTTP timeout.
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	timeout := v.GetDuration("PROVIDER_TIMEOUT")
	providerCfg := func(prefix string) ProviderConfig {
		return ProviderConfig{
			APIKey:        v.GetString(prefix + "_API_KEY"),
			BaseURL:       v.GetString(prefix + "_BASE_URL"),
			Timeout:       timeout,
			Models:        v.GetStringSlice(prefix + "_MODELS"),
			DefaultModel:  v.GetString(prefix + "_DEFAULT_MODEL"),
			DynamicModels: v.GetBool(prefix + "_DYNAMIC_MODELS"),
		}
	}

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    providerCfg("OPENAI"),
		Anthropic: providerCfg("ANTHROPIC"),
		Gemini: ProviderConfig{
			APIKey:        v.GetString("GOOGLE_API_KEY"),
			BaseURL:       v.GetString("GEMINI_BASE_URL"),
			Timeout:       timeout,
			Models:        v.GetStringSlice("GEMINI_MODELS"),
			DefaultModel:  v.GetString("GEMINI_DEFAULT_MODEL"),
			DynamicModels: v.GetBool("GEMINI_DYNAMIC_MODELS"),
		},
		OpenRouter: OpenRouterConfig{
			ProviderConfig: providerCfg("OPENROUTER"),
			Referer:        v.GetString("OPENROUTER_REFERER"),
			Title:          v.GetString("OPENROUTER_TITLE"),
		},

		DefaultProvider: strings.ToLower(v.GetString("DEFAULT_PROVIDER")),

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{URL: v.GetString("CLICKHOUSE_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			ResetTimeout:     v.GetDuration("CB_RESET_TIMEOUT"),
		},

		Stream: StreamConfig{
			HeartbeatInterval: v.GetDuration("STREAM_HEARTBEAT_INTERVAL"),
			InactivityTimeout: v.GetDuration("STREAM_INACTIVITY_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = cfg.firstConfiguredProvider()
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, or OPENROUTER_API_KEY)",
		)
	}

	if !c.providerConfigured(c.DefaultProvider) {
		return fmt.Errorf(
			"config: DEFAULT_PROVIDER %q has no API key configured", c.DefaultProvider,
		)
	}

	// Redis URL is required when the cache has a Redis tier or the rate
	// limiter is enabled.
	if c.Cache.Mode == "tiered" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=tiered; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	switch c.Cache.Mode {
	case "tiered", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: tiered, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CB_RESET_TIMEOUT must be a positive duration")
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: STREAM_HEARTBEAT_INTERVAL must be a positive duration")
	}
	if c.Stream.InactivityTimeout <= c.Stream.HeartbeatInterval {
		return fmt.Errorf(
			"config: STREAM_INACTIVITY_TIMEOUT (%s) must exceed STREAM_HEARTBEAT_INTERVAL (%s)",
			c.Stream.InactivityTimeout, c.Stream.HeartbeatInterval,
		)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.OpenRouter.APIKey != ""
}

func (c *Config) providerConfigured(name string) bool {
	switch name {
	case "openai":
		return c.OpenAI.APIKey != ""
	case "anthropic":
		return c.Anthropic.APIKey != ""
	case "gemini":
		return c.Gemini.APIKey != ""
	case "openrouter":
		return c.OpenRouter.APIKey != ""
	}
	return false
}

func (c *Config) firstConfiguredProvider() string {
	switch {
	case c.OpenAI.APIKey != "":
		return "openai"
	case c.Anthropic.APIKey != "":
		return "anthropic"
	case c.Gemini.APIKey != "":
		return "gemini"
	case c.OpenRouter.APIKey != "":
		return "openrouter"
	}
	return ""
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
