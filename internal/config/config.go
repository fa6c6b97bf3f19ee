// Package config loads gateway configuration from a YAML file, the
// environment, and built-in defaults.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
)

// RuleConfig is the YAML/env representation of one limiter.Rule.
type RuleConfig struct {
	ID          string `mapstructure:"id"`
	WindowSec   int64  `mapstructure:"window_seconds"`
	MaxRequests int64  `mapstructure:"max_requests"`
	Algorithm   string `mapstructure:"algorithm"`
	StatusCode  int    `mapstructure:"status_code"`
	Message     string `mapstructure:"message"`
}

// ToRule converts a RuleConfig into a limiter.Rule. KeyFunc/SkipFunc are
// never set from configuration; they are wired in code by callers that
// need per-route identifier overrides.
func (rc RuleConfig) ToRule() limiter.Rule {
	algo := limiter.Sliding
	if rc.Algorithm == string(limiter.Fixed) {
		algo = limiter.Fixed
	}
	return limiter.Rule{
		ID:          rc.ID,
		Window:      time.Duration(rc.WindowSec) * time.Second,
		MaxRequests: rc.MaxRequests,
		Algorithm:   algo,
		StatusCode:  rc.StatusCode,
		Message:     rc.Message,
	}
}

// Config is the gateway's resolved configuration.
type Config struct {
	v *viper.Viper
}

// Load builds a Config from ./config.yaml (or ./config/config.yaml),
// environment variables, and built-in defaults.
func Load() *Config {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("limiter.standard_headers", true)
	v.SetDefault("limiter.legacy_headers", true)
	v.SetDefault("limiter.skip_successful_requests", false)
	v.SetDefault("limiter.skip_failed_requests", false)
	v.SetDefault("limiter.enable_local_throttle", false)
	v.SetDefault("limiter.max_throttle_delay_ms", 1000)
	v.SetDefault("limiter.enable_in_memory_fallback", false)
	v.SetDefault("limiter.fail_open_without_fallback", true)
	v.SetDefault("limiter.breaker_failure_threshold", 5)
	v.SetDefault("limiter.breaker_recovery_timeout_seconds", 30)
	v.SetDefault("memory.local_cache_ttl_ms", 60000)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("cors.allowed_origins", "")
	v.SetDefault("environment", "development")
	v.SetDefault("vault.addr", "")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.secret_path", "ratelimit-gateway/redis")
	v.SetDefault("vault.secret_key", "password")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("RATELIMIT")
	v.AutomaticEnv()
	// AutomaticEnv alone does not fold dotted keys into underscores, so
	// dotted keys are bound to their env vars by hand.
	_ = v.BindEnv("server.port", "RATELIMIT_PORT")
	_ = v.BindEnv("redis.addr", "RATELIMIT_REDIS_ADDR")
	_ = v.BindEnv("redis.password", "RATELIMIT_REDIS_PASSWORD")
	_ = v.BindEnv("redis.max_retries", "RATELIMIT_REDIS_MAX_RETRIES")
	_ = v.BindEnv("memory.local_cache_ttl_ms", "RATELIMIT_LOCAL_CACHE_TTL_MS")
	_ = v.BindEnv("queue.workers", "RATELIMIT_QUEUE_WORKERS")
	_ = v.BindEnv("cors.allowed_origins", "RATELIMIT_CORS_ALLOWED_ORIGINS")
	_ = v.BindEnv("environment", "RATELIMIT_ENVIRONMENT")
	_ = v.BindEnv("vault.addr", "RATELIMIT_VAULT_ADDR")
	_ = v.BindEnv("vault.token", "RATELIMIT_VAULT_TOKEN")
	_ = v.BindEnv("vault.secret_path", "RATELIMIT_VAULT_SECRET_PATH")
	_ = v.BindEnv("vault.secret_key", "RATELIMIT_VAULT_SECRET_KEY")

	if err := v.ReadInConfig(); err != nil {
		log.Printf("config: no config file loaded, using defaults and environment: %v", err)
	}

	return &Config{v: v}
}

func (c *Config) ServerAddr() string {
	return fmt.Sprintf(":%d", c.v.GetInt("server.port"))
}

func (c *Config) ServerMode() string { return c.v.GetString("server.mode") }
func (c *Config) LogLevel() string   { return c.v.GetString("log.level") }

func (c *Config) RedisAddr() string     { return c.v.GetString("redis.addr") }
func (c *Config) RedisPassword() string { return c.v.GetString("redis.password") }
func (c *Config) RedisDB() int          { return c.v.GetInt("redis.db") }
func (c *Config) RedisMaxRetries() int  { return c.v.GetInt("redis.max_retries") }

func (c *Config) StandardHeaders() bool        { return c.v.GetBool("limiter.standard_headers") }
func (c *Config) LegacyHeaders() bool          { return c.v.GetBool("limiter.legacy_headers") }
func (c *Config) SkipSuccessfulRequests() bool { return c.v.GetBool("limiter.skip_successful_requests") }
func (c *Config) SkipFailedRequests() bool     { return c.v.GetBool("limiter.skip_failed_requests") }
func (c *Config) EnableLocalThrottle() bool    { return c.v.GetBool("limiter.enable_local_throttle") }
func (c *Config) EnableInMemoryFallback() bool { return c.v.GetBool("limiter.enable_in_memory_fallback") }
func (c *Config) FailOpenWithoutFallback() bool {
	return c.v.GetBool("limiter.fail_open_without_fallback")
}

func (c *Config) MaxThrottleDelay() time.Duration {
	return time.Duration(c.v.GetInt("limiter.max_throttle_delay_ms")) * time.Millisecond
}

func (c *Config) BreakerFailureThreshold() int {
	return c.v.GetInt("limiter.breaker_failure_threshold")
}

func (c *Config) BreakerRecoveryTimeout() time.Duration {
	return time.Duration(c.v.GetInt("limiter.breaker_recovery_timeout_seconds")) * time.Second
}

// MemorySweepInterval is the local cache TTL: the fallback store's
// sweeper runs on this interval and removes entries whose reset time has
// passed.
func (c *Config) MemorySweepInterval() time.Duration {
	return time.Duration(c.v.GetInt("memory.local_cache_ttl_ms")) * time.Millisecond
}

func (c *Config) QueueWorkers() int { return c.v.GetInt("queue.workers") }

// Environment is the deployment environment tag (e.g. "development",
// "staging", "production"), surfaced in startup logs.
func (c *Config) Environment() string { return c.v.GetString("environment") }

// AllowedOrigins is the comma-separated CORS allow-list. Empty when unset,
// letting the caller fall back to its own conservative default.
func (c *Config) AllowedOrigins() []string {
	raw := c.v.GetString("cors.allowed_origins")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

// VaultAddr is the HashiCorp Vault address used to resolve the Redis
// credential at startup. Empty disables Vault and falls back to
// RedisPassword's plaintext value.
func (c *Config) VaultAddr() string       { return c.v.GetString("vault.addr") }
func (c *Config) VaultToken() string      { return c.v.GetString("vault.token") }
func (c *Config) VaultSecretPath() string { return c.v.GetString("vault.secret_path") }
func (c *Config) VaultSecretKey() string  { return c.v.GetString("vault.secret_key") }

// Rules returns the configured rate-limit rules. When none are set in
// the loaded configuration, a conservative built-in default rule set is
// returned so the gateway is never unprotected by omission.
func (c *Config) Rules() []limiter.Rule {
	var raw []RuleConfig
	if err := c.v.UnmarshalKey("limiter.rules", &raw); err != nil || len(raw) == 0 {
		return defaultRules()
	}
	rules := make([]limiter.Rule, 0, len(raw))
	for _, rc := range raw {
		rules = append(rules, rc.ToRule())
	}
	return rules
}

func defaultRules() []limiter.Rule {
	return []limiter.Rule{
		{ID: "per-second-burst", Window: time.Second, MaxRequests: 10, Algorithm: limiter.Sliding},
		{ID: "per-minute-sustained", Window: time.Minute, MaxRequests: 100, Algorithm: limiter.Fixed},
	}
}
