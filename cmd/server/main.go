package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/config"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/httpserver"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/maintenance"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/metrics"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/secrets"
)

func main() {
	cfg := config.Load()
	logger := initLogger(cfg)
	logger.WithField("environment", cfg.Environment()).Info("rate-limit gateway starting")
	metrics.Register()
	collector := metrics.Collector{}

	redisClient := redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr(),
		Password:   resolveRedisPassword(cfg, logger),
		DB:         cfg.RedisDB(),
		MaxRetries: cfg.RedisMaxRetries(),
	})
	defer redisClient.Close()

	distrib := limiter.NewRedisStore(redisClient)
	fallback := limiter.NewMemoryStore(cfg.MemorySweepInterval())
	fallback.StartSweeper()
	defer fallback.Close()

	cache := limiter.NewCache(distrib, fallback, limiter.CacheConfig{
		Breaker: limiter.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold(),
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout(),
			OnStateChange: func(from, to limiter.BreakerState) {
				logger.WithField("from", from).WithField("to", to).Warn("limiter: breaker state change")
			},
		},
		EnableFallback:          cfg.EnableInMemoryFallback(),
		FailOpenWithoutFallback: cfg.FailOpenWithoutFallback(),
		Logger:                  logger,
		Metrics:                 collector,
	})

	worker := maintenance.NewWorker(cache, distrib, logger).WithMetrics(collector)
	worker.Start(cfg.QueueWorkers())
	defer worker.Shutdown(30 * time.Second)

	rules := cfg.Rules()
	extractor := limiter.Extractor{}
	evaluator := limiter.NewEvaluator(cache, extractor, logger)

	var throttle *limiter.Throttle
	if cfg.EnableLocalThrottle() {
		// The throttle smooths inter-arrival spacing against whichever
		// configured rule has the tightest window, the rule the
		// operator would call the "burst" rule.
		throttle = limiter.NewThrottle(burstRule(rules), cfg.MaxThrottleDelay())
	}

	composer := limiter.NewComposer(limiter.Config{
		Rules:                  rules,
		StandardHeaders:        cfg.StandardHeaders(),
		LegacyHeaders:          cfg.LegacyHeaders(),
		SkipSuccessfulRequests: cfg.SkipSuccessfulRequests(),
		SkipFailedRequests:     cfg.SkipFailedRequests(),
		EnableLocalThrottle:    cfg.EnableLocalThrottle(),
		Throttle:               throttle,
		Scheduler:              worker.Ops,
		Logger:                 logger,
	}, evaluator, extractor)

	router := httpserver.New(httpserver.Options{
		Mode:           cfg.ServerMode(),
		Rules:          rules,
		Composer:       composer,
		Worker:         worker,
		Cache:          cache,
		LocalCache:     fallback,
		Throttle:       throttle,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	server := &http.Server{
		Addr:    cfg.ServerAddr(),
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: listen failed: %v", err)
		}
	}()
	logger.Infof("rate-limit gateway listening on %s", cfg.ServerAddr())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Fatalf("server: forced shutdown: %v", err)
	}
	logger.Info("server: exited")
}

// burstRule designates the configured rule with the smallest window as
// the one the local throttle derives its minimum inter-arrival interval
// from. Falls back to a conservative 1-per-second rule when none are
// configured.
func burstRule(rules []limiter.Rule) limiter.Rule {
	if len(rules) == 0 {
		return limiter.Rule{ID: "default-burst", Window: time.Second, MaxRequests: 1, Algorithm: limiter.Sliding}
	}
	tightest := rules[0]
	for _, r := range rules[1:] {
		if r.Window < tightest.Window {
			tightest = r
		}
	}
	return tightest
}

// resolveRedisPassword prefers a Vault-backed credential when the operator
// has configured one, falling back to the plaintext config/env value on any
// Vault error so a misconfigured or unreachable Vault never blocks startup.
func resolveRedisPassword(cfg *config.Config, logger *logrus.Logger) string {
	plaintext := cfg.RedisPassword()
	if cfg.VaultAddr() == "" {
		return plaintext
	}

	vaultClient, err := secrets.NewVaultClient(cfg.VaultAddr(), cfg.VaultToken())
	if err != nil {
		logger.WithError(err).Warn("secrets: vault client unavailable, falling back to configured redis password")
		return plaintext
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := vaultClient.GetSecret(ctx, cfg.VaultSecretPath(), cfg.VaultSecretKey())
	if err != nil {
		logger.WithError(err).Warn("secrets: vault secret fetch failed, falling back to configured redis password")
		return plaintext
	}
	return value
}

func initLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel())
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	return logger
}
