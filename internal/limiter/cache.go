package limiter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/metrics"
)

// CacheConfig configures the composed cache layer.
type CacheConfig struct {
	Breaker BreakerConfig
	// EnableFallback consults the in-memory store when the breaker is
	// open or the distributed call raised.
	EnableFallback bool
	// FailOpenWithoutFallback governs the policy when the distributed
	// store cannot decide and EnableFallback is false: true admits the
	// request with advisory-only headers (availability over strictness).
	// false admits it as well, after logging a warning and without
	// recording a decision metric; there is no fail-closed mode.
	FailOpenWithoutFallback bool
	Logger                  *logrus.Logger
	// Metrics records admission outcomes, decision latency, store
	// operations, and breaker state transitions. The zero value is a
	// usable no-op collector.
	Metrics metrics.Collector
}

// Cache presents a single check/current/reset API over breaker +
// distributed store + fallback.
type Cache struct {
	config   CacheConfig
	distrib  Store
	fallback *MemoryStore
	breaker  *CircuitBreaker
	logger   *logrus.Logger
}

// NewCache composes a distributed Store with an optional in-memory
// fallback behind a circuit breaker.
func NewCache(distrib Store, fallback *MemoryStore, config CacheConfig) *Cache {
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	breakerConfig := config.Breaker
	userOnStateChange := breakerConfig.OnStateChange
	breakerConfig.OnStateChange = func(from, to BreakerState) {
		config.Metrics.SetBreakerState("distributed_store", int(to))
		if userOnStateChange != nil {
			userOnStateChange(from, to)
		}
	}
	return &Cache{
		config:   config,
		distrib:  distrib,
		fallback: fallback,
		breaker:  NewCircuitBreaker(breakerConfig),
		logger:   logger,
	}
}

// Check performs a check-and-increment, composing the store result into
// a Decision.
func (c *Cache) Check(ctx context.Context, key string, rule Rule) Decision {
	return c.run(ctx, key, rule, func(ctx context.Context, store counterStore) (CounterEntry, bool, error) {
		return store.CheckAndIncrement(ctx, key, rule)
	})
}

// Current observes without mutating.
func (c *Cache) Current(ctx context.Context, key string, rule Rule) Decision {
	return c.run(ctx, key, rule, func(ctx context.Context, store counterStore) (CounterEntry, bool, error) {
		return store.Current(ctx, key, rule)
	})
}

// Revert removes the most recent timestamp entry from key's window. It
// bypasses the breaker: reverts are best-effort compensations, not
// admission-path calls, and their failure is logged, never retried.
func (c *Cache) Revert(ctx context.Context, key string, rule Rule) {
	if err := c.distrib.Revert(ctx, key, rule); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("limiter: revert failed against distributed store")
		if c.fallback != nil {
			_ = c.fallback.Revert(ctx, key, rule)
		}
	}
}

// Reset purges key from both the distributed store and the local cache.
func (c *Cache) Reset(ctx context.Context, key string) error {
	if err := c.distrib.Reset(ctx, key); err != nil {
		c.logger.WithError(err).WithField("key", key).Error("limiter: distributed reset failed")
	}
	if c.fallback != nil {
		_ = c.fallback.Reset(ctx, key)
	}
	return nil
}

// ActiveKeyCount reports how many rate-limit keys are currently
// tracked, preferring the distributed store when it implements
// KeyCounter and falling back to the in-memory tier otherwise, for the
// administrative stats endpoint.
func (c *Cache) ActiveKeyCount(ctx context.Context) (int, error) {
	if counter, ok := c.distrib.(KeyCounter); ok {
		if n, err := counter.ActiveKeyCount(ctx); err == nil {
			return n, nil
		}
	}
	if c.fallback != nil {
		return c.fallback.ActiveKeyCount(ctx)
	}
	return 0, nil
}

// counterStore is the minimal surface run() needs from either the
// distributed store or the in-memory fallback.
type counterStore interface {
	CheckAndIncrement(ctx context.Context, key string, rule Rule) (CounterEntry, bool, error)
	Current(ctx context.Context, key string, rule Rule) (CounterEntry, bool, error)
}

func (c *Cache) run(ctx context.Context, key string, rule Rule, op func(context.Context, counterStore) (CounterEntry, bool, error)) Decision {
	timer := c.config.Metrics.NewTimer(rule.ID)
	defer timer.Stop()

	primary := func(ctx context.Context) (Decision, error) {
		entry, allowed, err := c.callDistributed(ctx, key, rule, op)
		if err != nil {
			return Decision{}, err
		}
		return buildDecision(rule, entry, allowed), nil
	}

	fallback := func(ctx context.Context) (Decision, error) {
		if c.fallback == nil || !c.config.EnableFallback {
			if c.config.FailOpenWithoutFallback {
				return failOpenDecision(rule), nil
			}
			return Decision{}, ErrStoreUnavailable
		}
		entry, allowed, err := op(ctx, c.fallback)
		c.config.Metrics.RecordStoreOperation("memory", "check", err)
		if err != nil {
			return failOpenDecision(rule), nil
		}
		return buildDecision(rule, entry, allowed), nil
	}

	decision, err := c.breaker.Execute(ctx, primary, fallback)
	if err != nil {
		// fallback itself failed (no fallback configured and fail-open
		// disabled): degrade to fail-open rather than surface an error.
		c.logger.WithError(err).WithField("key", key).Warn("limiter: cache degraded to fail-open")
		return failOpenDecision(rule)
	}
	c.config.Metrics.RecordDecision(rule.ID, decision.Allowed)
	return decision
}

// callDistributed performs the sliding-to-fixed fallthrough within the
// distributed store: any error in the sliding path
// falls through to the fixed-window path on the same store before the
// breaker counts it as a failure of "the store" overall.
func (c *Cache) callDistributed(ctx context.Context, key string, rule Rule, op func(context.Context, counterStore) (CounterEntry, bool, error)) (CounterEntry, bool, error) {
	entry, allowed, err := op(ctx, c.distrib)
	c.config.Metrics.RecordStoreOperation("redis", string(rule.Algorithm), err)
	if err == nil {
		return entry, allowed, nil
	}
	if rule.Algorithm != Sliding {
		return CounterEntry{}, false, err
	}

	c.logger.WithError(err).WithField("rule_id", rule.ID).Debug("limiter: sliding store call failed, falling through to fixed window")
	fixedRule := rule
	fixedRule.Algorithm = Fixed
	entry, allowed, err = op(ctx, fixedRuleStore{c.distrib, fixedRule})
	c.config.Metrics.RecordStoreOperation("redis", "fixed_fallthrough", err)
	return entry, allowed, err
}

// fixedRuleStore rebinds a Store call to a fixed-window Rule regardless
// of what rule the caller's closure captured, used only for the
// sliding-to-fixed fallthrough above.
type fixedRuleStore struct {
	Store
	rule Rule
}

func (s fixedRuleStore) CheckAndIncrement(ctx context.Context, key string, _ Rule) (CounterEntry, bool, error) {
	return s.Store.CheckAndIncrement(ctx, key, s.rule)
}

func (s fixedRuleStore) Current(ctx context.Context, key string, _ Rule) (CounterEntry, bool, error) {
	return s.Store.Current(ctx, key, s.rule)
}

func buildDecision(rule Rule, entry CounterEntry, allowed bool) Decision {
	r := rule
	remaining := rule.MaxRequests - entry.Count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:           allowed,
		TotalRequests:     entry.Count,
		RemainingRequests: remaining,
		ResetTime:         entry.ResetTime,
		Rule:              &r,
	}
	if !allowed {
		d.RetryAfter = time.Duration(ceilSeconds(time.Until(entry.ResetTime))) * time.Second
	}
	return d
}

// failOpenDecision is returned when no store can decide: the distributed
// store failed or the breaker is open and no fallback is enabled
// (whatever FailOpenWithoutFallback says), or the fallback store itself
// failed. Availability over strictness.
func failOpenDecision(rule Rule) Decision {
	r := rule
	return Decision{
		Allowed:           true,
		TotalRequests:     0,
		RemainingRequests: rule.MaxRequests,
		ResetTime:         time.Now().Add(rule.Window),
		Rule:              &r,
	}
}
