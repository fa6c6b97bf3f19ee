package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lua scripts implementing the window counters. Each
// script executes as one atomic unit on the server; purge-then-read-then
// (maybe)-write never interleaves with another caller's script.
const (
	// slidingCheckScript purges expired members, reads the cardinality,
	// and, if admitted, adds a fresh unique member scored at now. A
	// defensive reread after insert guards against the rare overshoot a
	// retried script invocation could otherwise produce.
	slidingCheckScript = `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])
		local member = ARGV[4]

		redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
		local count = redis.call('ZCARD', key)

		local allowed = 0
		if count < limit then
			redis.call('ZADD', key, now, member)
			local after = redis.call('ZCARD', key)
			if after > limit then
				redis.call('ZREM', key, member)
			else
				allowed = 1
				count = after
			end
		end

		local ttl = math.ceil(window / 1000)
		if ttl < 1 then ttl = 1 end
		redis.call('EXPIRE', key, ttl)

		return {count, allowed}
	`

	// slidingCurrentScript purges and reports cardinality without adding
	// a member.
	slidingCurrentScript = `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
		local count = redis.call('ZCARD', key)

		local allowed = 0
		if count < limit then allowed = 1 end

		return {count, allowed}
	`

	// slidingRevertScript removes the highest-scored (most recently
	// added) member still in the window.
	slidingRevertScript = `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
		local top = redis.call('ZREVRANGE', key, 0, 0)
		if #top > 0 then
			redis.call('ZREM', key, top[1])
		end

		local remaining = redis.call('ZCARD', key)
		if remaining > 0 then
			local ttl = math.ceil(window / 1000)
			if ttl < 1 then ttl = 1 end
			redis.call('EXPIRE', key, ttl)
		end

		return remaining
	`

	// fixedCheckScript implements the fixed-window algorithm: a hash of
	// {count, reset_time, created_at} tied to the window aligned on
	// multiples of window.
	fixedCheckScript = `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])

		local data = redis.call('HMGET', key, 'count', 'reset_time', 'created_at')
		local count = tonumber(data[1])
		local reset_time = tonumber(data[2])
		local created_at = tonumber(data[3])

		if not count or now >= reset_time then
			local aligned = math.floor(now / window) * window
			count = 0
			reset_time = aligned + window
			created_at = now
		end

		local allowed = 0
		if count >= limit then
			allowed = 0
		else
			allowed = 1
			count = count + 1
		end

		redis.call('HMSET', key, 'count', count, 'reset_time', reset_time, 'created_at', created_at)
		local ttl = math.ceil((reset_time - now) / 1000)
		if ttl < 1 then ttl = 1 end
		redis.call('EXPIRE', key, ttl)

		return {count, reset_time, allowed}
	`

	fixedCurrentScript = `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])

		local data = redis.call('HMGET', key, 'count', 'reset_time')
		local count = tonumber(data[1])
		local reset_time = tonumber(data[2])

		if not count or now >= reset_time then
			local aligned = math.floor(now / window) * window
			return {0, aligned + window, 1}
		end

		local allowed = 0
		if count < limit then allowed = 1 end
		return {count, reset_time, allowed}
	`

	fixedRevertScript = `
		local key = KEYS[1]
		local data = redis.call('HMGET', key, 'count')
		local count = tonumber(data[1])
		if count and count > 0 then
			redis.call('HINCRBY', key, 'count', -1)
		end
		return 1
	`
)

// RedisStore implements Store over a sorted-set-per-key sliding window
// (primary) with a hash-per-key fixed window (fallback/opt-in), driven by
// server-side Lua scripts for atomicity.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing, shared *redis.Client. The client is
// owned by the caller (typically constructed once in cmd/server) and
// passed down, never a package-level singleton.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, key string, rule Rule) (CounterEntry, bool, error) {
	now := time.Now()
	switch rule.Algorithm {
	case Fixed:
		return s.fixedCheck(ctx, key, rule, now)
	default:
		return s.slidingCheck(ctx, key, rule, now)
	}
}

func (s *RedisStore) Current(ctx context.Context, key string, rule Rule) (CounterEntry, bool, error) {
	now := time.Now()
	switch rule.Algorithm {
	case Fixed:
		return s.fixedCurrent(ctx, key, rule, now)
	default:
		return s.slidingCurrent(ctx, key, rule, now)
	}
}

func (s *RedisStore) Revert(ctx context.Context, key string, rule Rule) error {
	now := time.Now()
	if rule.Algorithm == Fixed {
		return s.client.Eval(ctx, fixedRevertScript, []string{key}).Err()
	}
	windowMs := rule.Window.Milliseconds()
	return s.client.Eval(ctx, slidingRevertScript, []string{key}, now.UnixMilli(), windowMs).Err()
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Cleanup(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("limiter: scan %q: %w", pattern, err)
		}
		for _, k := range keys {
			exhausted, err := s.keyExhausted(ctx, k)
			if err != nil {
				continue
			}
			if exhausted {
				if n, err := s.client.Del(ctx, k).Result(); err == nil {
					deleted += int(n)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}

// ActiveKeyCount scans "rl:*" and counts matching keys without deleting
// any, for the administrative stats endpoint. It shares Cleanup's
// SCAN-based traversal so it never blocks the server with a KEYS call.
func (s *RedisStore) ActiveKeyCount(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "rl:*", 200).Result()
		if err != nil {
			return count, fmt.Errorf("limiter: scan rl:*: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (s *RedisStore) keyExhausted(ctx context.Context, key string) (bool, error) {
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return ttl <= 0, nil
}

func (s *RedisStore) slidingCheck(ctx context.Context, key string, rule Rule, now time.Time) (CounterEntry, bool, error) {
	// The member must be unique per call: two concurrent arrivals can
	// observe the same clock reading, and a duplicate member would make
	// the second ZADD a no-op, admitting both against one counted entry.
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	windowMs := rule.Window.Milliseconds()
	res, err := s.client.Eval(ctx, slidingCheckScript, []string{key}, now.UnixMilli(), windowMs, rule.MaxRequests, member).Result()
	if err != nil {
		return CounterEntry{}, false, fmt.Errorf("limiter: sliding check %q: %w", key, err)
	}
	count, allowed := unpackCountAllowed(res)
	entry := CounterEntry{Count: count, ResetTime: now.Add(rule.Window), CreatedAt: now}
	return entry, allowed, nil
}

func (s *RedisStore) slidingCurrent(ctx context.Context, key string, rule Rule, now time.Time) (CounterEntry, bool, error) {
	windowMs := rule.Window.Milliseconds()
	res, err := s.client.Eval(ctx, slidingCurrentScript, []string{key}, now.UnixMilli(), windowMs, rule.MaxRequests).Result()
	if err != nil {
		return CounterEntry{}, false, fmt.Errorf("limiter: sliding current %q: %w", key, err)
	}
	count, allowed := unpackCountAllowed(res)
	entry := CounterEntry{Count: count, ResetTime: now.Add(rule.Window), CreatedAt: now}
	return entry, allowed, nil
}

func (s *RedisStore) fixedCheck(ctx context.Context, key string, rule Rule, now time.Time) (CounterEntry, bool, error) {
	windowMs := rule.Window.Milliseconds()
	res, err := s.client.Eval(ctx, fixedCheckScript, []string{key}, now.UnixMilli(), windowMs, rule.MaxRequests).Result()
	if err != nil {
		return CounterEntry{}, false, fmt.Errorf("limiter: fixed check %q: %w", key, err)
	}
	count, resetMs, allowed := unpackFixed(res)
	entry := CounterEntry{Count: count, ResetTime: time.UnixMilli(resetMs), CreatedAt: now}
	return entry, allowed, nil
}

func (s *RedisStore) fixedCurrent(ctx context.Context, key string, rule Rule, now time.Time) (CounterEntry, bool, error) {
	windowMs := rule.Window.Milliseconds()
	res, err := s.client.Eval(ctx, fixedCurrentScript, []string{key}, now.UnixMilli(), windowMs, rule.MaxRequests).Result()
	if err != nil {
		return CounterEntry{}, false, fmt.Errorf("limiter: fixed current %q: %w", key, err)
	}
	count, resetMs, allowed := unpackFixed(res)
	entry := CounterEntry{Count: count, ResetTime: time.UnixMilli(resetMs), CreatedAt: now}
	return entry, allowed, nil
}

func unpackCountAllowed(res interface{}) (count int64, allowed bool) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, false
	}
	return toInt64(vals[0]), toInt64(vals[1]) == 1
}

func unpackFixed(res interface{}) (count int64, resetMs int64, allowed bool) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return 0, 0, false
	}
	return toInt64(vals[0]), toInt64(vals[1]), toInt64(vals[2]) == 1
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
