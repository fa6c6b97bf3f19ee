package limiter_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
)

func TestEvaluatorAppliesSkipFunc(t *testing.T) {
	store := limiter.NewMemoryStore(time.Minute)
	cache := limiter.NewCache(store, nil, limiter.CacheConfig{})
	evaluator := limiter.NewEvaluator(cache, limiter.NewExtractor(), nil)

	rule := limiter.Rule{
		ID: "skip-rule", Window: time.Minute, MaxRequests: 1,
		SkipFunc: func(r *http.Request) bool { return r.Header.Get("X-Internal") == "true" },
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal", "true")

	decision := evaluator.Evaluate(context.Background(), req, rule)
	assert.True(t, decision.Inert)
}

func TestEvaluatorUsesPerRuleKeyFunc(t *testing.T) {
	store := limiter.NewMemoryStore(time.Minute)
	cache := limiter.NewCache(store, nil, limiter.CacheConfig{})
	evaluator := limiter.NewEvaluator(cache, limiter.NewExtractor(), nil)

	rule := limiter.Rule{
		ID: "keyed", Window: time.Minute, MaxRequests: 2,
		KeyFunc: func(r *http.Request) string { return r.Header.Get("X-API-Key") },
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "tenant-a")

	decision := evaluator.Evaluate(context.Background(), req, rule)
	require.False(t, decision.Inert)
	assert.True(t, decision.Allowed)
	assert.NotEmpty(t, decision.Key)
}

func TestEvaluatorRecoversFromPanickingSkipFunc(t *testing.T) {
	store := limiter.NewMemoryStore(time.Minute)
	cache := limiter.NewCache(store, nil, limiter.CacheConfig{})
	evaluator := limiter.NewEvaluator(cache, limiter.NewExtractor(), nil)

	rule := limiter.Rule{
		ID: "panicky", Window: time.Minute, MaxRequests: 2,
		SkipFunc: func(r *http.Request) bool { panic("boom") },
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	decision := evaluator.Evaluate(context.Background(), req, rule)
	assert.True(t, decision.Inert)
}
