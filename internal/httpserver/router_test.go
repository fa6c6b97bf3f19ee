package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/maintenance"
)

func setupTestRouter(t *testing.T) (*testRouterDeps, http.Handler) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store := limiter.NewMemoryStore(time.Minute)
	cache := limiter.NewCache(store, nil, limiter.CacheConfig{})
	worker := maintenance.NewWorker(cache, store, logger)

	rules := []limiter.Rule{{ID: "demo", Window: time.Minute, MaxRequests: 2}}
	evaluator := limiter.NewEvaluator(cache, limiter.NewExtractor(), logger)
	composer := limiter.NewComposer(limiter.Config{Rules: rules, StandardHeaders: true, Logger: logger}, evaluator, limiter.NewExtractor())

	router := New(Options{
		Mode:     "test",
		Rules:    rules,
		Composer: composer,
		Worker:   worker,
		Cache:    cache,
		Logger:   logger,
	})
	return &testRouterDeps{worker: worker}, router
}

type testRouterDeps struct {
	worker *maintenance.Worker
}

func TestHealthEndpoint(t *testing.T) {
	_, router := setupTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDataEndpointIsRateLimited(t *testing.T) {
	_, router := setupTestRouter(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		req.RemoteAddr = "10.1.1.1:1111"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.RemoteAddr = "10.1.1.1:1111"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAdminResetRateLimitRequiresIdentifier(t *testing.T) {
	_, router := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/reset-rate-limit", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminResetRateLimitClearsCounter(t *testing.T) {
	_, router := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.RemoteAddr = "10.1.1.2:2222"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := json.Marshal(map[string]string{"identifier": "10.1.1.2:2222", "ruleId": "demo"})
	require.NoError(t, err)
	resetReq := httptest.NewRequest(http.MethodPost, "/admin/reset-rate-limit", bytes.NewBuffer(body))
	resetReq.Header.Set("Content-Type", "application/json")
	resetRec := httptest.NewRecorder()
	router.ServeHTTP(resetRec, resetReq)
	assert.Equal(t, http.StatusOK, resetRec.Code)

	// With the counter cleared, the full limit of 2 is available again.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
		req.RemoteAddr = "10.1.1.2:2222"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAdminStatsEndpoint(t *testing.T) {
	_, router := setupTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
