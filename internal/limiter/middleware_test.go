package limiter_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
)

type recordingScheduler struct {
	reverts  []string
	cleanups []string
}

func (s *recordingScheduler) EnqueueRevert(_ limiter.Rule, key string) {
	s.reverts = append(s.reverts, key)
}

func (s *recordingScheduler) EnqueueDenialCleanup(key string, _ time.Duration) {
	s.cleanups = append(s.cleanups, key)
}

func newTestComposer(t *testing.T, rules []limiter.Rule, scheduler limiter.RevertScheduler, cfg limiter.Config) *limiter.Composer {
	t.Helper()
	store := limiter.NewMemoryStore(time.Minute)
	cache := limiter.NewCache(store, nil, limiter.CacheConfig{})
	evaluator := limiter.NewEvaluator(cache, limiter.NewExtractor(), nil)
	cfg.Rules = rules
	cfg.Scheduler = scheduler
	return limiter.NewComposer(cfg, evaluator, limiter.NewExtractor())
}

func TestMiddlewareAllowsUnderLimit(t *testing.T) {
	rules := []limiter.Rule{{ID: "r1", Window: time.Minute, MaxRequests: 2}}
	composer := newTestComposer(t, rules, nil, limiter.Config{StandardHeaders: true})

	handlerCalled := false
	handler := composer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, handlerCalled)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	scheduler := &recordingScheduler{}
	rules := []limiter.Rule{{ID: "r2", Window: time.Minute, MaxRequests: 1}}
	composer := newTestComposer(t, rules, scheduler, limiter.Config{StandardHeaders: true})

	handler := composer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.6:2222"
		return r
	}

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req())
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req())
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.NotEmpty(t, scheduler.cleanups)
}

func TestMiddlewareComposesTightestRule(t *testing.T) {
	rules := []limiter.Rule{
		{ID: "loose", Window: time.Minute, MaxRequests: 100},
		{ID: "tight", Window: time.Minute, MaxRequests: 1},
	}
	composer := newTestComposer(t, rules, nil, limiter.Config{StandardHeaders: true})

	handler := composer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:3333"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "1", rec.Header().Get("RateLimit-Limit"))
}

func TestMiddlewareRevertsOnSkippedStatus(t *testing.T) {
	scheduler := &recordingScheduler{}
	rules := []limiter.Rule{{ID: "revertible", Window: time.Minute, MaxRequests: 5}}
	composer := newTestComposer(t, rules, scheduler, limiter.Config{SkipSuccessfulRequests: true})

	handler := composer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.8:4444"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, scheduler.reverts, 1)
}

func TestDecideReturnsContinuationHandle(t *testing.T) {
	scheduler := &recordingScheduler{}
	rules := []limiter.Rule{{ID: "handle", Window: time.Minute, MaxRequests: 5}}
	composer := newTestComposer(t, rules, scheduler, limiter.Config{SkipFailedRequests: true})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	rec := httptest.NewRecorder()

	handle, ok := composer.Decide(rec, req)
	require.True(t, ok)

	handle.Finish(http.StatusInternalServerError)
	require.Len(t, scheduler.reverts, 1)
}

func TestMiddlewareConcurrentBurstTightestRuleBinds(t *testing.T) {
	rules := []limiter.Rule{
		{ID: "sustained", Window: time.Minute, MaxRequests: 100},
		{ID: "burst", Window: time.Second, MaxRequests: 10},
	}
	composer := newTestComposer(t, rules, nil, limiter.Config{StandardHeaders: true})

	handler := composer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	var admitted int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "10.0.0.10:6666"
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code == http.StatusOK {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted)
}

func TestMiddlewareWarningHeaderThresholds(t *testing.T) {
	rules := []limiter.Rule{{ID: "warn", Window: time.Minute, MaxRequests: 10}}
	composer := newTestComposer(t, rules, nil, limiter.Config{StandardHeaders: true})

	handler := composer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.11:7777"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Requests 1-7 leave remaining/limit above 0.20: no warning.
	for i := 0; i < 7; i++ {
		rec := send()
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Warning"))
	}

	// Request 8 leaves remaining=2 of 10, exactly the 0.20 boundary.
	rec := send()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Approaching rate limit", rec.Header().Get("X-RateLimit-Warning"))

	send()

	// Request 10 exhausts the limit but is still admitted.
	rec = send()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Rate limit nearly exceeded", rec.Header().Get("X-RateLimit-Warning"))
}
