package limiter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	var transitions []limiter.BreakerState
	cb := limiter.NewCircuitBreaker(limiter.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  50 * time.Millisecond,
		OnStateChange: func(_, to limiter.BreakerState) {
			transitions = append(transitions, to)
		},
	})

	failing := func(context.Context) (limiter.Decision, error) { return limiter.Decision{}, errors.New("boom") }
	fallback := func(context.Context) (limiter.Decision, error) { return limiter.Decision{Allowed: true}, nil }

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(context.Background(), failing, fallback)
		require.NoError(t, err)
	}

	assert.Equal(t, limiter.BreakerOpen, cb.State())
	require.Contains(t, transitions, limiter.BreakerOpen)
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := limiter.NewCircuitBreaker(limiter.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	failing := func(context.Context) (limiter.Decision, error) { return limiter.Decision{}, errors.New("boom") }
	succeeding := func(context.Context) (limiter.Decision, error) { return limiter.Decision{Allowed: true}, nil }
	fallback := func(context.Context) (limiter.Decision, error) { return limiter.Decision{Allowed: true}, nil }

	_, err := cb.Execute(context.Background(), failing, fallback)
	require.NoError(t, err)
	assert.Equal(t, limiter.BreakerOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	decision, err := cb.Execute(context.Background(), succeeding, fallback)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, limiter.BreakerClosed, cb.State())
}

func TestCircuitBreakerFallbackOnPrimaryError(t *testing.T) {
	cb := limiter.NewCircuitBreaker(limiter.BreakerConfig{FailureThreshold: 5})
	failing := func(context.Context) (limiter.Decision, error) { return limiter.Decision{}, errors.New("boom") }
	fallback := func(context.Context) (limiter.Decision, error) {
		return limiter.Decision{Allowed: true, TotalRequests: 1}, nil
	}

	decision, err := cb.Execute(context.Background(), failing, fallback)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.TotalRequests)
}
