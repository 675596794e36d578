package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tradegw/internal/clock"
)

func newTokenBucket(t *testing.T, requests int, window time.Duration, burst int, opts ...Option) *TokenBucketLimiter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Algorithm = AlgorithmTokenBucket
	cfg.Requests = requests
	cfg.Window = window
	cfg.Burst = burst
	l, err := NewTokenBucketLimiter(cfg, opts...)
	require.NoError(t, err)
	return l
}

// ============================================================================
// Test Cases for TokenBucketLimiter
// ============================================================================

func TestTokenBucketLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()

	l := newTokenBucket(t, 2, time.Second, 2)

	res := l.Take("k", windowStart)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
	assert.Equal(t, 1, res.Remaining)

	res = l.Take("k", windowStart)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.InDelta(t, float64(time.Second), float64(res.ResetAfter), float64(time.Millisecond))

	res = l.Take("k", windowStart)
	assert.False(t, res.Allowed)
	assert.InDelta(t, float64(500*time.Millisecond), float64(res.RetryAfter), float64(time.Millisecond))

	res = l.Take("k", windowStart.Add(500*time.Millisecond))
	assert.True(t, res.Allowed, "one token refills after half a second")
}

func TestTokenBucketLimiter_DeniedRequestsDoNotConsume(t *testing.T) {
	t.Parallel()

	l := newTokenBucket(t, 1, time.Second, 1)

	assert.True(t, l.Take("k", windowStart).Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Take("k", windowStart.Add(100*time.Millisecond)).Allowed)
	}
	assert.True(t, l.Take("k", windowStart.Add(2*time.Second)).Allowed)
}

func TestTokenBucketLimiter_DefaultBurst(t *testing.T) {
	t.Parallel()

	l := newTokenBucket(t, 3, time.Minute, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Take("k", windowStart).Allowed)
	}
	assert.False(t, l.Take("k", windowStart).Allowed)
}

func TestTokenBucketLimiter_AllowAndReset(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(windowStart)
	l := newTokenBucket(t, 1, time.Minute, 1, WithClock(clk))
	ctx := context.Background()

	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	require.NoError(t, l.Reset(ctx, "k"))
	res, err = l.Admit(ctx, "k", clk.Now())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketLimiter_Concurrent(t *testing.T) {
	t.Parallel()

	l := newTokenBucket(t, 10, time.Hour, 10)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Take("k", windowStart).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestTokenBucketLimiter_Sweep(t *testing.T) {
	t.Parallel()

	l := newTokenBucket(t, 1, time.Second, 1, WithMetrics(NewMetrics("test")))

	l.Take("idle", windowStart)
	l.Take("active", windowStart.Add(3*time.Second))
	require.Equal(t, 2, l.Len())

	assert.Equal(t, 1, l.Sweep(windowStart.Add(3*time.Second)))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.Sweep(windowStart.Add(4*time.Second)))
}
