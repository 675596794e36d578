package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/tradegw/internal/clock"
)

// TokenBucketLimiter implements the token bucket rate limiting algorithm.
// Tokens refill at Requests/Window per second up to Burst; each admitted
// request consumes one token.
type TokenBucketLimiter struct {
	rate      rate.Limit
	burst     int
	idleAfter time.Duration

	buckets *shardedMap[tokenBucket]
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	sweeper
}

type tokenBucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	lastSeen time.Time
	evicted  bool
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
func NewTokenBucketLimiter(cfg Config, opts ...Option) (*TokenBucketLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	l := &TokenBucketLimiter{
		rate:      rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		burst:     cfg.Burst,
		idleAfter: time.Duration(cfg.RetentionWindows) * cfg.Window,
		buckets:   newShardedMap[tokenBucket](cfg.Shards),
		clock:     o.clock,
		logger:    o.logger,
		metrics:   o.metrics,
	}
	l.sweeper = sweeper{interval: cfg.SweepInterval, clock: o.clock, sweep: l.Sweep}

	return l, nil
}

// Take decides one request for key at now.
func (l *TokenBucketLimiter) Take(key string, now time.Time) Result {
	for {
		b := l.buckets.getOrCreate(key, func() *tokenBucket {
			return &tokenBucket{limiter: rate.NewLimiter(l.rate, l.burst), lastSeen: now}
		})

		b.mu.Lock()
		if b.evicted {
			b.mu.Unlock()
			continue
		}
		if now.After(b.lastSeen) {
			b.lastSeen = now
		}

		r := b.limiter.ReserveN(now, 1)
		var delay time.Duration
		allowed := r.OK()
		if allowed {
			delay = r.DelayFrom(now)
			if delay > 0 {
				r.CancelAt(now)
				allowed = false
			}
		}
		tokens := b.limiter.TokensAt(now)
		b.mu.Unlock()

		res := Result{
			Allowed:    allowed,
			Limit:      l.burst,
			Remaining:  int(tokens),
			ResetAfter: l.refillTime(tokens),
		}
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		if !allowed {
			res.RetryAfter = delay
		}

		l.metrics.recordDecision(AlgorithmTokenBucket, allowed)
		return res
	}
}

// refillTime returns how long the bucket needs to become full again.
func (l *TokenBucketLimiter) refillTime(tokens float64) time.Duration {
	missing := float64(l.burst) - tokens
	if missing <= 0 || l.rate <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.rate) * float64(time.Second))
}

// Admit implements Limiter.
func (l *TokenBucketLimiter) Admit(_ context.Context, key string, now time.Time) (Result, error) {
	return l.Take(key, now), nil
}

// Allow decides one request for key at the limiter's current time.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.Admit(ctx, key, l.clock.Now())
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(_ context.Context, key string) error {
	if b, ok := l.buckets.remove(key); ok {
		b.mu.Lock()
		b.evicted = true
		b.mu.Unlock()
	}
	return nil
}

// Sweep removes buckets idle for RetentionWindows windows.
func (l *TokenBucketLimiter) Sweep(now time.Time) int {
	removed := l.buckets.sweep(func(_ string, b *tokenBucket) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if now.Sub(b.lastSeen) < l.idleAfter {
			return false
		}
		b.evicted = true
		return true
	})

	remaining := l.buckets.len()
	l.metrics.recordSweep(AlgorithmTokenBucket, removed, remaining)
	if removed > 0 {
		l.logger.Debug("token bucket sweep",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining),
		)
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *TokenBucketLimiter) Len() int {
	return l.buckets.len()
}

var _ Limiter = (*TokenBucketLimiter)(nil)
