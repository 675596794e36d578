package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/clock"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm.
// Time is divided into windows of length Window; each key may be
// admitted at most Requests times per window.
type FixedWindowLimiter struct {
	limit     int
	window    time.Duration
	policy    DenyPolicy
	retention int64

	counters *shardedMap[windowCounter]
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *Metrics

	sweeper
}

// windowCounter is the state of one key. evicted is set by the sweep
// under mu; an admit that observes it retries on a fresh counter.
type windowCounter struct {
	mu      sync.Mutex
	bucket  int64
	count   int
	evicted bool
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics
}

// WithClock sets the clock used by Allow and the sweeper.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.clock = clock.OrSystem(o.clock)
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(cfg Config, opts ...Option) (*FixedWindowLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	l := &FixedWindowLimiter{
		limit:     cfg.Requests,
		window:    cfg.Window,
		policy:    cfg.DenyPolicy,
		retention: int64(cfg.RetentionWindows),
		counters:  newShardedMap[windowCounter](cfg.Shards),
		clock:     o.clock,
		logger:    o.logger,
		metrics:   o.metrics,
	}
	l.sweeper = sweeper{interval: cfg.SweepInterval, clock: o.clock, sweep: l.Sweep}

	return l, nil
}

// bucketOf returns the window index containing t.
func (l *FixedWindowLimiter) bucketOf(t time.Time) int64 {
	return t.UnixNano() / l.window.Nanoseconds()
}

// Take decides one request for key at now. It never blocks on I/O.
func (l *FixedWindowLimiter) Take(key string, now time.Time) Result {
	bucket := l.bucketOf(now)

	for {
		wc := l.counters.getOrCreate(key, func() *windowCounter {
			return &windowCounter{bucket: bucket}
		})

		wc.mu.Lock()
		if wc.evicted {
			wc.mu.Unlock()
			continue
		}

		// Lazy rollover. A request carrying an older timestamp than the
		// stored window is charged to the stored window.
		if bucket > wc.bucket {
			wc.bucket = bucket
			wc.count = 0
		}

		allowed := wc.count < l.limit
		if allowed || l.policy == DenyCountAndCap {
			if wc.count <= l.limit {
				wc.count++
			}
		}
		count, current := wc.count, wc.bucket
		wc.mu.Unlock()

		res := l.result(allowed, count, current, now)
		l.metrics.recordDecision(AlgorithmFixedWindow, allowed)
		return res
	}
}

func (l *FixedWindowLimiter) result(allowed bool, count int, bucket int64, now time.Time) Result {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	boundary := time.Unix(0, (bucket+1)*l.window.Nanoseconds())
	resetAfter := boundary.Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	res := Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
	if !allowed {
		res.RetryAfter = resetAfter
	}
	return res
}

// Admit implements Limiter.
func (l *FixedWindowLimiter) Admit(_ context.Context, key string, now time.Time) (Result, error) {
	return l.Take(key, now), nil
}

// Allow decides one request for key at the limiter's current time.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (Result, error) {
	return l.Admit(ctx, key, l.clock.Now())
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(_ context.Context, key string) error {
	if wc, ok := l.counters.remove(key); ok {
		wc.mu.Lock()
		wc.evicted = true
		wc.mu.Unlock()
	}
	return nil
}

// Sweep removes keys whose window is RetentionWindows or more behind
// now and returns how many were removed.
func (l *FixedWindowLimiter) Sweep(now time.Time) int {
	current := l.bucketOf(now)
	removed := l.counters.sweep(func(_ string, wc *windowCounter) bool {
		wc.mu.Lock()
		defer wc.mu.Unlock()
		if current-wc.bucket < l.retention {
			return false
		}
		wc.evicted = true
		return true
	})

	remaining := l.counters.len()
	l.metrics.recordSweep(AlgorithmFixedWindow, removed, remaining)
	if removed > 0 {
		l.logger.Debug("rate limit sweep",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining),
		)
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *FixedWindowLimiter) Len() int {
	return l.counters.len()
}

// Limit returns the capacity and window length.
func (l *FixedWindowLimiter) Limit() (int, time.Duration) {
	return l.limit, l.window
}

var _ Limiter = (*FixedWindowLimiter)(nil)
