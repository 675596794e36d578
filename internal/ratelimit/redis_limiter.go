package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/ratelimit/store"
)

// Ensure RedisLimiter implements Limiter.
var _ Limiter = (*RedisLimiter)(nil)

// ErrStoreUnavailable is returned when the shared store cannot be reached
// and no fallback is configured.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Prometheus metrics for the distributed limiter.
var (
	redisLimiterOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_ratelimit_redis_operations_total",
			Help: "Total number of distributed rate limit operations",
		},
		[]string{"status"},
	)

	redisLimiterFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradegw_ratelimit_redis_fallback_total",
			Help: "Total number of times the local fallback limiter was used",
		},
	)

	redisLimiterBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradegw_ratelimit_redis_breaker_state",
			Help: "State of the store circuit breaker (0=closed, 1=half-open, 2=open)",
		},
	)
)

// RedisLimiterConfig holds configuration for the distributed limiter.
type RedisLimiterConfig struct {
	// Limit holds the window and capacity shared by all instances.
	Limit Config

	// FallbackEnabled admits through a local fixed window limiter while
	// the store is unavailable.
	FallbackEnabled bool

	// BreakerFailures is the number of consecutive store failures that
	// open the store breaker.
	BreakerFailures int

	// BreakerTimeout is how long the store breaker stays open.
	BreakerTimeout time.Duration

	// OperationTimeout bounds each store call.
	OperationTimeout time.Duration
}

// DefaultRedisLimiterConfig returns a RedisLimiterConfig with default values.
func DefaultRedisLimiterConfig() RedisLimiterConfig {
	return RedisLimiterConfig{
		Limit:            DefaultConfig(),
		FallbackEnabled:  true,
		BreakerFailures:  5,
		BreakerTimeout:   10 * time.Second,
		OperationTimeout: 100 * time.Millisecond,
	}
}

// RedisLimiter is a fixed window limiter whose counters live in a store
// shared by every gateway instance. Store calls go through a circuit
// breaker; while it is open, requests are decided by a local fixed
// window limiter if fallback is enabled.
type RedisLimiter struct {
	config   RedisLimiterConfig
	store    store.Store
	breaker  *gobreaker.CircuitBreaker
	fallback *FixedWindowLimiter
	logger   *zap.Logger
	metrics  *Metrics
}

// NewRedisLimiter creates a new distributed limiter over s.
func NewRedisLimiter(s store.Store, cfg RedisLimiterConfig, opts ...Option) (*RedisLimiter, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Limit.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if cfg.Limit.Algorithm == AlgorithmTokenBucket {
		return nil, fmt.Errorf("distributed limiter supports %s only", AlgorithmFixedWindow)
	}
	cfg.Limit = cfg.Limit.withDefaults()
	d := DefaultRedisLimiterConfig()
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = d.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = d.BreakerTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = d.OperationTimeout
	}

	o := buildOptions(opts)
	l := &RedisLimiter{
		config:  cfg,
		store:   s,
		logger:  o.logger,
		metrics: o.metrics,
	}

	if cfg.FallbackEnabled {
		fallback, err := NewFixedWindowLimiter(cfg.Limit, opts...)
		if err != nil {
			return nil, err
		}
		l.fallback = fallback
	}

	failures := safeIntToUint32(cfg.BreakerFailures)
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			redisLimiterBreakerState.Set(float64(to))
			l.logger.Warn("rate limit store breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return l, nil
}

// Admit implements Limiter.
func (l *RedisLimiter) Admit(ctx context.Context, key string, now time.Time) (Result, error) {
	window := l.config.Limit.Window
	bucket := now.UnixNano() / window.Nanoseconds()
	boundary := time.Unix(0, (bucket+1)*window.Nanoseconds())
	resetAfter := boundary.Sub(now)

	capacity := int64(l.config.Limit.Requests)
	if l.config.Limit.DenyPolicy == DenyCountAndCap {
		capacity++
	}

	type reply struct {
		count   int64
		counted bool
	}

	v, err := l.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.OperationTimeout)
		defer cancel()

		count, counted, err := l.store.IncrementCapped(opCtx, windowKey(key, bucket), capacity, resetAfter+time.Second)
		if err != nil {
			return nil, err
		}
		return reply{count: count, counted: counted}, nil
	})
	if err != nil {
		redisLimiterOperationsTotal.WithLabelValues("error").Inc()
		if l.fallback != nil {
			l.logger.Debug("using fallback rate limiter",
				zap.String("key", key),
				zap.Error(err),
			)
			redisLimiterFallbackTotal.Inc()
			return l.fallback.Take(key, now), nil
		}
		return Result{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	redisLimiterOperationsTotal.WithLabelValues("success").Inc()

	r, _ := v.(reply)
	limit := l.config.Limit.Requests
	allowed := r.count <= int64(limit)
	if l.config.Limit.DenyPolicy == DenyStopAtCapacity {
		allowed = r.counted
	}

	remaining := limit - int(r.count)
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}
	if !allowed {
		res.RetryAfter = resetAfter
	}

	l.metrics.recordDecision(AlgorithmFixedWindow, allowed)
	return res, nil
}

// Reset implements Limiter. It clears the shared windows for key and
// the local fallback state.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if l.fallback != nil {
		_ = l.fallback.Reset(ctx, key)
	}
	if pd, ok := l.store.(interface {
		DeletePrefix(ctx context.Context, prefix string) error
	}); ok {
		return pd.DeletePrefix(ctx, key+":")
	}

	bucket := time.Now().UnixNano() / l.config.Limit.Window.Nanoseconds()
	return l.store.Delete(ctx, windowKey(key, bucket))
}

// State returns the state of the store breaker.
func (l *RedisLimiter) State() gobreaker.State {
	return l.breaker.State()
}

// Fallback returns the local fallback limiter, or nil.
func (l *RedisLimiter) Fallback() *FixedWindowLimiter {
	return l.fallback
}

// Start runs the fallback sweep.
func (l *RedisLimiter) Start(ctx context.Context) {
	if l.fallback != nil {
		l.fallback.Start(ctx)
	}
}

// Stop ends the fallback sweep.
func (l *RedisLimiter) Stop() {
	if l.fallback != nil {
		l.fallback.Stop()
	}
}

func windowKey(key string, bucket int64) string {
	return key + ":" + strconv.FormatInt(bucket, 10)
}

// safeIntToUint32 safely converts int to uint32, clamping to valid range.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
