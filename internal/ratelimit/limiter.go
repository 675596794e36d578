// Package ratelimit provides per-identity admission limits for the
// gateway.
//
// The default algorithm is a fixed window: time is cut into windows of
// length W and each identity may be admitted at most C times per window.
// A token-bucket variant and a Redis-backed distributed fixed window are
// also available. All limiters are safe for concurrent use.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limiter decides whether one request for key may proceed.
type Limiter interface {
	// Admit decides one request for key arriving at now. A denial is
	// reported through Result.Allowed, not through the error; the error
	// is reserved for backend failures.
	Admit(ctx context.Context, key string, now time.Time) (Result, error)

	// Reset clears the state held for key.
	Reset(ctx context.Context, key string) error
}

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Limit is the maximum number of requests allowed per window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAfter is the duration until the current window ends.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration
}

// Algorithm represents the rate limiting algorithm type.
type Algorithm string

const (
	// AlgorithmFixedWindow uses the fixed window algorithm.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmTokenBucket uses the token bucket algorithm.
	AlgorithmTokenBucket Algorithm = "token_bucket"
)

// DenyPolicy controls whether denied requests are counted.
type DenyPolicy string

const (
	// DenyCountAndCap counts denied requests but never lets the counter
	// exceed capacity+1.
	DenyCountAndCap DenyPolicy = "count_and_cap"

	// DenyStopAtCapacity leaves the counter untouched once capacity is
	// reached.
	DenyStopAtCapacity DenyPolicy = "stop_at_capacity"
)

// Config holds configuration for creating a rate limiter.
type Config struct {
	// Algorithm is the rate limiting algorithm to use.
	Algorithm Algorithm

	// Requests is the capacity C: the maximum number of admitted
	// requests per window.
	Requests int

	// Window is the window length W.
	Window time.Duration

	// Burst is the bucket size for the token bucket algorithm.
	// Defaults to Requests.
	Burst int

	// DenyPolicy applies to the fixed window algorithms.
	DenyPolicy DenyPolicy

	// RetentionWindows is how many windows an idle key is kept before
	// the sweep removes it.
	RetentionWindows int

	// SweepInterval is how often Start runs the sweep. Defaults to Window.
	SweepInterval time.Duration

	// Shards is the number of key map shards.
	Shards int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Algorithm:        AlgorithmFixedWindow,
		Requests:         100,
		Window:           time.Minute,
		DenyPolicy:       DenyCountAndCap,
		RetentionWindows: 2,
		Shards:           defaultShardCount,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	if c.DenyPolicy == "" {
		c.DenyPolicy = d.DenyPolicy
	}
	if c.RetentionWindows <= 0 {
		c.RetentionWindows = d.RetentionWindows
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.Window
	}
	if c.Shards <= 0 {
		c.Shards = d.Shards
	}
	if c.Burst <= 0 {
		c.Burst = c.Requests
	}
	return c
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Requests <= 0 {
		return fmt.Errorf("requests must be positive, got %d", c.Requests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	switch c.Algorithm {
	case "", AlgorithmFixedWindow, AlgorithmTokenBucket:
	default:
		return fmt.Errorf("unknown algorithm: %s", c.Algorithm)
	}
	switch c.DenyPolicy {
	case "", DenyCountAndCap, DenyStopAtCapacity:
	default:
		return fmt.Errorf("unknown deny policy: %s", c.DenyPolicy)
	}
	return nil
}

// NoopLimiter is a rate limiter that always allows requests.
type NoopLimiter struct{}

// NewNoopLimiter creates a new noop limiter.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Admit implements Limiter.
func (l *NoopLimiter) Admit(context.Context, string, time.Time) (Result, error) {
	return Result{Allowed: true}, nil
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(context.Context, string) error {
	return nil
}

// LocalLimiter is an in-process limiter whose idle keys are reclaimed by
// a periodic sweep.
type LocalLimiter interface {
	Limiter

	// Take decides one request for key at now.
	Take(key string, now time.Time) Result

	// Sweep removes idle keys and returns how many were removed.
	Sweep(now time.Time) int

	// Len returns the number of tracked keys.
	Len() int

	// Start launches the periodic sweep.
	Start(ctx context.Context)

	// Stop ends the periodic sweep.
	Stop()
}

// New creates an in-process limiter for cfg.Algorithm.
func New(cfg Config, opts ...Option) (LocalLimiter, error) {
	if cfg.Algorithm == AlgorithmTokenBucket {
		l, err := NewTokenBucketLimiter(cfg, opts...)
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	l, err := NewFixedWindowLimiter(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return l, nil
}
