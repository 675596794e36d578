package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/vyrodovalexey/tradegw/internal/clock"
)

// Check is a single readiness check.
type Check interface {
	Name() string
	// Critical reports whether a failure makes the gateway not ready.
	// Non-critical failures only degrade the reported status.
	Critical() bool
	Check(ctx context.Context) error
}

// CheckOption configures a check built by NewCheck.
type CheckOption func(*funcCheck)

// NonCritical marks the check as non-critical.
func NonCritical() CheckOption {
	return func(c *funcCheck) {
		c.critical = false
	}
}

type funcCheck struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

func (c *funcCheck) Name() string                    { return c.name }
func (c *funcCheck) Critical() bool                  { return c.critical }
func (c *funcCheck) Check(ctx context.Context) error { return c.fn(ctx) }

// NewCheck returns a critical check that calls fn.
func NewCheck(name string, fn func(ctx context.Context) error, opts ...CheckOption) Check {
	c := &funcCheck{name: name, critical: true, fn: fn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pinger is anything that can report its own reachability, such as the
// Redis rate limit store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisCheck pings the Redis connection behind p.
func RedisCheck(name string, p Pinger, opts ...CheckOption) Check {
	return NewCheck(name, func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("redis client is nil")
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}, opts...)
}

// UpstreamCheck dials the host of rawURL over TCP. Upstreams are
// non-critical by default: an unreachable upstream is what its circuit
// breaker is for.
func UpstreamCheck(name, rawURL string, timeout time.Duration, opts ...CheckOption) Check {
	opts = append([]CheckOption{NonCritical()}, opts...)
	return NewCheck(name, func(ctx context.Context) error {
		addr, err := dialAddress(rawURL)
		if err != nil {
			return err
		}
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return conn.Close()
	}, opts...)
}

func dialAddress(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("upstream URL %q has no host", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// CachedCheck reuses the result of check for ttl.
type CachedCheck struct {
	check Check
	ttl   time.Duration
	clock clock.Clock

	mu         sync.Mutex
	checkedAt  time.Time
	lastResult error
	checked    bool
}

// NewCachedCheck wraps check with a result cache. A nil clk uses the
// system clock.
func NewCachedCheck(check Check, ttl time.Duration, clk clock.Clock) *CachedCheck {
	return &CachedCheck{check: check, ttl: ttl, clock: clock.OrSystem(clk)}
}

// Name implements Check.
func (c *CachedCheck) Name() string { return c.check.Name() }

// Critical implements Check.
func (c *CachedCheck) Critical() bool { return c.check.Critical() }

// Check implements Check. Concurrent callers during a refresh wait for it.
func (c *CachedCheck) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.checked && now.Sub(c.checkedAt) < c.ttl {
		return c.lastResult
	}

	c.lastResult = c.check.Check(ctx)
	c.checkedAt = now
	c.checked = true
	return c.lastResult
}
