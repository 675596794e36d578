// Package circuitbreaker provides per-upstream circuit breakers for the
// gateway.
//
// A breaker starts Closed and trips to Open when the failure ratio over a
// trailing window exceeds a threshold. After a cooldown the next admit
// moves it to HalfOpen, where exactly one trial request is let through;
// its outcome closes the breaker or re-opens it with a longer cooldown.
package circuitbreaker

import (
	"fmt"
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureRatio is the threshold F: the breaker trips when
	// failures/total over the window exceeds it.
	FailureRatio float64

	// MinSamples is the minimum number of outcomes in the window before
	// the ratio is evaluated.
	MinSamples int

	// Window is the length of the trailing window outcomes are counted in.
	Window time.Duration

	// Buckets is the number of buckets the window is divided into.
	Buckets int

	// Cooldown is how long the breaker stays open after the first trip.
	Cooldown time.Duration

	// BackoffMultiplier scales the cooldown after each failed trial.
	BackoffMultiplier float64

	// MaxCooldown caps the backed-off cooldown.
	MaxCooldown time.Duration

	// OnStateChange is called after every state transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureRatio:      0.5,
		MinSamples:        20,
		Window:            time.Minute,
		Buckets:           10,
		Cooldown:          30 * time.Second,
		BackoffMultiplier: 2,
		MaxCooldown:       5 * time.Minute,
	}
}

// Validate validates the configuration. Zero values are allowed and
// replaced by defaults when a breaker is built.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("circuit breaker config is nil")
	}
	if c.FailureRatio < 0 || c.FailureRatio >= 1 {
		return fmt.Errorf("failure ratio must be in [0, 1), got %v", c.FailureRatio)
	}
	if c.MinSamples < 0 {
		return fmt.Errorf("min samples must not be negative, got %d", c.MinSamples)
	}
	if c.Window < 0 || c.Cooldown < 0 || c.MaxCooldown < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Buckets < 0 {
		return fmt.Errorf("buckets must not be negative, got %d", c.Buckets)
	}
	if c.BackoffMultiplier != 0 && c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %v", c.BackoffMultiplier)
	}
	if c.MaxCooldown > 0 && c.Cooldown > c.MaxCooldown {
		return fmt.Errorf("cooldown %s exceeds max cooldown %s", c.Cooldown, c.MaxCooldown)
	}
	return nil
}

// normalized returns a copy with zero or invalid fields replaced by
// defaults. A FailureRatio of 0 is kept: the breaker then trips on any
// failure once MinSamples outcomes are in the window.
func (c *Config) normalized() Config {
	d := DefaultConfig()
	if c == nil {
		return *d
	}
	out := *c
	if out.FailureRatio < 0 || out.FailureRatio >= 1 {
		out.FailureRatio = d.FailureRatio
	}
	if out.MinSamples < 1 {
		out.MinSamples = d.MinSamples
	}
	if out.Window <= 0 {
		out.Window = d.Window
	}
	if out.Buckets < 1 {
		out.Buckets = d.Buckets
	}
	if out.Cooldown <= 0 {
		out.Cooldown = d.Cooldown
	}
	if out.BackoffMultiplier < 1 {
		out.BackoffMultiplier = d.BackoffMultiplier
	}
	if out.MaxCooldown < out.Cooldown {
		out.MaxCooldown = out.Cooldown
	}
	return out
}

// WithFailureRatio sets the failure ratio threshold.
func (c *Config) WithFailureRatio(ratio float64) *Config {
	c.FailureRatio = ratio
	return c
}

// WithMinSamples sets the minimum sample size.
func (c *Config) WithMinSamples(n int) *Config {
	c.MinSamples = n
	return c
}

// WithWindow sets the trailing window length and bucket count.
func (c *Config) WithWindow(d time.Duration, buckets int) *Config {
	c.Window = d
	c.Buckets = buckets
	return c
}

// WithCooldown sets the initial cooldown.
func (c *Config) WithCooldown(d time.Duration) *Config {
	c.Cooldown = d
	return c
}

// WithBackoff sets the cooldown multiplier and cap.
func (c *Config) WithBackoff(multiplier float64, maxCooldown time.Duration) *Config {
	c.BackoffMultiplier = multiplier
	c.MaxCooldown = maxCooldown
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}
