package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/observability"
)

// DefaultReadinessTimeout bounds one readiness probe.
const DefaultReadinessTimeout = 5 * time.Second

// Status is a probe or check status.
type Status string

// Status values.
const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
	StatusDraining Status = "draining"
)

// Report is the body of a readiness probe.
type Report struct {
	Status    Status                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Uptime    string                  `json:"uptime,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check within a Report.
type CheckResult struct {
	Status   Status `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Checker serves liveness and readiness probes.
type Checker struct {
	version  string
	logger   observability.Logger
	clock    clock.Clock
	timeout  time.Duration
	metrics  *Metrics
	started  time.Time
	draining atomic.Bool

	mu     sync.RWMutex
	checks []Check
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock sets the clock used for timestamps and uptime.
func WithClock(clk clock.Clock) Option {
	return func(c *Checker) {
		c.clock = clock.OrSystem(clk)
	}
}

// WithTimeout sets the readiness probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewChecker creates a checker with no registered checks.
func NewChecker(version string, logger observability.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	c := &Checker{
		version: version,
		logger:  logger,
		clock:   clock.NewSystem(),
		timeout: DefaultReadinessTimeout,
		metrics: GetMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.clock.Now()
	return c
}

// AddCheck registers a readiness check. A check with the same name is
// replaced.
func (c *Checker) AddCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.checks {
		if existing.Name() == check.Name() {
			c.checks[i] = check
			return
		}
	}
	c.checks = append(c.checks, check)
}

// RemoveCheck removes the check called name.
func (c *Checker) RemoveCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.checks {
		if existing.Name() == name {
			c.checks = append(c.checks[:i], c.checks[i+1:]...)
			return
		}
	}
}

// SetDraining marks the gateway as shutting down. A draining gateway
// fails readiness while liveness keeps passing.
func (c *Checker) SetDraining(draining bool) {
	c.draining.Store(draining)
}

// IsDraining reports whether SetDraining(true) is in effect.
func (c *Checker) IsDraining() bool {
	return c.draining.Load()
}

// Ready runs every check concurrently and aggregates the result. Any
// failed critical check yields StatusError; failed non-critical checks
// yield StatusDegraded.
func (c *Checker) Ready(ctx context.Context) *Report {
	now := c.clock.Now()
	report := &Report{
		Status:    StatusOK,
		Version:   c.version,
		Uptime:    now.Sub(c.started).Round(time.Second).String(),
		Timestamp: now.UTC(),
		Checks:    make(map[string]*CheckResult),
	}

	if c.IsDraining() {
		report.Status = StatusDraining
		return report
	}

	c.mu.RLock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]*CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = c.run(ctx, check)
		}(i, check)
	}
	wg.Wait()

	for i, check := range checks {
		res := results[i]
		report.Checks[check.Name()] = res
		if res.Status == StatusOK {
			continue
		}
		if res.Critical {
			report.Status = StatusError
		} else if report.Status == StatusOK {
			report.Status = StatusDegraded
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, check Check) *CheckResult {
	start := time.Now()
	err := check.Check(ctx)
	elapsed := time.Since(start)

	res := &CheckResult{
		Status:   StatusOK,
		Critical: check.Critical(),
		Duration: elapsed.String(),
	}
	c.metrics.setCheck(check.Name(), err == nil)

	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		c.logger.Warn("readiness check failed",
			observability.String("check", check.Name()),
			observability.Bool("critical", check.Critical()),
			observability.Duration("duration", elapsed),
			observability.Error(err),
		)
	}
	return res
}

// CheckNames returns the registered check names, sorted.
func (c *Checker) CheckNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.checks))
	for i, check := range c.checks {
		names[i] = check.Name()
	}
	sort.Strings(names)
	return names
}

// LivenessHandler answers 200 while the process is running.
func (c *Checker) LivenessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.metrics.recordProbe("liveness", StatusOK)
		ctx.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": c.clock.Now().UTC(),
		})
	}
}

// ReadinessHandler answers 200 when no critical check fails and the
// gateway is not draining, and 503 otherwise.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		report := c.Ready(ctx.Request.Context())
		c.metrics.recordProbe("readiness", report.Status)

		code := http.StatusOK
		if report.Status == StatusError || report.Status == StatusDraining {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, report)
	}
}

// RegisterRoutes mounts /healthz and /readyz.
func (c *Checker) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", c.LivenessHandler())
	r.GET("/readyz", c.ReadinessHandler())
}
