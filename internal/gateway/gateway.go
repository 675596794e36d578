package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/middleware"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/pipeline"
	"github.com/vyrodovalexey/tradegw/internal/proxy"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DefaultShutdownTimeout bounds Stop when ctx has no deadline.
const DefaultShutdownTimeout = 30 * time.Second

// Admission decides requests and takes their outcomes back.
// *pipeline.Pipeline implements it.
type Admission interface {
	Handle(ctx context.Context, req pipeline.Request) pipeline.Decision
	Report(ctx context.Context, forward *pipeline.Forward, outcome circuitbreaker.Outcome)
}

// Forwarder proxies admitted requests. *proxy.Upstreams implements it.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, upstream string) proxy.Outcome
}

// Gateway is the front HTTP server: every request goes through
// admission and, when forwarded, to its upstream.
type Gateway struct {
	listenerCfg     ListenerConfig
	admission       Admission
	forwarder       Forwarder
	logger          observability.Logger
	metrics         *observability.Metrics
	clock           clock.Clock
	tracer          trace.Tracer
	shutdownTimeout time.Duration

	engine    *gin.Engine
	listener  *Listener
	state     atomic.Int32
	startTime time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics used to record upstream outcomes.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithClock sets the clock that stamps request arrival times.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) {
		g.clock = c
	}
}

// WithTracer sets the tracer the per-request server span is started
// with. Without it requests are not traced, but incoming trace context is
// still passed to the upstream.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// New creates a gateway serving on cfg.Address.
func New(cfg ListenerConfig, admission Admission, forwarder Forwarder, opts ...Option) (*Gateway, error) {
	if admission == nil || forwarder == nil {
		return nil, fmt.Errorf("%w: admission and forwarder are required", ErrMissingDependency)
	}

	g := &Gateway{
		listenerCfg:     cfg,
		admission:       admission,
		forwarder:       forwarder,
		logger:          observability.NopLogger(),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.clock = clock.OrSystem(g.clock)
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("")
	}
	if g.listenerCfg.Name == "" {
		g.listenerCfg.Name = "gateway"
	}

	g.engine = gin.New()
	g.engine.Use(
		middleware.Recovery(g.logger),
		middleware.RequestID(),
		middleware.AccessLog(g.logger),
	)
	g.engine.NoRoute(g.handle)

	g.state.Store(int32(StateStopped))
	return g, nil
}

// Handler returns the gateway's http.Handler.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// Start binds the listener and starts serving.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	g.listener = NewListener(g.listenerCfg, g.engine, g.logger)
	if err := g.listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	g.startTime = g.clock.Now()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("address", g.listener.Addr().String()),
	)
	return nil
}

// Stop drains in-flight requests and stops the listener.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	err := g.listener.Stop(ctx)
	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped")
	return err
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Addr returns the bound listener address, or nil when not running.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	if g.startTime.IsZero() {
		return 0
	}
	return g.clock.Now().Sub(g.startTime)
}
