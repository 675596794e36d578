package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tradegw/internal/auth"
	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/events"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
	"github.com/vyrodovalexey/tradegw/internal/router"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

const tracerName = "github.com/vyrodovalexey/tradegw/internal/pipeline"

// TokenValidator verifies a raw credential.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*auth.CallerIdentity, error)
}

// RouteResolver maps a method and path to a rule.
type RouteResolver interface {
	Resolve(method, path string) (*router.RouteRule, error)
}

// Breakers admits calls per upstream and takes their outcomes.
type Breakers interface {
	Admit(upstream string) (circuitbreaker.Ticket, error)
	Complete(upstream string, ticket circuitbreaker.Ticket, outcome circuitbreaker.Outcome)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the gateway metrics decisions are recorded in.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithTracer sets the tracer stage spans are started with.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// WithPublisher sets the publisher decisions are announced on. It should
// not block; wrap slow sinks in an events.Dispatcher.
func WithPublisher(publisher events.Publisher) Option {
	return func(p *Pipeline) {
		p.publisher = publisher
	}
}

// WithClock sets the clock used when a request carries no arrival time.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithFailOpen admits requests when the rate limiter backend fails
// instead of rejecting them.
func WithFailOpen(failOpen bool) Option {
	return func(p *Pipeline) {
		p.failOpen = failOpen
	}
}

// Pipeline runs the admission stages in fixed order: authenticate,
// resolve route, authorize scope, rate limit, circuit breaker. The first
// failing stage ends admission and later stages never run.
type Pipeline struct {
	validator TokenValidator
	routes    RouteResolver
	limiter   ratelimit.Limiter
	breakers  Breakers

	logger    observability.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	publisher events.Publisher
	clock     clock.Clock
	failOpen  bool
}

// New creates a pipeline over the given collaborators.
func New(
	validator TokenValidator,
	routes RouteResolver,
	limiter ratelimit.Limiter,
	breakers Breakers,
	opts ...Option,
) (*Pipeline, error) {
	if validator == nil || routes == nil || limiter == nil || breakers == nil {
		return nil, fmt.Errorf("%w: validator, routes, limiter and breakers are required", util.ErrInvalidInput)
	}

	p := &Pipeline{
		validator: validator,
		routes:    routes,
		limiter:   limiter,
		breakers:  breakers,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = observability.NopLogger()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	if p.publisher == nil {
		p.publisher = events.NewNoopPublisher()
	}
	p.clock = clock.OrSystem(p.clock)

	return p, nil
}

// Handle decides whether req is forwarded or rejected.
func (p *Pipeline) Handle(ctx context.Context, req Request) Decision {
	start := time.Now()
	if req.ArrivedAt.IsZero() {
		req.ArrivedAt = p.clock.Now()
	}

	ctx, span := p.tracer.Start(ctx, "admission",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		),
	)
	defer span.End()

	decision := p.admit(ctx, req)

	switch d := decision.(type) {
	case *Forward:
		span.SetAttributes(attribute.String("tradegw.upstream", d.Upstream))
		p.metrics.RecordDecision(observability.DecisionForward, string(StageBreaker), "", time.Since(start))
		p.logger.Debug("request admitted",
			observability.String("request_id", req.RequestID),
			observability.String("route", d.Rule.Name),
			observability.String("upstream", d.Upstream),
		)
		p.publish(ctx, events.RequestAllowed(req.ArrivedAt, d.Identity.Subject, d.Rule.Name, d.Upstream).
			WithRequestID(req.RequestID))

	case *Reject:
		reason := ReasonOf(d.Err)
		span.SetStatus(codes.Error, reason)
		span.SetAttributes(attribute.String("tradegw.reject.stage", string(d.Stage)))
		p.metrics.RecordDecision(observability.DecisionReject, string(d.Stage), reason, time.Since(start))
		p.logger.Debug("request rejected",
			observability.String("request_id", req.RequestID),
			observability.String("stage", string(d.Stage)),
			observability.String("reason", reason),
		)
		event := events.RequestRejected(req.ArrivedAt, string(d.Stage), reason).WithRequestID(req.RequestID)
		if d.Identity != nil {
			event.WithIdentity(d.Identity.Subject)
		}
		if d.Rule != nil {
			event.WithRoute(d.Rule.Name, d.Rule.Upstream)
		}
		if retryAfter, ok := util.RetryAfter(d.Err); ok {
			event.WithRetryAfter(retryAfter)
		}
		p.publish(ctx, event)
	}

	return decision
}

func (p *Pipeline) admit(ctx context.Context, req Request) Decision {
	var (
		identity *auth.CallerIdentity
		rule     *router.RouteRule
		err      error
	)
	reject := func(err error, stage Stage) *Reject {
		return &Reject{Err: err, Stage: stage, Identity: identity, Rule: rule}
	}

	if identity, err = p.authenticate(ctx, req.Credential); err != nil {
		identity = nil
		return reject(err, StageAuthenticate)
	}

	if rule, err = p.resolve(ctx, req.Method, req.Path); err != nil {
		rule = nil
		return reject(err, StageRoute)
	}

	if rule.RequiredScope != "" && !identity.HasScope(rule.RequiredScope) {
		return reject(util.NewForbiddenError(rule.RequiredScope), StageAuthorize)
	}

	// Nothing has been mutated yet; a gone client costs no quota.
	if err := ctx.Err(); err != nil {
		return reject(fmt.Errorf("%w: %w", util.ErrCanceled, err), StageRateLimit)
	}

	result, err := p.rateLimit(ctx, identity.Subject, req.ArrivedAt)
	if err != nil {
		if !p.failOpen {
			return reject(err, StageRateLimit)
		}
		p.logger.Warn("rate limiter unavailable, admitting request",
			observability.String("request_id", req.RequestID),
			observability.Error(err),
		)
	} else if !result.Allowed {
		return reject(util.NewRateLimitedError(identity.Subject, result.Limit, result.RetryAfter), StageRateLimit)
	}

	// From here on the quota is spent; cancellation no longer changes the
	// outcome.
	ticket, err := p.admitBreaker(ctx, rule.Upstream)
	if err != nil {
		return reject(err, StageBreaker)
	}

	return &Forward{
		Rule:      *rule,
		Upstream:  rule.Upstream,
		Identity:  identity,
		Ticket:    ticket,
		RateLimit: result,
		RequestID: req.RequestID,
	}
}

func (p *Pipeline) authenticate(ctx context.Context, credential string) (*auth.CallerIdentity, error) {
	ctx, span := p.tracer.Start(ctx, "admission.authenticate")
	defer span.End()

	identity, err := p.validator.Validate(ctx, credential)
	if err != nil {
		span.SetStatus(codes.Error, ReasonOf(err))
		return nil, err
	}
	if identity == nil {
		return nil, util.NewUnauthenticatedError(util.ReasonMalformed, errors.New("validator returned no identity"))
	}
	span.SetAttributes(attribute.String("enduser.id", identity.Subject))
	return identity, nil
}

func (p *Pipeline) resolve(ctx context.Context, method, path string) (*router.RouteRule, error) {
	_, span := p.tracer.Start(ctx, "admission.route")
	defer span.End()

	rule, err := p.routes.Resolve(method, path)
	if err != nil {
		span.SetStatus(codes.Error, ReasonOf(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("tradegw.route", rule.Name))
	return rule, nil
}

func (p *Pipeline) rateLimit(ctx context.Context, key string, now time.Time) (ratelimit.Result, error) {
	ctx, span := p.tracer.Start(ctx, "admission.ratelimit")
	defer span.End()

	result, err := p.limiter.Admit(ctx, key, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "limiter_error")
		return result, err
	}
	span.SetAttributes(
		attribute.Bool("tradegw.ratelimit.allowed", result.Allowed),
		attribute.Int("tradegw.ratelimit.remaining", result.Remaining),
	)
	return result, nil
}

func (p *Pipeline) admitBreaker(ctx context.Context, upstream string) (circuitbreaker.Ticket, error) {
	_, span := p.tracer.Start(ctx, "admission.breaker",
		trace.WithAttributes(attribute.String("tradegw.upstream", upstream)),
	)
	defer span.End()

	ticket, err := p.breakers.Admit(upstream)
	if err != nil {
		span.SetStatus(codes.Error, ReasonOf(err))
		return ticket, err
	}
	span.SetAttributes(attribute.Bool("tradegw.breaker.trial", ticket.Trial()))
	return ticket, nil
}

// Report feeds the outcome of a forwarded call back to its upstream's
// breaker.
func (p *Pipeline) Report(ctx context.Context, forward *Forward, outcome circuitbreaker.Outcome) {
	if forward == nil {
		return
	}
	p.breakers.Complete(forward.Upstream, forward.Ticket, outcome)
	p.logger.WithContext(ctx).Debug("upstream outcome reported",
		observability.String("upstream", forward.Upstream),
		observability.String("outcome", outcome.String()),
		observability.Bool("trial", forward.Ticket.Trial()),
	)
}

func (p *Pipeline) publish(ctx context.Context, event *events.Event) {
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Debug("event not published",
			observability.String("event_type", string(event.Type)),
			observability.Error(err),
		)
	}
}

// ReasonOf returns a short machine-readable reason for an admission
// error, used in metrics labels, events and response bodies.
func ReasonOf(err error) string {
	var unauth *util.UnauthenticatedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unauth):
		return string(unauth.Reason)
	case errors.Is(err, util.ErrForbidden):
		return "missing_scope"
	case errors.Is(err, util.ErrNotFound):
		return "route_not_found"
	case errors.Is(err, util.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, util.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, util.ErrCanceled):
		return "canceled"
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return "limiter_unavailable"
	default:
		return "internal"
	}
}

// BreakerEventHook returns a circuit breaker state-change hook that
// publishes breaker_state_changed events.
func BreakerEventHook(publisher events.Publisher, c clock.Clock) func(name string, from, to circuitbreaker.State) {
	c = clock.OrSystem(c)
	return func(name string, from, to circuitbreaker.State) {
		event := events.BreakerStateChanged(c.Now(), name, from.String(), to.String())
		_ = publisher.Publish(context.Background(), event)
	}
}
