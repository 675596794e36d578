package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/auth"
	authjwt "github.com/vyrodovalexey/tradegw/internal/auth/jwt"
	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/events"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
	"github.com/vyrodovalexey/tradegw/internal/router"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

const testSecret = "pipeline-test-secret-long-enough"

// testStart is aligned to a 60s window boundary.
var testStart = time.Unix(1_700_000_040, 0)

// ============================================================================
// Helpers
// ============================================================================

type eventRecorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *eventRecorder) Publish(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) last() *events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type fixture struct {
	clock    *clock.Manual
	routes   *router.Router
	limiter  *ratelimit.FixedWindowLimiter
	breakers *circuitbreaker.Registry
	events   *eventRecorder
	pipeline *Pipeline
}

func newFixture(t *testing.T, capacity int, opts ...Option) *fixture {
	t.Helper()

	c := clock.NewManual(testStart)
	rec := &eventRecorder{}

	validator, err := authjwt.NewValidator(&authjwt.Config{
		Algorithms: []string{"HS256"},
		Secret:     testSecret,
	}, authjwt.WithClock(c))
	require.NoError(t, err)

	routes := router.New()
	require.NoError(t, routes.Register(router.RouteRule{
		Name: "orders", Method: http.MethodPost, Path: "/orders",
		Upstream: "orders-svc", RequiredScope: "orders:write",
	}))
	require.NoError(t, routes.Register(router.RouteRule{
		Name: "quotes", Path: "/quotes", Upstream: "quotes-svc",
	}))

	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{
		Requests: capacity,
		Window:   time.Minute,
	}, ratelimit.WithClock(c))
	require.NoError(t, err)

	breakers := circuitbreaker.NewRegistry(&circuitbreaker.Config{
		FailureRatio:      0.5,
		MinSamples:        4,
		Window:            time.Minute,
		Buckets:           6,
		Cooldown:          30 * time.Second,
		BackoffMultiplier: 2,
		MaxCooldown:       5 * time.Minute,
	}, zap.NewNop(),
		circuitbreaker.WithRegistryClock(c),
		circuitbreaker.WithStateChangeHook(BreakerEventHook(rec, c)),
	)

	opts = append([]Option{WithPublisher(rec), WithClock(c)}, opts...)
	p, err := New(validator, routes, limiter, breakers, opts...)
	require.NoError(t, err)

	return &fixture{
		clock:    c,
		routes:   routes,
		limiter:  limiter,
		breakers: breakers,
		events:   rec,
		pipeline: p,
	}
}

func (f *fixture) token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()

	b := jwt.NewBuilder().
		Subject(subject).
		Expiration(f.clock.Now().Add(time.Hour))
	if len(scopes) > 0 {
		scope := scopes[0]
		for _, s := range scopes[1:] {
			scope += " " + s
		}
		b = b.Claim("scope", scope)
	}
	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func (f *fixture) request(method, path, credential string) Request {
	return Request{
		Method:     method,
		Path:       path,
		Credential: credential,
		ArrivedAt:  f.clock.Now(),
		RequestID:  "req-1",
	}
}

func requireReject(t *testing.T, d Decision, stage Stage, target error) *Reject {
	t.Helper()
	r, ok := d.(*Reject)
	require.True(t, ok, "expected reject, got %T", d)
	assert.Equal(t, stage, r.Stage)
	assert.ErrorIs(t, r.Err, target)
	return r
}

func requireForward(t *testing.T, d Decision) *Forward {
	t.Helper()
	fwd, ok := d.(*Forward)
	if !ok {
		t.Fatalf("expected forward, got %v", d)
	}
	return fwd
}

// ============================================================================
// Test Cases for Handle
// ============================================================================

func TestPipeline_Forward(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	d := f.pipeline.Handle(context.Background(),
		f.request(http.MethodPost, "/orders/1", f.token(t, "alice", "orders:write")))

	fwd := requireForward(t, d)
	assert.Equal(t, "orders", fwd.Rule.Name)
	assert.Equal(t, "orders-svc", fwd.Upstream)
	assert.Equal(t, "alice", fwd.Identity.Subject)
	assert.Equal(t, "req-1", fwd.RequestID)
	assert.True(t, fwd.RateLimit.Allowed)
	assert.Equal(t, 9, fwd.RateLimit.Remaining)
	assert.False(t, fwd.Ticket.Trial())

	last := f.events.last()
	require.NotNil(t, last)
	assert.Equal(t, events.TypeRequestAllowed, last.Type)
	assert.Equal(t, "alice", last.Identity)
	assert.Equal(t, "orders-svc", last.Upstream)
	assert.Equal(t, "req-1", last.RequestID)
}

func TestPipeline_ShortCircuitLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		path   string
		token  func(f *fixture) string
		stage  Stage
		target error
		status int

		wantIdentity string
		wantUpstream string
	}{
		{
			name:   "missing credential",
			method: http.MethodGet, path: "/quotes",
			token:  func(*fixture) string { return "" },
			stage:  StageAuthenticate, target: util.ErrUnauthenticated, status: http.StatusUnauthorized,
		},
		{
			name:   "wrong signature",
			method: http.MethodGet, path: "/quotes",
			token: func(f *fixture) string {
				tok, _ := jwt.NewBuilder().Subject("alice").Expiration(f.clock.Now().Add(time.Hour)).Build()
				signed, _ := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("another-secret-that-is-long-enough")))
				return string(signed)
			},
			stage: StageAuthenticate, target: util.ErrUnauthenticated, status: http.StatusUnauthorized,
		},
		{
			name:   "no route",
			method: http.MethodGet, path: "/admin",
			stage:  StageRoute, target: util.ErrNotFound, status: http.StatusNotFound,
			wantIdentity: "alice",
		},
		{
			name:   "method not routed",
			method: http.MethodGet, path: "/orders",
			stage:  StageRoute, target: util.ErrNotFound, status: http.StatusNotFound,
			wantIdentity: "alice",
		},
		{
			name:   "missing scope",
			method: http.MethodPost, path: "/orders",
			stage:  StageAuthorize, target: util.ErrForbidden, status: http.StatusForbidden,
			wantIdentity: "alice", wantUpstream: "orders-svc",
		},
		{
			name:   "dot segments do not escape the scope check",
			method: http.MethodPost, path: "/quotes/../orders/1",
			stage:  StageAuthorize, target: util.ErrForbidden, status: http.StatusForbidden,
			wantIdentity: "alice", wantUpstream: "orders-svc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 10)
			credential := f.token(t, "alice", "quotes:read")
			if tt.token != nil {
				credential = tt.token(f)
			}

			d := f.pipeline.Handle(context.Background(), f.request(tt.method, tt.path, credential))
			r := requireReject(t, d, tt.stage, tt.target)
			assert.Equal(t, tt.status, util.HTTPStatus(r.Err))

			assert.Zero(t, f.limiter.Len(), "no window counter may be created")
			assert.Zero(t, f.breakers.Count(), "no breaker may be created")

			last := f.events.last()
			require.NotNil(t, last)
			assert.Equal(t, events.TypeRequestRejected, last.Type)
			assert.Equal(t, string(tt.stage), last.Stage)
			assert.Equal(t, tt.wantIdentity, last.Identity)
			assert.Equal(t, tt.wantUpstream, last.Upstream)

			if tt.wantIdentity != "" {
				require.NotNil(t, r.Identity)
				assert.Equal(t, tt.wantIdentity, r.Identity.Subject)
			} else {
				assert.Nil(t, r.Identity)
			}
			if tt.wantUpstream != "" {
				require.NotNil(t, r.Rule)
				assert.Equal(t, tt.wantUpstream, r.Rule.Upstream)
			} else {
				assert.Nil(t, r.Rule)
			}
		})
	}
}

func TestPipeline_RateLimitScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	token := f.token(t, "alice")

	f.clock.Set(testStart)
	requireForward(t, f.pipeline.Handle(context.Background(), f.request(http.MethodGet, "/quotes", token)))

	f.clock.Set(testStart.Add(10 * time.Second))
	d := f.pipeline.Handle(context.Background(), f.request(http.MethodGet, "/quotes", token))
	r := requireReject(t, d, StageRateLimit, util.ErrRateLimited)

	retryAfter, ok := util.RetryAfter(r.Err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Second, retryAfter)
	assert.Equal(t, http.StatusTooManyRequests, util.HTTPStatus(r.Err))
	rejected := f.events.last()
	assert.Equal(t, 50*time.Second, rejected.RetryAfter)
	assert.Equal(t, "alice", rejected.Identity)
	assert.Equal(t, "quotes", rejected.Route)
	assert.Equal(t, "quotes-svc", rejected.Upstream)
	assert.Zero(t, f.breakers.Count(), "rate-limited requests never reach the breaker")

	f.clock.Set(testStart.Add(61 * time.Second))
	requireForward(t, f.pipeline.Handle(context.Background(), f.request(http.MethodGet, "/quotes", token)))
}

func TestPipeline_RateLimitIsPerIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 1)
	requireForward(t, f.pipeline.Handle(context.Background(),
		f.request(http.MethodGet, "/quotes", f.token(t, "alice"))))
	requireForward(t, f.pipeline.Handle(context.Background(),
		f.request(http.MethodGet, "/quotes", f.token(t, "bob"))))
	requireReject(t, f.pipeline.Handle(context.Background(),
		f.request(http.MethodGet, "/quotes", f.token(t, "alice"))), StageRateLimit, util.ErrRateLimited)
}

func TestPipeline_BreakerScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	token := f.token(t, "alice")
	ctx := context.Background()

	outcomes := []circuitbreaker.Outcome{
		circuitbreaker.OutcomeSuccess,
		circuitbreaker.OutcomeFailure,
		circuitbreaker.OutcomeFailure,
		circuitbreaker.OutcomeFailure,
	}
	for _, outcome := range outcomes {
		fwd := requireForward(t, f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", token)))
		f.pipeline.Report(ctx, fwd, outcome)
	}

	d := f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", token))
	r := requireReject(t, d, StageBreaker, util.ErrCircuitOpen)
	assert.Equal(t, http.StatusServiceUnavailable, util.HTTPStatus(r.Err))
	assert.Equal(t, "quotes-svc", f.events.last().Upstream)
	assert.Equal(t, "alice", f.events.last().Identity)

	var coe *util.CircuitOpenError
	require.True(t, errors.As(r.Err, &coe))
	assert.Equal(t, "quotes-svc", coe.Upstream)

	f.clock.Advance(30 * time.Second)
	trial := requireForward(t, f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", token)))
	assert.True(t, trial.Ticket.Trial())

	requireReject(t, f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", token)),
		StageBreaker, util.ErrCircuitOpen)

	f.pipeline.Report(ctx, trial, circuitbreaker.OutcomeSuccess)
	requireForward(t, f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", token)))

	var transitions []string
	for _, e := range f.events.snapshotOf(events.TypeBreakerStateChanged) {
		transitions = append(transitions, e.FromState+"->"+e.ToState)
	}
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestPipeline_BreakerIsPerUpstream(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100)
	ctx := context.Background()
	token := f.token(t, "alice", "orders:write")

	for i := 0; i < 4; i++ {
		fwd := requireForward(t, f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", token)))
		f.pipeline.Report(ctx, fwd, circuitbreaker.OutcomeFailure)
	}
	requireReject(t, f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", token)),
		StageBreaker, util.ErrCircuitOpen)

	requireForward(t, f.pipeline.Handle(ctx, f.request(http.MethodPost, "/orders", token)))
}

func TestPipeline_CanceledBeforeRateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := f.pipeline.Handle(ctx, f.request(http.MethodGet, "/quotes", f.token(t, "alice")))
	r := requireReject(t, d, StageRateLimit, util.ErrCanceled)
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Equal(t, util.StatusClientClosedRequest, util.HTTPStatus(r.Err))

	assert.Zero(t, f.limiter.Len())
	assert.Zero(t, f.breakers.Count())
}

func TestPipeline_CancellationAfterReservationIsIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := &stubLimiter{
		result:  ratelimit.Result{Allowed: true, Limit: 1},
		onAdmit: cancel,
	}
	breakers := &stubBreakers{}
	p, err := New(&stubValidator{}, singleRoute(t), limiter, breakers)
	require.NoError(t, err)

	d := p.Handle(ctx, Request{Method: http.MethodGet, Path: "/x", Credential: "t"})
	requireForward(t, d)
	assert.Equal(t, int32(1), breakers.admits.Load())
}

func TestPipeline_ArrivalTimeDefaultsToClock(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{result: ratelimit.Result{Allowed: true}}
	c := clock.NewManual(testStart)
	p, err := New(&stubValidator{}, singleRoute(t), limiter, &stubBreakers{}, WithClock(c))
	require.NoError(t, err)

	requireForward(t, p.Handle(context.Background(), Request{Method: http.MethodGet, Path: "/x"}))
	assert.True(t, limiter.lastNow.Equal(testStart))
	assert.Equal(t, "alice", limiter.lastKey)
}

func TestPipeline_LimiterFailure(t *testing.T) {
	t.Parallel()

	backendErr := errors.New("redis down")

	t.Run("fail closed", func(t *testing.T) {
		t.Parallel()
		breakers := &stubBreakers{}
		p, err := New(&stubValidator{}, singleRoute(t), &stubLimiter{err: backendErr}, breakers)
		require.NoError(t, err)

		d := p.Handle(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
		r := requireReject(t, d, StageRateLimit, backendErr)
		assert.Equal(t, "internal", ReasonOf(r.Err))
		assert.Zero(t, breakers.admits.Load())
	})

	t.Run("fail open", func(t *testing.T) {
		t.Parallel()
		p, err := New(&stubValidator{}, singleRoute(t), &stubLimiter{err: backendErr}, &stubBreakers{},
			WithFailOpen(true))
		require.NoError(t, err)

		requireForward(t, p.Handle(context.Background(), Request{Method: http.MethodGet, Path: "/x"}))
	})
}

func TestPipeline_ConcurrentCapacity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 25)
	token := f.token(t, "alice")

	var forwarded, limited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch d := f.pipeline.Handle(context.Background(), f.request(http.MethodGet, "/quotes", token)).(type) {
			case *Forward:
				forwarded.Add(1)
				f.pipeline.Report(context.Background(), d, circuitbreaker.OutcomeSuccess)
			case *Reject:
				if errors.Is(d.Err, util.ErrRateLimited) {
					limited.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(25), forwarded.Load())
	assert.Equal(t, int32(75), limited.Load())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(nil, router.New(), ratelimit.NewNoopLimiter(), &stubBreakers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInvalidInput)
}

// ============================================================================
// Test Cases for observability
// ============================================================================

func TestPipeline_MetricsAndSpans(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics("pipelinetest")
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newFixture(t, 10, WithMetrics(metrics), WithTracer(provider.Tracer("test")))

	requireReject(t, f.pipeline.Handle(context.Background(), f.request(http.MethodGet, "/quotes", "garbage")),
		StageAuthenticate, util.ErrUnauthenticated)

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"admission.authenticate", "admission"}, names)

	requireForward(t, f.pipeline.Handle(context.Background(),
		f.request(http.MethodGet, "/quotes", f.token(t, "alice"))))
	assert.Len(t, spans.Ended(), 2+5)

	count, err := testutil.GatherAndCount(metrics.Registry(), "pipelinetest_admission_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReasonOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{util.NewUnauthenticatedError(util.ReasonExpired, nil), "expired"},
		{util.NewForbiddenError("s"), "missing_scope"},
		{util.NewRouteNotFoundError("GET", "/"), "route_not_found"},
		{util.NewRateLimitedError("k", 1, time.Second), "rate_limited"},
		{util.NewCircuitOpenError("u", "open"), "circuit_open"},
		{util.ErrCanceled, "canceled"},
		{ratelimit.ErrStoreUnavailable, "limiter_unavailable"},
		{errors.New("x"), "internal"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonOf(tt.err))
	}
}

func TestReject_Error(t *testing.T) {
	t.Parallel()

	r := &Reject{Err: util.NewForbiddenError("orders:write"), Stage: StageAuthorize}
	assert.Contains(t, r.Error(), "authorize: ")
	assert.ErrorIs(t, r, util.ErrForbidden)
}

// ============================================================================
// Stubs
// ============================================================================

type stubValidator struct{}

func (*stubValidator) Validate(context.Context, string) (*auth.CallerIdentity, error) {
	return auth.NewCallerIdentity("alice", "", testStart.Add(time.Hour), nil), nil
}

type stubLimiter struct {
	result  ratelimit.Result
	err     error
	onAdmit func()

	mu      sync.Mutex
	lastKey string
	lastNow time.Time
}

func (l *stubLimiter) Admit(_ context.Context, key string, now time.Time) (ratelimit.Result, error) {
	l.mu.Lock()
	l.lastKey, l.lastNow = key, now
	l.mu.Unlock()
	if l.onAdmit != nil {
		l.onAdmit()
	}
	return l.result, l.err
}

func (l *stubLimiter) Reset(context.Context, string) error { return nil }

type stubBreakers struct {
	admits atomic.Int32
}

func (b *stubBreakers) Admit(string) (circuitbreaker.Ticket, error) {
	b.admits.Add(1)
	return circuitbreaker.Ticket{}, nil
}

func (b *stubBreakers) Complete(string, circuitbreaker.Ticket, circuitbreaker.Outcome) {}

func singleRoute(t *testing.T) *router.Router {
	t.Helper()
	r := router.New()
	require.NoError(t, r.Register(router.RouteRule{Path: "/", Upstream: "u"}))
	return r
}

func (r *eventRecorder) snapshotOf(eventType events.Type) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
