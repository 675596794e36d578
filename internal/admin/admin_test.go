package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/health"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
	"github.com/vyrodovalexey/tradegw/internal/router"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Helpers
// ============================================================================

type upstreamSet map[string]string

func (u upstreamSet) URL(name string) (string, bool) {
	url, ok := u[name]
	return url, ok
}

type failingResetter struct{}

func (failingResetter) Reset(context.Context, string) error {
	return errors.New("redis: connection refused")
}

type fixture struct {
	clock    *clock.Manual
	routes   *router.Router
	breakers *circuitbreaker.Registry
	limiter  *ratelimit.FixedWindowLimiter
	checker  *health.Checker
	server   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := clock.NewManual(time.Unix(1_700_000_040, 0))

	routes := router.New()
	require.NoError(t, routes.Register(router.RouteRule{
		Name: "quotes", Path: "/quotes", Upstream: "quotes-svc",
	}))

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.DefaultConfig().WithMinSamples(2).WithFailureRatio(0.5),
		zap.NewNop(),
		circuitbreaker.WithRegistryClock(c),
	)

	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{
		Requests: 1,
		Window:   time.Minute,
	}, ratelimit.WithClock(c))
	require.NoError(t, err)

	checker := health.NewChecker("test", observability.NopLogger(), health.WithClock(c))

	server, err := New(routes, breakers,
		WithLimiter(limiter),
		WithUpstreams(upstreamSet{"quotes-svc": "http://quotes", "orders-svc": "http://orders"}),
		WithHealth(checker),
	)
	require.NoError(t, err)

	return &fixture{
		clock:    c,
		routes:   routes,
		breakers: breakers,
		limiter:  limiter,
		checker:  checker,
		server:   server,
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, circuitbreaker.NewRegistry(nil, zap.NewNop()))
	assert.Error(t, err)

	_, err = New(router.New(), nil)
	assert.Error(t, err)
}

func TestNew_WithoutLimiterHasNoResetRoute(t *testing.T) {
	t.Parallel()

	s, err := New(router.New(), circuitbreaker.NewRegistry(nil, zap.NewNop()))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/admin/ratelimit/alice", http.NoBody))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ============================================================================
// Routes
// ============================================================================

func TestListRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	w := f.do(http.MethodGet, "/admin/routes", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Routes []router.RouteRule `json:"routes"`
		Count  int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Routes, 1)
	assert.Equal(t, "quotes", body.Routes[0].Name)
	assert.Equal(t, router.MatchPrefix, body.Routes[0].Match)
}

func TestRegisterRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "created",
			body:       `{"name":"orders","method":"post","path":"/orders","match":"exact","upstream":"orders-svc","required_scope":"orders:write"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "duplicate pattern conflicts",
			body:       `{"name":"quotes-2","path":"/quotes","upstream":"quotes-svc"}`,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "explicit prefix equals default",
			body:       `{"name":"quotes-3","path":"/quotes","match":"prefix","upstream":"quotes-svc"}`,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown upstream",
			body:       `{"name":"x","path":"/x","upstream":"nowhere"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing path",
			body:       `{"name":"x","upstream":"quotes-svc"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad match kind",
			body:       `{"name":"x","path":"/x","match":"regex","upstream":"quotes-svc"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "relative path",
			body:       `{"name":"x","path":"x","upstream":"quotes-svc"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"name":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			w := f.do(http.MethodPost, "/admin/routes", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			if tt.wantStatus == http.StatusCreated {
				assert.Equal(t, 2, f.routes.Len())
				rule, err := f.routes.Resolve(http.MethodPost, "/orders")
				require.NoError(t, err)
				assert.Equal(t, "orders-svc", rule.Upstream)
				assert.Equal(t, "orders:write", rule.RequiredScope)
			} else {
				assert.Equal(t, 1, f.routes.Len())
				assert.Contains(t, w.Body.String(), `"error"`)
			}
		})
	}
}

func TestUnregisterRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	w := f.do(http.MethodDelete, "/admin/routes", `{"path":"/quotes","match":"exact"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1, f.routes.Len())

	w = f.do(http.MethodDelete, "/admin/routes", `{"path":"/quotes"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, f.routes.Len())

	w = f.do(http.MethodDelete, "/admin/routes", `{"path":"/quotes"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodDelete, "/admin/routes", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ============================================================================
// Breakers
// ============================================================================

func TestBreakers_ListAndReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.breakers.GetOrCreate("quotes-svc")
	f.breakers.Report("orders-svc", circuitbreaker.OutcomeFailure)
	f.breakers.Report("orders-svc", circuitbreaker.OutcomeFailure)
	require.Equal(t, circuitbreaker.StateOpen, f.breakers.Get("orders-svc").State())

	w := f.do(http.MethodGet, "/admin/breakers", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Breakers []BreakerView `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Breakers, 2)
	assert.Equal(t, "orders-svc", body.Breakers[0].Name)
	assert.Equal(t, "open", body.Breakers[0].State)
	assert.Equal(t, 1, body.Breakers[0].Trips)
	assert.NotEmpty(t, body.Breakers[0].Cooldown)
	assert.Equal(t, "quotes-svc", body.Breakers[1].Name)
	assert.Equal(t, "closed", body.Breakers[1].State)

	w = f.do(http.MethodPost, "/admin/breakers/orders-svc/reset", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, f.breakers.Get("orders-svc").State())

	w = f.do(http.MethodPost, "/admin/breakers/unknown/reset", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ============================================================================
// Rate limits
// ============================================================================

func TestResetLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	res, err := f.limiter.Admit(ctx, "alice", f.clock.Now())
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = f.limiter.Admit(ctx, "alice", f.clock.Now())
	require.NoError(t, err)
	require.False(t, res.Allowed)

	w := f.do(http.MethodDelete, "/admin/ratelimit/alice", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	res, err = f.limiter.Admit(ctx, "alice", f.clock.Now())
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestResetLimit_BackendError(t *testing.T) {
	t.Parallel()

	s, err := New(router.New(), circuitbreaker.NewRegistry(nil, zap.NewNop()),
		WithLimiter(failingResetter{}))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/admin/ratelimit/alice", http.NoBody))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// ============================================================================
// Health
// ============================================================================

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "").Code)

	f.checker.SetDraining(true)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/readyz", "").Code)
}
