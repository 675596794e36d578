package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okCheck(name string) Check {
	return NewCheck(name, func(context.Context) error { return nil })
}

func failCheck(name string, opts ...CheckOption) Check {
	return NewCheck(name, func(context.Context) error { return errors.New("boom") }, opts...)
}

func serve(t *testing.T, c *Checker, path string) (int, map[string]any) {
	t.Helper()

	engine := gin.New()
	c.RegisterRoutes(engine)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	engine.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

// ============================================================================
// Readiness aggregation
// ============================================================================

func TestChecker_Ready(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		checks []Check
		want   Status
	}{
		{name: "no checks", want: StatusOK},
		{name: "all passing", checks: []Check{okCheck("a"), okCheck("b")}, want: StatusOK},
		{name: "critical failure", checks: []Check{okCheck("a"), failCheck("b")}, want: StatusError},
		{name: "non-critical failure", checks: []Check{okCheck("a"), failCheck("b", NonCritical())}, want: StatusDegraded},
		{
			name:   "critical beats degraded",
			checks: []Check{failCheck("a", NonCritical()), failCheck("b")},
			want:   StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("1.0.0", observability.NopLogger())
			for _, check := range tt.checks {
				c.AddCheck(check)
			}

			report := c.Ready(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.checks))
		})
	}
}

func TestChecker_AddReplacesAndRemove(t *testing.T) {
	t.Parallel()

	c := NewChecker("1.0.0", nil)
	c.AddCheck(failCheck("redis"))
	c.AddCheck(okCheck("redis"))
	c.AddCheck(okCheck("orders-svc"))

	assert.Equal(t, []string{"orders-svc", "redis"}, c.CheckNames())
	assert.Equal(t, StatusOK, c.Ready(context.Background()).Status)

	c.RemoveCheck("redis")
	c.RemoveCheck("missing")
	assert.Equal(t, []string{"orders-svc"}, c.CheckNames())
}

func TestChecker_ReadyRespectsTimeout(t *testing.T) {
	t.Parallel()

	c := NewChecker("1.0.0", nil, WithTimeout(20*time.Millisecond))
	c.AddCheck(NewCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	report := c.Ready(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusError, report.Status)
	assert.Contains(t, report.Checks["slow"].Error, "deadline")
}

func TestChecker_Uptime(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewChecker("2.0.0", nil, WithClock(clk))
	clk.Advance(90 * time.Second)

	report := c.Ready(context.Background())
	assert.Equal(t, "1m30s", report.Uptime)
	assert.Equal(t, "2.0.0", report.Version)
}

// ============================================================================
// Draining
// ============================================================================

func TestChecker_Draining(t *testing.T) {
	t.Parallel()

	c := NewChecker("1.0.0", nil)
	assert.False(t, c.IsDraining())

	c.SetDraining(true)
	assert.True(t, c.IsDraining())

	code, body := serve(t, c, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, string(StatusDraining), body["status"])

	code, _ = serve(t, c, "/healthz")
	assert.Equal(t, http.StatusOK, code)

	c.SetDraining(false)
	code, _ = serve(t, c, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

// ============================================================================
// HTTP handlers
// ============================================================================

func TestHandlers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		checks   []Check
		wantCode int
		wantBody string
	}{
		{name: "liveness", path: "/healthz", checks: []Check{failCheck("redis")}, wantCode: http.StatusOK, wantBody: "ok"},
		{name: "ready", path: "/readyz", checks: []Check{okCheck("redis")}, wantCode: http.StatusOK, wantBody: "ok"},
		{name: "degraded is ready", path: "/readyz", checks: []Check{failCheck("up", NonCritical())}, wantCode: http.StatusOK, wantBody: "degraded"},
		{name: "not ready", path: "/readyz", checks: []Check{failCheck("redis")}, wantCode: http.StatusServiceUnavailable, wantBody: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("1.0.0", nil)
			for _, check := range tt.checks {
				c.AddCheck(check)
			}

			code, body := serve(t, c, tt.path)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}

// ============================================================================
// Checks
// ============================================================================

func TestRedisCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := RedisCheck("redis", pingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	assert.True(t, check.Critical())
	require.NoError(t, check.Check(context.Background()))

	mr.Close()
	assert.Error(t, check.Check(context.Background()))

	assert.Error(t, RedisCheck("nil", nil).Check(context.Background()))
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestUpstreamCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	check := UpstreamCheck("orders-svc", srv.URL, time.Second)
	assert.False(t, check.Critical())
	assert.NoError(t, check.Check(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	assert.Error(t, UpstreamCheck("down", "http://"+closedAddr, time.Second).Check(context.Background()))
	assert.Error(t, UpstreamCheck("bad", "://nope", time.Second).Check(context.Background()))
	assert.Error(t, UpstreamCheck("nohost", "/relative", time.Second).Check(context.Background()))
}

func TestDialAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want string
	}{
		{url: "http://orders:9000/api", want: "orders:9000"},
		{url: "http://orders/api", want: "orders:80"},
		{url: "https://orders", want: "orders:443"},
	}
	for _, tt := range tests {
		got, err := dialAddress(tt.url)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.url)
	}
}

func TestCachedCheck(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	var calls atomic.Int32
	inner := NewCheck("counted", func(context.Context) error {
		calls.Add(1)
		return nil
	}, NonCritical())

	cached := NewCachedCheck(inner, 10*time.Second, clk)
	assert.Equal(t, "counted", cached.Name())
	assert.False(t, cached.Critical())

	for range 3 {
		require.NoError(t, cached.Check(context.Background()))
	}
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(10 * time.Second)
	require.NoError(t, cached.Check(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}
