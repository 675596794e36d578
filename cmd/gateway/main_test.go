package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tradegw/internal/config"
	"github.com/vyrodovalexey/tradegw/internal/events"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/proxy"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
)

const testSecret = "main-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Helpers
// ============================================================================

func testConfigYAML(backendURL, extra string) string {
	return fmt.Sprintf(`
gateway:
  name: tradegw-test
  listen: "127.0.0.1:0"
  shutdownTimeout: 5s
admin:
  enabled: true
  listen: "127.0.0.1:0"
metrics:
  enabled: true
  listen: "127.0.0.1:0"
auth:
  algorithms: [HS256]
  secret: %s
rateLimit:
  requests: 2
  window: 1m
upstreams:
  - name: orders-svc
    url: %s
routes:
  - name: orders
    method: POST
    path: /orders
    upstream: orders-svc
    requiredScope: orders:write
%s`, testSecret, backendURL, extra)
}

func newBackend(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	subjects := make(chan string, 16)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subjects <- r.Header.Get(proxy.HeaderCallerSubject)
		_, _ = io.WriteString(w, "accepted")
	}))
	t.Cleanup(backend.Close)
	return backend, subjects
}

func newTestApp(t *testing.T, yaml string) *application {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	app, err := initApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.dispatcher.Close(ctx)
	})
	return app
}

func signToken(t *testing.T, subject, scope string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Expiration(time.Now().Add(time.Hour)).
		Claim("scope", scope).
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func postOrder(app *application, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"qty":1}`))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	app.gateway.Handler().ServeHTTP(w, req)
	return w
}

// ============================================================================
// Flags
// ============================================================================

func TestParseFlags(t *testing.T) {
	t.Setenv("GATEWAY_CONFIG_PATH", "/etc/tradegw/gateway.yaml")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	f := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	assert.Equal(t, "/etc/tradegw/gateway.yaml", f.configPath)
	assert.Equal(t, "debug", f.logLevel)
	assert.Empty(t, f.logFormat)
	assert.False(t, f.showVersion)

	f = parseFlags(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-config", "local.yaml", "-log-format", "console", "-version"})
	assert.Equal(t, "local.yaml", f.configPath)
	assert.Equal(t, "console", f.logFormat)
	assert.True(t, f.showVersion)
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("TRADEGW_TEST_SET", "value")
	t.Setenv("TRADEGW_TEST_EMPTY", "")

	assert.Equal(t, "value", getEnvOrDefault("TRADEGW_TEST_SET", "default"))
	assert.Equal(t, "default", getEnvOrDefault("TRADEGW_TEST_EMPTY", "default"))
	assert.Equal(t, "default", getEnvOrDefault("TRADEGW_TEST_UNSET", "default"))
}

// ============================================================================
// Wiring
// ============================================================================

func TestInitApplication_EndToEnd(t *testing.T) {
	t.Parallel()

	backend, subjects := newBackend(t)
	app := newTestApp(t, testConfigYAML(backend.URL, ""))

	var (
		mu   sync.Mutex
		seen []events.Type
	)
	require.NoError(t, app.bus.Subscribe(t.Context(), func(_ context.Context, e *events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}))

	token := signToken(t, "alice", "orders:write")

	w := postOrder(app, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "accepted", w.Body.String())
	assert.Equal(t, "alice", <-subjects)

	assert.Equal(t, http.StatusUnauthorized, postOrder(app, "").Code)
	assert.Equal(t, http.StatusForbidden, postOrder(app, signToken(t, "bob", "quotes:read")).Code)

	assert.Equal(t, http.StatusOK, postOrder(app, token).Code)
	w = postOrder(app, token)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, events.TypeRequestAllowed, seen[0])
	assert.Equal(t, events.TypeRequestRejected, seen[4])
	mu.Unlock()
}

func TestInitApplication_InvalidDependencies(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(testConfigYAML("http://127.0.0.1:1", "")))
	require.NoError(t, err)
	cfg.Auth.Secret = ""

	_, err = initApplication(cfg, observability.NopLogger())
	assert.Error(t, err)
}

func TestInitApplication_Redis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	backend, _ := newBackend(t)

	yaml := testConfigYAML(backend.URL, "") + fmt.Sprintf(`
redis:
  address: %s
events:
  sinks: [log, redis]
`, mr.Addr())
	yaml = strings.Replace(yaml, "  window: 1m\n", "  window: 1m\n  distributed: true\n", 1)

	app := newTestApp(t, yaml)
	t.Cleanup(func() { _ = app.store.Close() })

	require.NotNil(t, app.store)
	assert.IsType(t, &ratelimit.RedisLimiter{}, app.limiter)
	assert.Contains(t, app.healthChecker.CheckNames(), "redis")

	sub := app.store.Client().Subscribe(t.Context(), events.DefaultRedisChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(t.Context())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, postOrder(app, signToken(t, "alice", "orders:write")).Code)
	assert.NotEmpty(t, mr.Keys(), "window counter stored in redis")

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"request_allowed"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no event published to redis")
	}
}

func TestUpstreamTargets(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(testConfigYAML("http://orders.internal:8080", "")))
	require.NoError(t, err)

	targets := upstreamTargets(cfg)
	require.Len(t, targets, 1)
	assert.Equal(t, "orders-svc", targets[0].Name)
	assert.Equal(t, "http://orders.internal:8080", targets[0].URL)
	assert.Equal(t, config.DefaultUpstreamTimeout, targets[0].Timeout)
}

// ============================================================================
// Reload
// ============================================================================

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	backend, _ := newBackend(t)
	app := newTestApp(t, testConfigYAML(backend.URL, ""))
	assert.Equal(t, []string{"upstream:orders-svc"}, app.healthChecker.CheckNames())

	updatedYAML := strings.Replace(testConfigYAML(backend.URL, `  - name: quotes
    path: /quotes
    upstream: quotes-svc
`), "upstreams:\n", "upstreams:\n  - name: quotes-svc\n    url: http://127.0.0.1:1\n", 1)
	updatedYAML = strings.Replace(updatedYAML, "requests: 2", "requests: 5", 1)
	updated, err := config.Parse([]byte(updatedYAML))
	require.NoError(t, err)

	require.NoError(t, app.applyConfig(updated))

	assert.Equal(t, 2, app.routes.Len())
	_, ok := app.upstreams.URL("quotes-svc")
	assert.True(t, ok)
	assert.Equal(t, []string{"upstream:orders-svc", "upstream:quotes-svc"}, app.healthChecker.CheckNames())
	assert.Same(t, updated, app.config)

	// Dropping the upstream again removes its check.
	original, err := config.Parse([]byte(testConfigYAML(backend.URL, "")))
	require.NoError(t, err)
	require.NoError(t, app.applyConfig(original))
	assert.Equal(t, 1, app.routes.Len())
	assert.Equal(t, []string{"upstream:orders-svc"}, app.healthChecker.CheckNames())
}

func TestRestartRequired(t *testing.T) {
	t.Parallel()

	old, err := config.Parse([]byte(testConfigYAML("http://127.0.0.1:1", "")))
	require.NoError(t, err)
	updated, err := config.Parse([]byte(testConfigYAML("http://127.0.0.1:2", "")))
	require.NoError(t, err)

	assert.Empty(t, restartRequired(old, updated))

	updated.RateLimit.Requests = 100
	updated.Auth.Issuer = "https://issuer.example"
	assert.Equal(t, []string{"auth", "rateLimit"}, restartRequired(old, updated))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestStartAndShutdown(t *testing.T) {
	t.Parallel()

	backend, _ := newBackend(t)
	app := newTestApp(t, testConfigYAML(backend.URL, ""))

	require.NoError(t, app.start(t.Context()))
	require.True(t, app.gateway.IsRunning())

	resp, err := http.Get("http://" + app.adminListener.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + app.metricsServer.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tradegw_build_info")

	app.shutdown(nil)

	assert.True(t, app.healthChecker.IsDraining())
	assert.False(t, app.gateway.IsRunning())
	assert.False(t, app.adminListener.IsRunning())
}
