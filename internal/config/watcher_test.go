package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/tradegw/internal/observability"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewWatcher_Defaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, validConfigYAML)

	w, err := NewWatcher(path, func(*Config) {})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, path, w.path)
	assert.Equal(t, DefaultDebounceDelay, w.debounceDelay)
	assert.Nil(t, w.GetLastConfig())
}

func TestNewWatcher_WithOptions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	logger := observability.NopLogger()

	w, err := NewWatcher(path, nil,
		WithDebounceDelay(250*time.Millisecond),
		WithLogger(logger),
		WithErrorCallback(func(error) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Equal(t, 250*time.Millisecond, w.debounceDelay)
	assert.Equal(t, logger, w.logger)
	assert.NotNil(t, w.errorCallback)
}

func TestWatcher_StartRequiresValidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, "upstreams: []\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	assert.Error(t, w.Start(context.Background()))
	assert.Nil(t, w.GetLastConfig())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, validConfigYAML)

	var mu sync.Mutex
	var reloaded []*Config
	w, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		reloaded = append(reloaded, cfg)
		mu.Unlock()
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	require.NotNil(t, w.GetLastConfig())
	assert.Len(t, w.GetLastConfig().Routes, 2)

	updated := validConfigYAML + `  - name: health
    method: GET
    path: /health
    upstream: quotes-svc
`
	writeConfig(t, path, updated)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0 && len(reloaded[len(reloaded)-1].Routes) == 3
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, w.GetLastConfig().Routes, 3)
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, validConfigYAML)

	core, logs := observer.New(zap.ErrorLevel)
	var calls atomic.Int32
	var errCalls atomic.Int32

	w, err := NewWatcher(path, func(*Config) { calls.Add(1) },
		WithDebounceDelay(10*time.Millisecond),
		WithLogger(observability.NewLoggerFromZap(zap.New(core))),
		WithErrorCallback(func(error) { errCalls.Add(1) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	previous := w.GetLastConfig()

	// Two routes that collide on the same pattern.
	broken := strings.Replace(validConfigYAML, "path: /quotes", "path: /orders", 1)
	broken = strings.Replace(broken, "match: prefix", "method: POST", 1)
	writeConfig(t, path, broken)

	assert.Eventually(t, func() bool {
		return errCalls.Load() > 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
	assert.Same(t, previous, w.GetLastConfig())
	assert.NotZero(t, logs.FilterMessage("configuration reload rejected").Len())
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, validConfigYAML)

	var calls atomic.Int32
	w, err := NewWatcher(path, func(*Config) { calls.Add(1) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, w.ForceReload())
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, w.GetLastConfig())

	writeConfig(t, path, "not: [valid")
	assert.Error(t, w.ForceReload())
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, validConfigYAML)

	w, err := NewWatcher(path, nil, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
