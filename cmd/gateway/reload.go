package main

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vyrodovalexey/tradegw/internal/config"
	"github.com/vyrodovalexey/tradegw/internal/observability"
)

// applyConfig applies the hot-reloadable parts of cfg: upstreams,
// routes, breaker settings, and upstream health checks.
// Upstreams go first so new routes never point at a missing upstream.
func (app *application) applyConfig(cfg *config.Config) error {
	if err := app.upstreams.Replace(upstreamTargets(cfg)); err != nil {
		return fmt.Errorf("failed to apply upstreams: %w", err)
	}
	if err := app.routes.Replace(cfg.RouteRules()); err != nil {
		return fmt.Errorf("failed to apply routes: %w", err)
	}
	app.breakers.UpdateConfig(cfg.CircuitBreaker.BreakerConfig())
	syncUpstreamChecks(app.healthChecker, cfg, app.clock)

	for _, section := range restartRequired(app.config, cfg) {
		app.logger.Warn("configuration change requires a restart",
			observability.String("section", section),
		)
	}

	app.config = cfg
	return nil
}

// restartRequired lists the sections that changed but are only read at
// startup.
func restartRequired(old, updated *config.Config) []string {
	var sections []string
	check := func(name string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			sections = append(sections, name)
		}
	}
	check("gateway", old.Gateway, updated.Gateway)
	check("admin", old.Admin, updated.Admin)
	check("metrics", old.Metrics, updated.Metrics)
	check("logging", old.Logging, updated.Logging)
	check("tracing", old.Tracing, updated.Tracing)
	check("auth", old.Auth, updated.Auth)
	check("rateLimit", old.RateLimit, updated.RateLimit)
	check("redis", old.Redis, updated.Redis)
	check("events", old.Events, updated.Events)
	return sections
}

// startConfigWatcher starts the configuration watcher. A watcher that
// cannot start is logged and the gateway keeps its current config.
func (app *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(cfg *config.Config) {
		if err := app.applyConfig(cfg); err != nil {
			app.metrics.RecordConfigReload(false)
			app.logger.Error("failed to apply configuration", observability.Error(err))
			return
		}
		app.metrics.RecordConfigReload(true)
	},
		config.WithLogger(app.logger),
		config.WithErrorCallback(func(error) {
			app.metrics.RecordConfigReload(false)
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		return nil
	}
	return watcher
}
