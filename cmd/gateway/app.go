package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vyrodovalexey/tradegw/internal/admin"
	authjwt "github.com/vyrodovalexey/tradegw/internal/auth/jwt"
	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/config"
	"github.com/vyrodovalexey/tradegw/internal/events"
	"github.com/vyrodovalexey/tradegw/internal/gateway"
	"github.com/vyrodovalexey/tradegw/internal/health"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/pipeline"
	"github.com/vyrodovalexey/tradegw/internal/proxy"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit/store"
	"github.com/vyrodovalexey/tradegw/internal/router"
)

const (
	metricsNamespace = "tradegw"

	upstreamCheckTimeout = 2 * time.Second
	upstreamCheckTTL     = 10 * time.Second
	upstreamCheckPrefix  = "upstream:"
)

// backgroundLimiter is a limiter with a maintenance goroutine.
type backgroundLimiter interface {
	ratelimit.Limiter
	Start(ctx context.Context)
	Stop()
}

// application holds all application components.
type application struct {
	config *config.Config
	logger observability.Logger
	clock  clock.Clock

	metrics *observability.Metrics
	tracer  *observability.Tracer

	store      *store.RedisStore
	limiter    backgroundLimiter
	routes     *router.Router
	breakers   *circuitbreaker.Registry
	bus        *events.Bus
	dispatcher *events.Dispatcher
	pipeline   *pipeline.Pipeline
	upstreams  *proxy.Upstreams

	healthChecker *health.Checker
	gateway       *gateway.Gateway
	adminListener *gateway.Listener
	metricsServer *observability.Server
}

// initApplication builds every component from cfg. Nothing listens
// until runGateway.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		clock:  clock.NewSystem(),
	}

	app.metrics = observability.NewMetrics(metricsNamespace)
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := observability.NewTracer(cfg.TracerConfig(version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	if cfg.NeedsRedis() {
		storeCfg := cfg.Redis.StoreConfig()
		storeCfg.Logger = logger.Zap()
		app.store, err = store.NewRedisStore(context.Background(), storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	jwtMetrics := authjwt.NewMetrics(metricsNamespace)
	jwtMetrics.MustRegister(app.metrics.Registry())
	jwtMetrics.Init()
	validator, err := authjwt.NewValidator(cfg.Auth.JWTConfig(),
		authjwt.WithValidatorLogger(logger),
		authjwt.WithValidatorMetrics(jwtMetrics),
		authjwt.WithClock(app.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}

	if app.limiter, err = app.initLimiter(); err != nil {
		return nil, err
	}

	app.routes = router.New(router.WithLogger(logger.Zap()))
	if err := app.routes.Replace(cfg.RouteRules()); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	if app.upstreams, err = proxy.New(upstreamTargets(cfg), proxy.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("failed to load upstreams: %w", err)
	}

	if app.dispatcher, err = app.initEvents(); err != nil {
		return nil, err
	}

	app.breakers = circuitbreaker.NewRegistry(cfg.CircuitBreaker.BreakerConfig(), logger.Zap(),
		circuitbreaker.WithRegistryClock(app.clock),
		circuitbreaker.WithStateChangeHook(pipeline.BreakerEventHook(app.dispatcher, app.clock)),
	)

	app.pipeline, err = pipeline.New(validator, app.routes, app.limiter, app.breakers,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(app.metrics),
		pipeline.WithTracer(tracer.Tracer()),
		pipeline.WithPublisher(app.dispatcher),
		pipeline.WithClock(app.clock),
		pipeline.WithFailOpen(cfg.RateLimit.FailOpen),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create admission pipeline: %w", err)
	}

	app.gateway, err = gateway.New(gateway.ListenerConfig{
		Name:         cfg.Gateway.Name,
		Address:      cfg.Gateway.Listen,
		ReadTimeout:  cfg.Gateway.ReadTimeout.Duration(),
		WriteTimeout: cfg.Gateway.WriteTimeout.Duration(),
		IdleTimeout:  cfg.Gateway.IdleTimeout.Duration(),
	}, app.pipeline, app.upstreams,
		gateway.WithLogger(logger),
		gateway.WithMetrics(app.metrics),
		gateway.WithTracer(tracer.Tracer()),
		gateway.WithClock(app.clock),
		gateway.WithShutdownTimeout(cfg.Gateway.ShutdownTimeout.Duration()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	app.initHealth()

	if cfg.Admin.Enabled {
		adminServer, err := admin.New(app.routes, app.breakers,
			admin.WithLogger(logger),
			admin.WithLimiter(app.limiter),
			admin.WithUpstreams(app.upstreams),
			admin.WithHealth(app.healthChecker),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create admin API: %w", err)
		}
		app.adminListener = gateway.NewListener(gateway.ListenerConfig{
			Name:    "admin",
			Address: cfg.Admin.Listen,
		}, adminServer.Handler(), logger)
	}

	if cfg.Metrics.Enabled {
		app.metricsServer = observability.NewServer(observability.ServerConfig{
			Address: cfg.Metrics.Listen,
			Path:    cfg.Metrics.Path,
		}, app.metrics, logger.Zap())
	}

	return app, nil
}

// initLimiter builds the distributed limiter when configured, and the
// in-process one otherwise.
func (app *application) initLimiter() (backgroundLimiter, error) {
	cfg := app.config.RateLimit
	limitMetrics := ratelimit.NewMetrics(metricsNamespace)
	limitMetrics.MustRegister(app.metrics.Registry())

	opts := []ratelimit.Option{
		ratelimit.WithLogger(app.logger.Zap()),
		ratelimit.WithMetrics(limitMetrics),
		ratelimit.WithClock(app.clock),
	}

	if cfg.Distributed {
		l, err := ratelimit.NewRedisLimiter(app.store, cfg.RedisLimiterConfig(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create distributed rate limiter: %w", err)
		}
		return l, nil
	}

	l, err := ratelimit.New(cfg.LimiterConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return l, nil
}

// initEvents builds the configured sinks behind a dispatcher. The
// in-process bus is always attached.
func (app *application) initEvents() (*events.Dispatcher, error) {
	app.bus = events.NewBus()
	sinks := []events.Publisher{app.bus}

	for _, name := range app.config.Events.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, events.NewLogPublisher(app.logger))
		case config.SinkRedis:
			p, err := events.NewRedisPublisher(app.store.Client(), app.config.Events.RedisChannel)
			if err != nil {
				return nil, fmt.Errorf("failed to create redis event sink: %w", err)
			}
			sinks = append(sinks, p)
		}
	}

	return events.NewDispatcher(events.Multi(sinks...),
		events.WithQueueSize(app.config.Events.QueueSize),
		events.WithDispatcherLogger(app.logger),
		events.WithDispatcherMetrics(events.NewMetricsWithRegisterer(metricsNamespace, app.metrics.Registry())),
	), nil
}

// initHealth registers readiness checks for Redis and every upstream.
func (app *application) initHealth() {
	app.healthChecker = health.NewChecker(version, app.logger, health.WithClock(app.clock))
	if app.store != nil {
		app.healthChecker.AddCheck(health.RedisCheck("redis", app.store))
	}
	syncUpstreamChecks(app.healthChecker, app.config, app.clock)
}

// syncUpstreamChecks makes the upstream checks match cfg.Upstreams.
func syncUpstreamChecks(checker *health.Checker, cfg *config.Config, clk clock.Clock) {
	wanted := make(map[string]struct{}, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		name := upstreamCheckPrefix + u.Name
		wanted[name] = struct{}{}
		checker.AddCheck(health.NewCachedCheck(
			health.UpstreamCheck(name, u.URL, upstreamCheckTimeout),
			upstreamCheckTTL, clk,
		))
	}

	for _, name := range checker.CheckNames() {
		if _, ok := wanted[name]; !ok && strings.HasPrefix(name, upstreamCheckPrefix) {
			checker.RemoveCheck(name)
		}
	}
}

// upstreamTargets converts the configured upstreams for the forwarder.
func upstreamTargets(cfg *config.Config) []proxy.Target {
	targets := make([]proxy.Target, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		targets[i] = proxy.Target{
			Name:    u.Name,
			URL:     u.URL,
			Timeout: u.Timeout.Duration(),
		}
	}
	return targets
}
