package config

import (
	"time"

	"github.com/vyrodovalexey/tradegw/internal/auth/jwt"
	"github.com/vyrodovalexey/tradegw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tradegw/internal/observability"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit"
	"github.com/vyrodovalexey/tradegw/internal/ratelimit/store"
	"github.com/vyrodovalexey/tradegw/internal/router"
)

// Default values.
const (
	DefaultGatewayName     = "tradegw"
	DefaultListen          = ":8080"
	DefaultAdminListen     = ":8081"
	DefaultMetricsListen   = ":9091"
	DefaultMetricsPath     = "/metrics"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultEventQueueSize  = 1024
)

// Event sink names.
const (
	SinkLog   = "log"
	SinkRedis = "redis"
)

// Config is the root gateway configuration.
type Config struct {
	Gateway        GatewayConfig        `yaml:"gateway" json:"gateway"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Redis          RedisConfig          `yaml:"redis" json:"redis"`
	Events         EventsConfig         `yaml:"events" json:"events"`
	Upstreams      []UpstreamConfig     `yaml:"upstreams" json:"upstreams" validate:"required,min=1,dive"`
	Routes         []RouteConfig        `yaml:"routes" json:"routes" validate:"dive"`
}

// GatewayConfig configures the front HTTP server.
type GatewayConfig struct {
	Name            string   `yaml:"name" json:"name" validate:"required"`
	Listen          string   `yaml:"listen" json:"listen" validate:"required"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout" validate:"gte=0"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout" validate:"gte=0"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout" validate:"gte=0"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout" validate:"gte=0"`
}

// AdminConfig configures the admin API listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen" validate:"required_if=Enabled true"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen" validate:"required_if=Enabled true"`
	Path    string `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=json console"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate" validate:"gte=0,lte=1"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Algorithms   []string `yaml:"algorithms" json:"algorithms" validate:"required,min=1"`
	Secret       string   `yaml:"secret" json:"-"`
	PublicKeyPEM string   `yaml:"publicKeyPEM" json:"publicKeyPEM,omitempty"`
	Issuer       string   `yaml:"issuer" json:"issuer,omitempty"`
	Audience     []string `yaml:"audience" json:"audience,omitempty"`
	ClockSkew    Duration `yaml:"clockSkew" json:"clockSkew" validate:"gte=0"`
}

// RateLimitConfig configures per-identity rate limiting.
type RateLimitConfig struct {
	Algorithm        string   `yaml:"algorithm" json:"algorithm" validate:"oneof=fixed_window token_bucket"`
	Requests         int      `yaml:"requests" json:"requests" validate:"gte=1"`
	Window           Duration `yaml:"window" json:"window" validate:"gt=0"`
	Burst            int      `yaml:"burst" json:"burst" validate:"gte=0"`
	DenyPolicy       string   `yaml:"denyPolicy" json:"denyPolicy" validate:"oneof=count_and_cap stop_at_capacity"`
	RetentionWindows int      `yaml:"retentionWindows" json:"retentionWindows" validate:"gte=0"`

	// FailOpen admits requests when the limiter backend fails.
	FailOpen bool `yaml:"failOpen" json:"failOpen"`

	// Distributed shares window counters through Redis.
	Distributed      bool     `yaml:"distributed" json:"distributed"`
	Fallback         *bool    `yaml:"fallback" json:"fallback,omitempty"`
	OperationTimeout Duration `yaml:"operationTimeout" json:"operationTimeout" validate:"gte=0"`
}

// CircuitBreakerConfig configures the per-upstream breakers.
type CircuitBreakerConfig struct {
	FailureRatio      *float64 `yaml:"failureRatio" json:"failureRatio" validate:"omitempty,gte=0,lt=1"`
	MinSamples        int      `yaml:"minSamples" json:"minSamples" validate:"gte=0"`
	Window            Duration `yaml:"window" json:"window" validate:"gte=0"`
	Buckets           int      `yaml:"buckets" json:"buckets" validate:"gte=0"`
	Cooldown          Duration `yaml:"cooldown" json:"cooldown" validate:"gte=0"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier" json:"backoffMultiplier" validate:"gte=0"`
	MaxCooldown       Duration `yaml:"maxCooldown" json:"maxCooldown" validate:"gte=0"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Address     string   `yaml:"address" json:"address"`
	Password    string   `yaml:"password" json:"-"`
	DB          int      `yaml:"db" json:"db" validate:"gte=0"`
	KeyPrefix   string   `yaml:"keyPrefix" json:"keyPrefix"`
	PoolSize    int      `yaml:"poolSize" json:"poolSize" validate:"gte=0"`
	DialTimeout Duration `yaml:"dialTimeout" json:"dialTimeout" validate:"gte=0"`
}

// EventsConfig configures admission event publishing.
type EventsConfig struct {
	Sinks        []string `yaml:"sinks" json:"sinks" validate:"dive,oneof=log redis"`
	QueueSize    int      `yaml:"queueSize" json:"queueSize" validate:"gte=0"`
	RedisChannel string   `yaml:"redisChannel" json:"redisChannel"`
}

// UpstreamConfig names a backend service.
type UpstreamConfig struct {
	Name    string   `yaml:"name" json:"name" validate:"required"`
	URL     string   `yaml:"url" json:"url" validate:"required,url"`
	Timeout Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// RouteConfig is a route rule as written in the config file.
type RouteConfig struct {
	Name          string `yaml:"name" json:"name"`
	Method        string `yaml:"method" json:"method,omitempty"`
	Path          string `yaml:"path" json:"path" validate:"required,startswith=/"`
	Match         string `yaml:"match" json:"match" validate:"omitempty,oneof=exact prefix"`
	Upstream      string `yaml:"upstream" json:"upstream" validate:"required"`
	RequiredScope string `yaml:"requiredScope" json:"requiredScope,omitempty"`
}

// DefaultConfig returns a Config with default values and no upstreams
// or routes.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero fields with defaults.
func (c *Config) applyDefaults() {
	if c.Gateway.Name == "" {
		c.Gateway.Name = DefaultGatewayName
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = DefaultListen
	}
	if c.Gateway.ReadTimeout == 0 {
		c.Gateway.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if c.Gateway.IdleTimeout == 0 {
		c.Gateway.IdleTimeout = Duration(DefaultIdleTimeout)
	}
	if c.Gateway.ShutdownTimeout == 0 {
		c.Gateway.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = DefaultAdminListen
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	logDefaults := observability.DefaultLogConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = logDefaults.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logDefaults.Format
	}
	if c.Logging.Output == "" {
		c.Logging.Output = logDefaults.Output
	}

	if c.Tracing.Enabled && c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}

	limitDefaults := ratelimit.DefaultConfig()
	if c.RateLimit.Algorithm == "" {
		c.RateLimit.Algorithm = string(limitDefaults.Algorithm)
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = limitDefaults.Requests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(limitDefaults.Window)
	}
	if c.RateLimit.DenyPolicy == "" {
		c.RateLimit.DenyPolicy = string(limitDefaults.DenyPolicy)
	}
	if c.RateLimit.RetentionWindows == 0 {
		c.RateLimit.RetentionWindows = limitDefaults.RetentionWindows
	}
	if c.RateLimit.Fallback == nil {
		fallback := true
		c.RateLimit.Fallback = &fallback
	}

	if c.CircuitBreaker.FailureRatio == nil {
		ratio := circuitbreaker.DefaultConfig().FailureRatio
		c.CircuitBreaker.FailureRatio = &ratio
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = store.DefaultRedisConfig().Prefix
	}

	if len(c.Events.Sinks) == 0 {
		c.Events.Sinks = []string{SinkLog}
	}
	if c.Events.QueueSize == 0 {
		c.Events.QueueSize = DefaultEventQueueSize
	}

	for i := range c.Upstreams {
		if c.Upstreams[i].Timeout == 0 {
			c.Upstreams[i].Timeout = Duration(DefaultUpstreamTimeout)
		}
	}
}

// LogConfig returns the logger configuration.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
	}
}

// TracerConfig returns the tracer configuration.
func (c *Config) TracerConfig(version string) observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:    c.Gateway.Name,
		ServiceVersion: version,
		OTLPEndpoint:   c.Tracing.OTLPEndpoint,
		SamplingRate:   c.Tracing.SamplingRate,
		Enabled:        c.Tracing.Enabled,
	}
}

// JWTConfig returns the token validator configuration.
func (a AuthConfig) JWTConfig() *jwt.Config {
	return &jwt.Config{
		Algorithms:   a.Algorithms,
		Secret:       a.Secret,
		PublicKeyPEM: a.PublicKeyPEM,
		Issuer:       a.Issuer,
		Audience:     a.Audience,
		ClockSkew:    a.ClockSkew.Duration(),
	}
}

// LimiterConfig returns the rate limiter configuration.
func (r RateLimitConfig) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Algorithm:        ratelimit.Algorithm(r.Algorithm),
		Requests:         r.Requests,
		Window:           r.Window.Duration(),
		Burst:            r.Burst,
		DenyPolicy:       ratelimit.DenyPolicy(r.DenyPolicy),
		RetentionWindows: r.RetentionWindows,
	}
}

// RedisLimiterConfig returns the distributed limiter configuration.
func (r RateLimitConfig) RedisLimiterConfig() ratelimit.RedisLimiterConfig {
	cfg := ratelimit.DefaultRedisLimiterConfig()
	cfg.Limit = r.LimiterConfig()
	if r.Fallback != nil {
		cfg.FallbackEnabled = *r.Fallback
	}
	cfg.OperationTimeout = r.OperationTimeout.OrDefault(cfg.OperationTimeout)
	return cfg
}

// BreakerConfig returns the circuit breaker configuration. Zero fields
// other than FailureRatio take the breaker defaults; an explicit ratio of
// 0 trips on any failure.
func (b CircuitBreakerConfig) BreakerConfig() *circuitbreaker.Config {
	ratio := circuitbreaker.DefaultConfig().FailureRatio
	if b.FailureRatio != nil {
		ratio = *b.FailureRatio
	}
	return &circuitbreaker.Config{
		FailureRatio:      ratio,
		MinSamples:        b.MinSamples,
		Window:            b.Window.Duration(),
		Buckets:           b.Buckets,
		Cooldown:          b.Cooldown.Duration(),
		BackoffMultiplier: b.BackoffMultiplier,
		MaxCooldown:       b.MaxCooldown.Duration(),
	}
}

// StoreConfig returns the Redis store configuration.
func (r RedisConfig) StoreConfig() *store.RedisConfig {
	cfg := store.DefaultRedisConfig()
	cfg.Address = r.Address
	cfg.Password = r.Password
	cfg.DB = r.DB
	cfg.Prefix = r.KeyPrefix
	if r.PoolSize > 0 {
		cfg.PoolSize = r.PoolSize
	}
	cfg.DialTimeout = r.DialTimeout.OrDefault(cfg.DialTimeout)
	return cfg
}

// Rule converts the route to a router rule.
func (r RouteConfig) Rule() router.RouteRule {
	return router.RouteRule{
		Name:          r.Name,
		Method:        r.Method,
		Path:          r.Path,
		Match:         router.MatchKind(r.Match),
		Upstream:      r.Upstream,
		RequiredScope: r.RequiredScope,
	}
}

// RouteRules converts every configured route.
func (c *Config) RouteRules() []router.RouteRule {
	rules := make([]router.RouteRule, len(c.Routes))
	for i, r := range c.Routes {
		rules[i] = r.Rule()
	}
	return rules
}

// Upstream returns the upstream named name.
func (c *Config) Upstream(name string) (UpstreamConfig, bool) {
	for _, u := range c.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}

// NeedsRedis reports whether any component uses the Redis connection.
func (c *Config) NeedsRedis() bool {
	if c.RateLimit.Distributed {
		return true
	}
	for _, s := range c.Events.Sinks {
		if s == SinkRedis {
			return true
		}
	}
	return false
}
