package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/retry"
)

// Prometheus metrics for Redis store operations
var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradegw_ratelimit_store_operations_total",
			Help: "Total number of Redis rate limit store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradegw_ratelimit_store_operation_duration_seconds",
			Help:    "Duration of Redis rate limit store operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// incrementCappedScript increments a window counter only while it is
// below capacity, and arms the expiry on first touch.
// KEYS[1] = key
// ARGV[1] = capacity
// ARGV[2] = ttl in milliseconds
// Returns {count, counted}.
var incrementCappedScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	local counted = 0
	if current < tonumber(ARGV[1]) then
		current = redis.call('INCR', KEYS[1])
		counted = 1
	end
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return {current, counted}
`)

// RedisConfig holds configuration for Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectionRetries is the number of additional connection attempts
	// made before giving up.
	ConnectionRetries int

	// InitialBackoff is the delay before the first retry; it doubles on
	// every further attempt.
	InitialBackoff time.Duration

	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "tradegw:ratelimit:",
		PoolSize:          10,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       time.Second,
		WriteTimeout:      time.Second,
		ConnectionRetries: 3,
		InitialBackoff:    100 * time.Millisecond,
	}
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// NewRedisStore connects to Redis and returns a store. The connection is
// verified with PING, retrying with exponential backoff.
func NewRedisStore(ctx context.Context, config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	if err := connectWithRetry(ctx, client, config, logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewRedisStoreFromClient(client, config.Prefix, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// connectWithRetry pings Redis until it answers, the retries are
// exhausted, or ctx is done.
func connectWithRetry(ctx context.Context, client *redis.Client, config *RedisConfig, logger *zap.Logger) error {
	attempts := 0
	err := retry.Do(ctx, "redis_connect", &retry.Config{
		MaxRetries:     config.ConnectionRetries,
		InitialBackoff: config.InitialBackoff,
		MaxBackoff:     config.DialTimeout,
	}, func(ctx context.Context) error {
		attempts++
		pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			logger.Debug("Redis connection failed, retrying",
				zap.String("address", config.Address),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", config.Address, err)
	}

	if attempts > 1 {
		logger.Info("Redis connection established after retry",
			zap.String("address", config.Address),
			zap.Int("attempt", attempts),
		)
	}
	return nil
}

// prefixKey adds the prefix to the key.
func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// observe records the outcome of one store operation.
func observe(operation string, start time.Time, err error) {
	redisStoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	redisStoreOperationsTotal.WithLabelValues(operation, status).Inc()
}

// IncrementCapped implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementCapped(
	ctx context.Context,
	key string,
	capacity int64,
	ttl time.Duration,
) (count int64, counted bool, err error) {
	start := time.Now()
	defer func() { observe("increment_capped", start, err) }()

	if err = ctx.Err(); err != nil {
		return 0, false, fmt.Errorf("context error before redis increment: %w", err)
	}

	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	result, err := incrementCappedScript.Run(ctx, s.client, []string{s.prefixKey(key)}, capacity, ttlMs).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis script error: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		err = fmt.Errorf("redis script returned unexpected result: %v", result)
		return 0, false, err
	}
	count, ok1 := values[0].(int64)
	flag, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		err = fmt.Errorf("redis script returned unexpected types: %T, %T", values[0], values[1])
		return 0, false, err
	}

	return count, flag == 1, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (n int64, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	val, err := s.client.Get(ctx, s.prefixKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		return 0, fmt.Errorf("redis get error: %w", err)
	}

	n, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value: %w", err)
	}
	return n, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	if err = s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

// DeletePrefix removes every key that starts with prefix.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (err error) {
	start := time.Now()
	defer func() { observe("delete_prefix", start, err) }()

	iter := s.client.Scan(ctx, 0, s.prefixKey(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err = s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del error: %w", err)
		}
	}
	if err = iter.Err(); err != nil {
		return fmt.Errorf("redis scan error: %w", err)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
// Close is idempotent - calling it multiple times is safe.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

var _ Store = (*RedisStore)(nil)
