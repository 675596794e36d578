package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

// Registry manages the circuit breakers of all upstreams. Breakers are
// created on first reference and live for the registry's lifetime.
type Registry struct {
	breakers sync.Map
	logger   *zap.Logger
	clock    clock.Clock

	mu     sync.RWMutex
	config *Config
	hooks  []func(name string, from, to State)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock sets the clock handed to every breaker.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithStateChangeHook adds a callback invoked on every transition of
// every breaker, in addition to Config.OnStateChange.
func WithStateChangeHook(fn func(name string, from, to State)) RegistryOption {
	return func(r *Registry) {
		r.hooks = append(r.hooks, fn)
	}
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(config *Config, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		config: config,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.OrSystem(r.clock)

	return r
}

// Get returns a circuit breaker by name, or nil if not found.
func (r *Registry) Get(name string) *CircuitBreaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns an existing circuit breaker or creates a new one.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(name, r.breakerConfig(), r.logger, WithClock(r.clock))

	// Store or get existing (handles race condition)
	actual, loaded := r.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker",
		zap.String("name", name),
	)

	return cb
}

// breakerConfig returns the config for a new breaker with the registry
// hooks chained after Config.OnStateChange.
func (r *Registry) breakerConfig() *Config {
	r.mu.RLock()
	cfg := *r.config
	hooks := r.hooks
	r.mu.RUnlock()

	if len(hooks) == 0 {
		return &cfg
	}
	own := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		if own != nil {
			own(name, from, to)
		}
		for _, hook := range hooks {
			hook(name, from, to)
		}
	}
	return &cfg
}

// Admit admits one call to upstream.
func (r *Registry) Admit(upstream string) (Ticket, error) {
	return r.GetOrCreate(upstream).Admit()
}

// Report records the outcome of the latest admitted call to upstream.
func (r *Registry) Report(upstream string, outcome Outcome) {
	r.GetOrCreate(upstream).Report(outcome)
}

// Complete records the outcome of the call to upstream admitted with ticket.
func (r *Registry) Complete(upstream string, ticket Ticket, outcome Outcome) {
	r.GetOrCreate(upstream).Complete(ticket, outcome)
}

// Remove removes a circuit breaker from the registry.
func (r *Registry) Remove(name string) {
	r.breakers.Delete(name)
	r.logger.Debug("removed circuit breaker",
		zap.String("name", name),
	)
}

// ListNames returns the sorted names of all circuit breakers.
func (r *Registry) ListNames() []string {
	var names []string
	r.breakers.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Reset resets the named circuit breaker to closed state.
func (r *Registry) Reset(name string) error {
	cb := r.Get(name)
	if cb == nil {
		return util.WrapError(util.ErrNotFound, "circuit breaker "+name)
	}
	cb.Reset()
	return nil
}

// ResetAll resets all circuit breakers to closed state.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
	r.logger.Info("reset all circuit breakers")
}

// Stats returns statistics for all circuit breakers.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*CircuitBreaker).Stats()
		return true
	})
	return stats
}

// Count returns the number of circuit breakers in the registry.
func (r *Registry) Count() int {
	count := 0
	r.breakers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// UpdateConfig replaces the registry configuration and applies it to
// every existing breaker as well as breakers created from now on.
func (r *Registry) UpdateConfig(config *Config) {
	if config == nil {
		return
	}
	r.mu.Lock()
	r.config = config
	r.mu.Unlock()

	cfg := r.breakerConfig()
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*CircuitBreaker).UpdateConfig(cfg)
		return true
	})
	r.logger.Info("circuit breaker config updated", zap.Int("breakers", r.Count()))
}
