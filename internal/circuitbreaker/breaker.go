package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/tradegw/internal/clock"
	"github.com/vyrodovalexey/tradegw/internal/util"
)

// State represents the state of a circuit breaker.
type State int32

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is testing if the upstream is healthy.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome is the result of a forwarded call as classified by the caller.
type Outcome int

const (
	// OutcomeSuccess marks a call the upstream handled.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure marks a call that counts against the upstream.
	OutcomeFailure
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	if o == OutcomeFailure {
		return "failure"
	}
	return "success"
}

// ErrCircuitOpen is matched by every admission denial.
var ErrCircuitOpen = util.ErrCircuitOpen

// Ticket identifies an admitted call. It is passed back to Complete so
// that outcomes of calls admitted before a state change are dropped.
type Ticket struct {
	generation uint64
	trial      bool
}

// Trial reports whether the ticket was issued for the HalfOpen trial.
func (t Ticket) Trial() bool {
	return t.trial
}

// trialSlot is the single HalfOpen trial of one generation. claimedAt
// is set right after the slot is taken; zero means "just taken".
type trialSlot struct {
	generation uint64
	taken      atomic.Bool
	claimedAt  atomic.Int64
}

// transition describes a state change to announce after unlocking.
type transition struct {
	from, to State
	hook     func(name string, from, to State)
}

// Option configures a circuit breaker.
type Option func(*CircuitBreaker)

// WithClock sets the clock used for windows and cooldowns.
func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) {
		cb.clock = c
	}
}

// CircuitBreaker is the health state machine of one upstream.
//
// Admission in Closed is lock-free. The HalfOpen trial is claimed with a
// compare-and-swap. Reports and transitions are serialized by mu.
type CircuitBreaker struct {
	name   string
	config Config
	clock  clock.Clock
	logger *zap.Logger

	state      atomic.Int32
	generation atomic.Uint64
	trial      atomic.Pointer[trialSlot]

	mu              sync.Mutex
	window          *rollingWindow
	trippedAt       time.Time
	cooldown        time.Duration
	lastStateChange time.Time
	trips           int
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config *Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := config.normalized()
	cb := &CircuitBreaker{
		name:     name,
		config:   cfg,
		logger:   logger,
		window:   newRollingWindow(cfg.Window, cfg.Buckets),
		cooldown: cfg.Cooldown,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.clock = clock.OrSystem(cb.clock)
	cb.lastStateChange = cb.clock.Now()

	RecordState(name, StateClosed)
	return cb
}

// Admit decides whether one call to the upstream may proceed. A denial
// is a *util.CircuitOpenError.
func (cb *CircuitBreaker) Admit() (Ticket, error) {
	for {
		gen := cb.generation.Load()
		switch State(cb.state.Load()) {
		case StateClosed:
			RecordAdmit(cb.name, true)
			return Ticket{generation: gen}, nil

		case StateOpen:
			if !cb.tryHalfOpen() {
				return cb.deny(StateOpen)
			}

		case StateHalfOpen:
			slot := cb.trial.Load()
			if slot == nil {
				continue
			}
			if !slot.taken.CompareAndSwap(false, true) {
				if ticket, ok := cb.reclaimTrial(slot); ok {
					return ticket, nil
				}
				return cb.deny(StateHalfOpen)
			}
			slot.claimedAt.Store(cb.clock.Now().UnixNano())
			RecordAdmit(cb.name, true)
			cb.logger.Debug("circuit breaker trial admitted", zap.String("name", cb.name))
			return Ticket{generation: slot.generation, trial: true}, nil
		}
	}
}

// reclaimTrial hands the HalfOpen trial to a new caller when the current
// one has been outstanding for longer than the cooldown. The abandoned
// trial's ticket belongs to the old generation, so its report is dropped.
func (cb *CircuitBreaker) reclaimTrial(slot *trialSlot) (Ticket, bool) {
	claimed := slot.claimedAt.Load()
	if claimed == 0 {
		return Ticket{}, false
	}

	cb.mu.Lock()
	now := cb.clock.Now()
	if cb.trial.Load() != slot || now.Sub(time.Unix(0, claimed)) < cb.cooldown {
		cb.mu.Unlock()
		return Ticket{}, false
	}
	gen := cb.generation.Add(1)
	next := &trialSlot{generation: gen}
	next.taken.Store(true)
	next.claimedAt.Store(now.UnixNano())
	cb.trial.Store(next)
	cb.mu.Unlock()

	RecordAdmit(cb.name, true)
	cb.logger.Warn("circuit breaker trial abandoned, admitting a new trial",
		zap.String("name", cb.name),
		zap.Duration("outstanding", now.Sub(time.Unix(0, claimed))),
	)
	return Ticket{generation: gen, trial: true}, true
}

func (cb *CircuitBreaker) deny(state State) (Ticket, error) {
	RecordAdmit(cb.name, false)
	return Ticket{}, util.NewCircuitOpenError(cb.name, state.String())
}

// tryHalfOpen moves an Open breaker whose cooldown elapsed to HalfOpen.
// It returns false when the breaker must stay open.
func (cb *CircuitBreaker) tryHalfOpen() bool {
	cb.mu.Lock()
	if State(cb.state.Load()) != StateOpen {
		cb.mu.Unlock()
		return true
	}
	now := cb.clock.Now()
	if now.Sub(cb.trippedAt) < cb.cooldown {
		cb.mu.Unlock()
		return false
	}
	tr := cb.transitionLocked(StateHalfOpen, now)
	cb.mu.Unlock()

	cb.notify(tr)
	return true
}

// Report records the outcome of the latest admitted call.
func (cb *CircuitBreaker) Report(outcome Outcome) {
	cb.record(nil, outcome)
}

// Complete records the outcome of the call admitted with ticket. Reports
// for tickets issued before the last state change are dropped.
func (cb *CircuitBreaker) Complete(ticket Ticket, outcome Outcome) {
	cb.record(&ticket, outcome)
}

func (cb *CircuitBreaker) record(ticket *Ticket, outcome Outcome) {
	cb.mu.Lock()
	tr := cb.recordLocked(ticket, outcome, cb.clock.Now())
	cb.mu.Unlock()

	cb.notify(tr)
}

func (cb *CircuitBreaker) recordLocked(ticket *Ticket, outcome Outcome, now time.Time) *transition {
	gen := cb.generation.Load()
	if ticket != nil && ticket.generation != gen {
		cb.stale("generation changed")
		return nil
	}

	switch State(cb.state.Load()) {
	case StateClosed:
		RecordOutcome(cb.name, outcome)
		cb.window.add(now, outcome == OutcomeFailure)
		if cb.shouldTrip(now) {
			cb.trippedAt = now
			cb.trips++
			return cb.transitionLocked(StateOpen, now)
		}
		return nil

	case StateOpen:
		cb.stale("breaker open")
		return nil

	case StateHalfOpen:
		slot := cb.trial.Load()
		if ticket != nil && !ticket.trial {
			cb.stale("not the trial")
			return nil
		}
		if slot == nil || !slot.taken.Load() {
			cb.logger.Error("circuit breaker report in half-open without a trial in flight, resetting",
				zap.String("name", cb.name),
				zap.String("outcome", outcome.String()),
			)
			return cb.resetLocked(now)
		}

		RecordOutcome(cb.name, outcome)
		if outcome == OutcomeSuccess {
			cb.window.reset()
			cb.cooldown = cb.config.Cooldown
			return cb.transitionLocked(StateClosed, now)
		}

		cb.trippedAt = now
		cb.trips++
		cb.cooldown = cb.nextCooldown()
		return cb.transitionLocked(StateOpen, now)
	}

	return nil
}

func (cb *CircuitBreaker) stale(reason string) {
	RecordStaleReport(cb.name)
	cb.logger.Debug("circuit breaker ignored stale report",
		zap.String("name", cb.name),
		zap.String("reason", reason),
	)
}

// shouldTrip reports whether the failure ratio over the window exceeds
// the threshold with enough samples.
func (cb *CircuitBreaker) shouldTrip(now time.Time) bool {
	successes, failures := cb.window.totals(now)
	total := successes + failures
	if total < cb.config.MinSamples {
		return false
	}
	return float64(failures)/float64(total) > cb.config.FailureRatio
}

func (cb *CircuitBreaker) nextCooldown() time.Duration {
	next := time.Duration(float64(cb.cooldown) * cb.config.BackoffMultiplier)
	if next > cb.config.MaxCooldown || next <= 0 {
		next = cb.config.MaxCooldown
	}
	return next
}

// transitionLocked publishes a new state. The trial slot is installed
// before the state so a HalfOpen reader always finds it.
func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) *transition {
	from := State(cb.state.Load())
	gen := cb.generation.Add(1)
	if to == StateHalfOpen {
		cb.trial.Store(&trialSlot{generation: gen})
	} else {
		cb.trial.Store(nil)
	}
	cb.state.Store(int32(to))
	cb.lastStateChange = now

	RecordStateChange(cb.name, from, to)
	cb.logger.Info("circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Duration("cooldown", cb.cooldown),
	)

	return &transition{from: from, to: to, hook: cb.config.OnStateChange}
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr == nil || tr.hook == nil {
		return
	}
	tr.hook(cb.name, tr.from, tr.to)
}

// UpdateConfig applies config to the running breaker. State, trips and
// an Open breaker's deadline are kept. The window restarts empty when
// its span or bucket count changes. A Closed breaker adopts the new
// Cooldown; otherwise the current cooldown is capped at MaxCooldown.
func (cb *CircuitBreaker) UpdateConfig(config *Config) {
	cfg := config.normalized()

	cb.mu.Lock()
	if cfg.Window != cb.config.Window || cfg.Buckets != cb.config.Buckets {
		cb.window = newRollingWindow(cfg.Window, cfg.Buckets)
	}
	cb.config = cfg
	if State(cb.state.Load()) == StateClosed {
		cb.cooldown = cfg.Cooldown
	} else if cb.cooldown > cfg.MaxCooldown {
		cb.cooldown = cfg.MaxCooldown
	}
	cooldown := cb.cooldown
	cb.mu.Unlock()

	cb.logger.Debug("circuit breaker config updated",
		zap.String("name", cb.name),
		zap.Float64("failure_ratio", cfg.FailureRatio),
		zap.Int("min_samples", cfg.MinSamples),
		zap.Duration("cooldown", cooldown),
	)
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Reset returns the breaker to Closed with empty counters and the
// initial cooldown.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.resetLocked(cb.clock.Now())
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker reset", zap.String("name", cb.name))
	cb.notify(tr)
}

func (cb *CircuitBreaker) resetLocked(now time.Time) *transition {
	cb.window.reset()
	cb.cooldown = cb.config.Cooldown
	cb.trippedAt = time.Time{}
	if State(cb.state.Load()) == StateClosed {
		return nil
	}
	return cb.transitionLocked(StateClosed, now)
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns the current statistics of the circuit breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	successes, failures := cb.window.totals(cb.clock.Now())
	slot := cb.trial.Load()
	return Stats{
		Name:            cb.name,
		State:           State(cb.state.Load()),
		Successes:       successes,
		Failures:        failures,
		TrippedAt:       cb.trippedAt,
		Cooldown:        cb.cooldown,
		Trips:           cb.trips,
		TrialInFlight:   slot != nil && slot.taken.Load(),
		LastStateChange: cb.lastStateChange,
	}
}

// Stats holds circuit breaker statistics.
type Stats struct {
	Name            string        `json:"name"`
	State           State         `json:"-"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	TrippedAt       time.Time     `json:"tripped_at,omitempty"`
	Cooldown        time.Duration `json:"cooldown"`
	Trips           int           `json:"trips"`
	TrialInFlight   bool          `json:"trial_in_flight"`
	LastStateChange time.Time     `json:"last_state_change"`
}

// FailureRatio returns the failure ratio over the current window.
func (s Stats) FailureRatio() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0
	}
	return float64(s.Failures) / float64(total)
}
