// Package resilience provides a circuit breaker and ordered failover across
// interchangeable speech-to-speech providers.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a provider after repeated handshake failures.
// [FallbackGroup] pairs each candidate with its own breaker and tries them in
// registration order; [S2SFallback] exposes a group as an [s2s.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failure
	// re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the lower-case state name.
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

// CircuitBreakerConfig holds the tuning knobs of a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int // consecutive, closed state only
	openedAt    time.Time
	probes      int // probes admitted in the current half-open window
	probeWins   int
	transitions []func()
}

// NewCircuitBreaker returns a closed breaker. Zero config fields take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
// fn's error is returned unchanged and counted as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	cb.refreshLocked()
	probe := false
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	if err != nil {
		cb.failLocked(probe)
	} else {
		cb.succeedLocked(probe)
	}
	notify := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()

	for _, n := range notify {
		n()
	}
	return err
}

// State returns the current state, taking an elapsed reset timeout into
// account.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	cb.refreshLocked()
	st := cb.state
	notify := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()
	for _, n := range notify {
		n()
	}
	return st
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.setLocked(StateClosed)
	notify := cb.transitions
	cb.transitions = nil
	cb.mu.Unlock()
	for _, n := range notify {
		n()
	}
}

// refreshLocked moves an expired open breaker to half-open.
func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.setLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) failLocked(probe bool) {
	if probe {
		cb.setLocked(StateOpen)
		return
	}
	if cb.state != StateClosed {
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		cb.setLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) succeedLocked(probe bool) {
	if !probe {
		if cb.state == StateClosed {
			cb.failures = 0
		}
		return
	}
	if cb.state != StateHalfOpen {
		return
	}
	cb.probeWins++
	if cb.probeWins >= cb.cfg.HalfOpenMax {
		cb.failures = 0
		cb.setLocked(StateClosed)
	}
}

// setLocked transitions to st and queues the change notification.
func (cb *CircuitBreaker) setLocked(st State) {
	from := cb.state
	if from == st {
		return
	}
	cb.state = st
	switch st {
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
		slog.Warn("resilience: circuit opened", "name", cb.cfg.Name, "from", from.String())
	case StateHalfOpen:
		cb.probes, cb.probeWins = 0, 0
		slog.Info("resilience: circuit half-open", "name", cb.cfg.Name)
	case StateClosed:
		slog.Info("resilience: circuit closed", "name", cb.cfg.Name)
	}
	if fn := cb.cfg.OnStateChange; fn != nil {
		name := cb.cfg.Name
		cb.transitions = append(cb.transitions, func() { fn(name, from, st) })
	}
}
