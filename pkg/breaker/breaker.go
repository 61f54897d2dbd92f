// Package breaker implements a per-endpoint circuit breaker that fails
// fast while the orders API is unhealthy.
//
// One breaker belongs to exactly one client instance bound to one
// endpoint; independent instances have independent state.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State captures circuit breaker states.
type State int

const (
	// StateClosed indicates normal operation.
	StateClosed State = iota
	// StateOpen indicates the breaker is rejecting calls.
	StateOpen
	// StateHalfOpen indicates a single trial call is permitted.
	StateHalfOpen
)

// String returns the state name as used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

// Config controls thresholds for state transitions.
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// trips the breaker from closed to open.
	FailureThreshold int

	// MinOpenDuration is how long the breaker stays open before a
	// single probe is allowed through.
	MinOpenDuration time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MinOpenDuration:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1 (got %d)", c.FailureThreshold)
	}
	if c.MinOpenDuration <= 0 {
		return fmt.Errorf("min_open_duration must be > 0 (got %v)", c.MinOpenDuration)
	}
	return nil
}

// Status is an immutable snapshot of breaker state for metrics and
// CircuitOpenError payloads.
type Status struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	OpenedReason        string
	RetryAfter          time.Duration
}

// Breaker is the state machine. All methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	cfg                 Config
	state               State
	consecutiveFailures int
	openedAt            time.Time
	openedReason        string
	probeInFlight       bool

	now func() time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}, nil
}

// Allow decides whether a call may proceed. While open and inside the
// cooldown window it returns an ErrOpen-wrapped error without touching
// any transport. Once the cooldown elapses it moves to half-open and
// admits exactly one probe; further calls are rejected until the probe
// outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cfg.MinOpenDuration {
			return fmt.Errorf("%w: retry in %v", ErrOpen, b.cfg.MinOpenDuration-elapsed)
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil

	case StateHalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		b.probeInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess marks the outcome of an allowed call as success: the
// failure counter resets and the breaker closes.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.state = StateClosed
	b.probeInFlight = false
	b.openedReason = ""
}

// RecordFailure marks the outcome of an allowed call as failure. A failed
// half-open probe reopens the breaker immediately; in the closed state the
// breaker trips once the threshold is reached.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		b.trip(reason)
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(reason)
		}
	}
}

// Release abandons an allowed call that produced no network outcome,
// e.g. a request that could not even be constructed. The half-open
// probe slot is freed so a later call can run the probe; the closed
// state is untouched.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// trip moves to open. Caller holds the lock.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.openedReason = reason
	b.probeInFlight = false
}

// Status returns a snapshot of the current state.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		OpenedReason:        b.openedReason,
	}
	if b.state == StateOpen {
		if remaining := b.cfg.MinOpenDuration - b.now().Sub(b.openedAt); remaining > 0 {
			st.RetryAfter = remaining
		}
	}
	return st
}

// SetClock sets the time source (for testing).
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
