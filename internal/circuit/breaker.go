package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - fetches run on every tick
	StateClosed State = iota
	// StateOpen - fetches are skipped until the timeout elapses
	StateOpen
	// StateHalfOpen - a single probe fetch is allowed through
	StateHalfOpen
)

// String returns string representation of state
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

// Breaker stops the refresh scheduler from hammering an upstream that keeps
// failing. The last good snapshot keeps serving while the circuit is open.
type Breaker struct {
	mu sync.Mutex

	maxFailures      int
	successThreshold int
	timeout          time.Duration
	isFailure        func(error) bool
	now              func() time.Time

	state           State
	failures        int
	successes       int
	probing         bool
	lastFailure     error
	lastFailureTime time.Time
	lastStateChange time.Time

	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64

	onStateChange func(from, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures int

	// SuccessThreshold is the number of half-open successes needed to close
	SuccessThreshold int

	// Timeout is how long the circuit stays open before a probe is allowed
	Timeout time.Duration

	// IsFailure decides which errors count against the circuit. Errors it
	// rejects are passed through without changing state. Default: all errors.
	IsFailure func(error) bool

	// OnStateChange is called synchronously, outside the breaker's lock
	OnStateChange func(from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:      3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// New creates a new circuit breaker
func New(config Config) *Breaker {
	def := DefaultConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &Breaker{
		maxFailures:      config.MaxFailures,
		successThreshold: config.SuccessThreshold,
		timeout:          config.Timeout,
		isFailure:        config.IsFailure,
		now:              time.Now,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		onStateChange:    config.OnStateChange,
	}
}

// Call executes fn with circuit breaker protection. When the circuit is open
// fn is not called and a *CircuitOpenError is returned.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)

	// a cancelled fetch says nothing about upstream health
	if err != nil && ctx.Err() != nil {
		b.release()
		return err
	}

	b.Record(err)
	return err
}

// Allow reports whether a call may proceed. Every successful Allow must be
// followed by Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	b.totalRequests++

	var transition func()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastStateChange) < b.timeout {
			b.totalRejections++
			err := b.openError()
			b.mu.Unlock()
			return err
		}
		transition = b.setState(StateHalfOpen)
		b.probing = true

	case StateHalfOpen:
		// one probe at a time
		if b.probing {
			b.totalRejections++
			err := b.openError()
			b.mu.Unlock()
			return err
		}
		b.probing = true
	}

	b.mu.Unlock()
	if transition != nil {
		transition()
	}
	return nil
}

// Record records the outcome of an allowed call
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	b.probing = false

	var transition func()
	if err != nil && b.isFailure(err) {
		transition = b.onFailure(err)
	} else {
		transition = b.onSuccess()
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) onSuccess() func() {
	b.totalSuccesses++
	b.failures = 0

	if b.state != StateHalfOpen {
		return nil
	}

	b.successes++
	if b.successes >= b.successThreshold {
		b.successes = 0
		return b.setState(StateClosed)
	}
	return nil
}

func (b *Breaker) onFailure(err error) func() {
	b.totalFailures++
	b.failures++
	b.lastFailure = err
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			return b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		return b.setState(StateOpen)
	}
	return nil
}

// setState changes state under the lock and returns the callback to run
// once the lock is released
func (b *Breaker) setState(newState State) func() {
	oldState := b.state
	if oldState == newState {
		return nil
	}

	b.state = newState
	b.lastStateChange = b.now()

	if b.onStateChange == nil {
		return nil
	}
	cb := b.onStateChange
	return func() { cb(oldState, newState) }
}

func (b *Breaker) openError() *CircuitOpenError {
	return &CircuitOpenError{
		State:           b.state,
		Failures:        b.failures,
		LastFailureTime: b.lastFailureTime,
		RetryAt:         b.lastStateChange.Add(b.timeout),
		Cause:           b.lastFailure,
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// Stats returns circuit breaker statistics
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:           b.state,
		Failures:        b.failures,
		TotalRequests:   b.totalRequests,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State           State
	Failures        int
	TotalRequests   int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalRejections int64
	LastFailureTime time.Time
	LastStateChange time.Time
}

// CircuitOpenError is returned when the circuit rejects a call
type CircuitOpenError struct {
	State           State
	Failures        int
	LastFailureTime time.Time
	RetryAt         time.Time
	Cause           error
}

// Error implements the error interface
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s (failures: %d, retry at: %s)",
		e.State.String(), e.Failures, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error {
	return e.Cause
}

// IsCircuitOpen checks if error is a circuit open error
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}
