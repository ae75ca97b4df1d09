// Package resilience guards the control loop's external collaborators.
// A failing cache or metrics source must degrade the loop, never stop it.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig contains circuit breaker tuning
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures required to
	// open the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long to wait before probing recovery.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// SuccessThreshold is the number of successes required in half-open
	// state to close the circuit.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultCircuitBreakerConfig provides defaults tuned for cache and
// metrics-source calls on the evaluation tick.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 3,
	}
}

// CircuitBreakerStats is a snapshot of breaker state and counters
type CircuitBreakerStats struct {
	State            CircuitState `json:"state"`
	FailureCount     int64        `json:"failure_count"`
	SuccessCount     int64        `json:"success_count"`
	RequestCount     int64        `json:"request_count"`
	LastFailureTime  time.Time    `json:"last_failure_time,omitempty"`
	StateChangedTime time.Time    `json:"state_changed_time"`
	NextRetryTime    time.Time    `json:"next_retry_time,omitempty"`
}

// CircuitBreaker implements the three-state breaker pattern: closed passes
// requests through, open fails fast, half-open probes recovery.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clock  types.Clock
	logger *zap.Logger
	name   string

	mu               sync.Mutex
	state            CircuitState
	failureCount     int64
	successCount     int64
	requestCount     int64
	lastFailureTime  time.Time
	stateChangedTime time.Time
	nextRetryTime    time.Time
}

// NewCircuitBreaker creates a breaker guarding the named collaborator.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, clock types.Clock, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config:           config,
		clock:            clock,
		logger:           logger.Named("circuit-breaker").With(zap.String("name", name)),
		name:             name,
		state:            StateClosed,
		stateChangedTime: clock.Now(),
	}
}

// Do runs fn under breaker protection. When the circuit is open the call
// fails fast with a CircuitBreakerError.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return &CircuitBreakerError{Name: cb.name, State: cb.State()}
	}

	if err := fn(ctx); err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

// allow decides whether a request may proceed, transitioning open circuits
// to half-open once the recovery timeout elapses.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clock.Now().After(cb.nextRetryTime) {
		cb.setStateLocked(StateHalfOpen)
	}
	return cb.state != StateOpen
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.requestCount++
	cb.lastFailureTime = cb.clock.Now()

	cb.logger.Warn("Recorded failure",
		zap.Error(err),
		zap.Int64("failure_count", cb.failureCount))

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= int64(cb.config.FailureThreshold) {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit.
		cb.setStateLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.requestCount++

	if cb.state == StateHalfOpen && cb.successCount >= int64(cb.config.SuccessThreshold) {
		cb.setStateLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) setStateLocked(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.stateChangedTime = cb.clock.Now()

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case StateOpen:
		cb.nextRetryTime = cb.clock.Now().Add(cb.config.RecoveryTimeout)
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
	}

	cb.logger.Info("State changed",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()))
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.clock.Now().After(cb.nextRetryTime) {
		cb.setStateLocked(StateHalfOpen)
	}
	return cb.state
}

// Stats returns a snapshot of breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		RequestCount:     cb.requestCount,
		LastFailureTime:  cb.lastFailureTime,
		StateChangedTime: cb.stateChangedTime,
		NextRetryTime:    cb.nextRetryTime,
	}
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setStateLocked(StateClosed)
}

// CircuitBreakerError is returned on fast-failed calls.
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// IsCircuitBreakerError reports whether err is a fast-fail from a breaker.
func IsCircuitBreakerError(err error) bool {
	_, ok := err.(*CircuitBreakerError)
	return ok
}
