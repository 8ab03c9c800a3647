// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// CircuitState mirrors gobreaker.State under this package's own name, so
// callers don't need to import gobreaker directly.
type CircuitState int32

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

func fromGobreakerState(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is open or the
// half-open probe slot is already taken — gobreaker's own sentinel errors,
// re-exported under this package's established name.
var ErrCircuitOpen = gobreaker.ErrOpenState
var ErrTooManyRequest = gobreaker.ErrTooManyRequests

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	Name               string
	FailureThreshold   int           // consecutive failures before tripping open
	SuccessThreshold   int           // not passed to gobreaker, which closes after MaxHalfOpenRequest consecutive half-open successes
	Timeout            time.Duration // how long the breaker stays open before probing
	MaxHalfOpenRequest int
}

// DefaultCircuitBreakerConfig returns the defaults this codebase's Graph
// client and other outbound HTTP callers trip on: 5 consecutive failures,
// 30s open window, a single half-open probe.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:               name,
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		MaxHalfOpenRequest: 1,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker, keeping this package's
// existing Execute/Stats/Reset surface so call sites didn't need to change
// when the hand-rolled state machine was swapped out for gobreaker.
type CircuitBreaker struct {
	cb            *gobreaker.CircuitBreaker
	name          string
	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig("default")
	}

	wrapper := &CircuitBreaker{name: cfg.Name}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.MaxHalfOpenRequest),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if wrapper.onStateChange != nil {
				wrapper.onStateChange(name, fromGobreakerState(from), fromGobreakerState(to))
			}
		},
	}
	wrapper.cb = gobreaker.NewCircuitBreaker(settings)
	return wrapper
}

// OnStateChange sets a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.onStateChange = fn
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	return fromGobreakerState(cb.cb.State())
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn with circuit breaker protection, short-circuiting with
// ErrCircuitOpen/ErrTooManyRequest instead of calling fn when the breaker
// won't admit the request.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Reset has no gobreaker equivalent; a fresh breaker is created in its place
// since gobreaker does not expose a public state-reset method.
func (cb *CircuitBreaker) Reset() {
	cfg := DefaultCircuitBreakerConfig(cb.name)
	*cb = *NewCircuitBreaker(cfg)
}

// CircuitBreakerStats returns current circuit breaker statistics.
type CircuitBreakerStats struct {
	Name      string
	State     string
	Failures  int
	Successes int
}

// Stats returns current statistics, read from gobreaker's rolling Counts.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	counts := cb.cb.Counts()
	return CircuitBreakerStats{
		Name:      cb.name,
		State:     cb.State().String(),
		Failures:  int(counts.ConsecutiveFailures),
		Successes: int(counts.ConsecutiveSuccesses),
	}
}
