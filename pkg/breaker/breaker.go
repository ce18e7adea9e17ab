package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/log"
	"github.com/stratadb/strata/pkg/metrics"
)

// State is the circuit breaker state.
type State uint8

const (
	// Closed: normal operation, all requests allowed.
	Closed State = iota
	// Open: circuit tripped, requests rejected until cooldown elapses.
	Open
	// HalfOpen: testing recovery, probes allowed.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

type result struct {
	at time.Time
	ok bool
}

// CircuitBreaker is a three-state failure-rate machine guarding
// object-store calls. The error rate is computed over a sliding time
// window; the circuit trips when at least MinSamples results exist in
// the window and the failure ratio exceeds the threshold.
type CircuitBreaker struct {
	cfg    config.CircuitBreakerConfig
	logger zerolog.Logger
	now    func() time.Time

	mu                sync.Mutex
	state             State
	window            []result
	lastTransition    time.Time
	halfOpenSuccesses int
}

// New creates a breaker in the Closed state.
func New(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:    cfg,
		logger: log.WithComponent("breaker"),
		now:    time.Now,
		state:  Closed,
	}
}

// WithClock overrides the time source. Used by tests to drive the
// cooldown without sleeping.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ErrorRate returns the failure ratio over the current window.
func (cb *CircuitBreaker) ErrorRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked()
	if len(cb.window) == 0 {
		return 0
	}
	failures := 0
	for _, r := range cb.window {
		if !r.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(cb.window))
}

// Allow reports whether a request may proceed. In the Open state the
// first call after the cooldown elapses transitions to HalfOpen and is
// admitted as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if cb.now().Sub(cb.lastTransition) >= cb.cfg.RecoveryTimeout() {
			cb.transitionLocked(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return true
	}
	return false
}

// RecordResult feeds an outcome into the window and applies the state
// transitions: Closed trips to Open past the threshold, HalfOpen closes
// after the configured consecutive successes and reopens on any
// failure.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.window = append(cb.window, result{at: cb.now(), ok: success})
	cb.pruneLocked()

	switch cb.state {
	case Closed:
		total := len(cb.window)
		failures := 0
		for _, r := range cb.window {
			if !r.ok {
				failures++
			}
		}
		if total >= cb.cfg.MinSamples && float64(failures)/float64(total) > cb.cfg.FailureThreshold {
			cb.logger.Warn().
				Float64("error_rate", float64(failures)/float64(total)).
				Float64("threshold", cb.cfg.FailureThreshold).
				Msg("Circuit breaker tripping")
			cb.transitionLocked(Open)
		}
	case HalfOpen:
		if success {
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.HalfOpenSuccesses {
				cb.logger.Info().
					Int("successes", cb.halfOpenSuccesses).
					Msg("Circuit breaker closing after recovery")
				cb.transitionLocked(Closed)
			}
		} else {
			cb.logger.Warn().Msg("Circuit breaker failure during half-open, reopening")
			cb.transitionLocked(Open)
		}
	}
}

// Reset forces the breaker back to Closed and clears the window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.window = cb.window[:0]
	cb.transitionLocked(Closed)
	cb.logger.Info().Msg("Circuit breaker manually reset")
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	cb.state = to
	cb.lastTransition = cb.now()
	cb.halfOpenSuccesses = 0
	metrics.CircuitBreakerState.Set(float64(to))
}

func (cb *CircuitBreaker) pruneLocked() {
	cutoff := cb.now().Add(-cb.cfg.Window())
	i := 0
	for i < len(cb.window) && cb.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.window = append(cb.window[:0], cb.window[i:]...)
	}
}
