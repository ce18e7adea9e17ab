package breaker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/errs"
)

// Retryer runs operations under exponential backoff with jitter,
// guarded by a circuit breaker. Errors classified Permanent skip
// retries entirely; an open circuit rejects the call without touching
// the backend.
type Retryer struct {
	cfg     config.RetryConfig
	breaker *CircuitBreaker
}

// NewRetryer creates a retryer. The breaker may be nil for paths that
// only need backoff (manifest CAS uses its own Conflict-driven loop).
func NewRetryer(cfg config.RetryConfig, cb *CircuitBreaker) *Retryer {
	return &Retryer{cfg: cfg, breaker: cb}
}

// Breaker exposes the guarding circuit breaker, if any.
func (r *Retryer) Breaker() *CircuitBreaker { return r.breaker }

func (r *Retryer) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialBackoff()
	bo.MaxInterval = r.cfg.MaxBackoff()
	bo.Multiplier = r.cfg.BackoffMultiplier
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	var b backoff.BackOff = bo
	if r.cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.cfg.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn until it succeeds, exhausts the attempt budget, or fails
// permanently. Each attempt's outcome is recorded in the breaker. The
// returned error keeps its semantic kind so async callers can decide
// between surfacing and parking to the DLQ.
func (r *Retryer) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r.breaker != nil && !r.breaker.Allow() {
		return errs.E(errs.CircuitOpen, op, "circuit breaker open")
	}

	attempt := func() error {
		err := fn(ctx)
		if r.breaker != nil {
			r.breaker.RecordResult(err == nil)
		}
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		// Subsequent attempts still honor the breaker: if this attempt
		// tripped it, stop retrying against a known-bad backend.
		if r.breaker != nil && !r.breaker.Allow() {
			return backoff.Permanent(errs.E(errs.CircuitOpen, op, "circuit breaker opened during retry"))
		}
		return err
	}

	return backoff.Retry(attempt, r.newBackOff(ctx))
}

// DoWithTimeout is Do bounded by an additional per-call deadline.
func (r *Retryer) DoWithTimeout(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.Do(ctx, op, fn)
}
