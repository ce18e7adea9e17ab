package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/errs"
)

func testBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		FailureThreshold:    0.5,
		RecoveryTimeoutSecs: 300,
		WindowSecs:          60,
		MinSamples:          10,
		HalfOpenSuccesses:   10,
	}
}

// fakeClock lets tests drive the cooldown without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClockBreaker(cfg config.CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(cfg).WithClock(clock.Now), clock
}

func TestClosedToOpenAfterFailures(t *testing.T) {
	cb, _ := newFakeClockBreaker(testBreakerConfig())

	assert.Equal(t, Closed, cb.State())

	// 10 consecutive failures = 100% error rate at the minimum sample.
	for i := 0; i < 10; i++ {
		assert.True(t, cb.Allow())
		cb.RecordResult(false)
	}

	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow(), "open circuit must reject immediately")
}

func TestBelowMinSamplesDoesNotTrip(t *testing.T) {
	cb, _ := newFakeClockBreaker(testBreakerConfig())

	for i := 0; i < 9; i++ {
		cb.RecordResult(false)
	}
	assert.Equal(t, Closed, cb.State())
}

func TestBelowThresholdStaysClosed(t *testing.T) {
	cb, _ := newFakeClockBreaker(testBreakerConfig())

	// 6 successes, 4 failures: 40% < 50% threshold.
	for i := 0; i < 6; i++ {
		cb.RecordResult(true)
	}
	for i := 0; i < 4; i++ {
		cb.RecordResult(false)
	}

	assert.Equal(t, Closed, cb.State())
	assert.InDelta(t, 0.4, cb.ErrorRate(), 0.01)
}

func TestOpenToHalfOpenAfterCooldown(t *testing.T) {
	cb, clock := newFakeClockBreaker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		cb.RecordResult(false)
	}
	require.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow())

	clock.Advance(5*time.Minute + time.Second)

	// First admitted call after cooldown is the half-open probe.
	assert.True(t, cb.Allow())
	assert.Equal(t, HalfOpen, cb.State())
}

func TestHalfOpenToClosedAfterSuccesses(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.HalfOpenSuccesses = 5
	cb, clock := newFakeClockBreaker(cfg)

	for i := 0; i < 10; i++ {
		cb.RecordResult(false)
	}
	clock.Advance(6 * time.Minute)
	require.True(t, cb.Allow())
	require.Equal(t, HalfOpen, cb.State())

	// Results recorded in half-open no longer sit inside the trip
	// window evaluation; 5 consecutive successes close the circuit.
	for i := 0; i < 5; i++ {
		assert.True(t, cb.Allow())
		cb.RecordResult(true)
	}
	assert.Equal(t, Closed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newFakeClockBreaker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		cb.RecordResult(false)
	}
	clock.Advance(6 * time.Minute)
	require.True(t, cb.Allow())
	require.Equal(t, HalfOpen, cb.State())

	cb.RecordResult(true)
	cb.RecordResult(false)

	assert.Equal(t, Open, cb.State())
	// Cooldown restarted: still rejecting just after the failure.
	assert.False(t, cb.Allow())
}

func TestManualReset(t *testing.T) {
	cb, _ := newFakeClockBreaker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		cb.RecordResult(false)
	}
	require.Equal(t, Open, cb.State())

	cb.Reset()
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, 0.0, cb.ErrorRate())
}

func TestRetryerRetriesTransientThenSucceeds(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts:       5,
		InitialBackoffMs:  1,
		MaxBackoffMs:      5,
		BackoffMultiplier: 2,
	}
	r := NewRetryer(cfg, nil)

	calls := 0
	err := r.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.E(errs.TransientStorage, "test", "flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerSkipsPermanentErrors(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 1, MaxBackoffMs: 5, BackoffMultiplier: 2}
	r := NewRetryer(cfg, nil)

	calls := 0
	err := r.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errs.E(errs.PermanentStorage, "test", "denied")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
	assert.Equal(t, errs.PermanentStorage, errs.KindOf(err))
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	cfg := config.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 5, BackoffMultiplier: 2}
	r := NewRetryer(cfg, nil)

	calls := 0
	err := r.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errs.E(errs.TransientStorage, "test", "down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryerRejectsWhenCircuitOpen(t *testing.T) {
	cbCfg := testBreakerConfig()
	cb, _ := newFakeClockBreaker(cbCfg)
	for i := 0; i < 10; i++ {
		cb.RecordResult(false)
	}
	require.Equal(t, Open, cb.State())

	r := NewRetryer(config.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 5, BackoffMultiplier: 2}, cb)

	calls := 0
	err := r.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls, "open circuit must reject before the backend is touched")
	assert.Equal(t, errs.CircuitOpen, errs.KindOf(err))
}

func TestRetryerEndToEndRecovery(t *testing.T) {
	// Mock backend that fails 10 times, then succeeds forever.
	cbCfg := testBreakerConfig()
	cbCfg.HalfOpenSuccesses = 3
	cb, clock := newFakeClockBreaker(cbCfg)
	r := NewRetryer(config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 2, BackoffMultiplier: 2}, cb)

	failures := 0
	backend := func(ctx context.Context) error {
		if failures < 10 {
			failures++
			return errs.E(errs.TransientStorage, "mock", "unavailable")
		}
		return nil
	}

	// First 10 calls fail and trip the breaker.
	for i := 0; i < 10; i++ {
		err := r.Do(context.Background(), "mock", backend)
		require.Error(t, err)
	}
	require.Equal(t, Open, cb.State())

	// 11th call is rejected immediately with CircuitOpen.
	err := r.Do(context.Background(), "mock", backend)
	require.Error(t, err)
	assert.Equal(t, errs.CircuitOpen, errs.KindOf(err))

	// After cooldown the probe succeeds; consecutive successes close.
	clock.Advance(6 * time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Do(context.Background(), "mock", backend))
	}
	assert.Equal(t, Closed, cb.State())
}

func TestRetryerDoesNotRetryPlainErrors(t *testing.T) {
	r := NewRetryer(config.RetryConfig{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 2, BackoffMultiplier: 2}, nil)

	calls := 0
	err := r.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errors.New("unclassified")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "unclassified errors are not retryable")
}
