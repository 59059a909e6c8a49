// Package resilience provides the retry policy and circuit breaker shared by
// the indexer, the withdrawal pipeline and the external ledger client.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// =============================================================================
// Retry Policy
// =============================================================================

// Policy configures bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps any single delay.
	MaxBackoff time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// Jitter adds randomness to each delay (0.0 to 1.0).
	Jitter float64
	// Retryable decides whether an error is worth another attempt. Nil
	// retries everything except context cancellation.
	Retryable func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns sensible defaults for RPC calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// RecheckPolicy is one retry after a fixed delay, used to absorb propagation
// latency when re-reading external balances.
func RecheckPolicy(delay time.Duration) Policy {
	return Policy{
		MaxAttempts:    2,
		InitialBackoff: delay,
		MaxBackoff:     delay,
		Multiplier:     1,
	}
}

// Backoff returns the delay to wait after the given number of consecutive
// failures (1-based).
func (p Policy) Backoff(failures int) time.Duration {
	if failures <= 0 || p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(multiplier, float64(failures-1))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx ends. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Backoff(attempt-1)); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
