// Package retry implements bounded exponential backoff with jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy bounds an attempt chain. MaxAttempts counts the first try, so a
// policy of 3 attempts performs at most 2 retries.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool

	// AttemptTimeout bounds each individual attempt. Zero means unbounded.
	AttemptTimeout time.Duration

	// DetachAttempts runs each attempt on a context that survives parent
	// cancellation (bounded by AttemptTimeout). Retries still stop once the
	// parent is done; only the in-flight attempt finishes naturally.
	DetachAttempts bool
}

// DefaultPolicy mirrors the runtime defaults: 3 attempts, 1000 ms initial
// delay, 2x backoff, 10000 ms cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1000 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10000 * time.Millisecond,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1000 * time.Millisecond
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10000 * time.Millisecond
	}
	return p
}

// Delay computes the backoff before the given retry (attempt is 1-based; the
// delay precedes attempt+1). Exponential growth capped at MaxDelay, with
// optional +/-25% jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or the parent context is done between attempts. It returns
// the last value, the number of attempts actually made, and the last error.
// A nil retryable predicate retries every error.
func Do[T any](ctx context.Context, policy Policy, logger *zap.Logger, retryable func(error) bool, fn func(context.Context) (T, error)) (T, int, error) {
	policy = policy.normalized()
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		result  T
		lastErr error
	)

	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt

		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.DetachAttempts {
			attemptCtx = context.WithoutCancel(ctx)
		}
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(attemptCtx, policy.AttemptTimeout)
		}

		result, lastErr = fn(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if lastErr == nil {
			if attempt > 1 {
				logger.Debug("attempt succeeded after retry", zap.Int("attempt", attempt))
			}
			return result, attempts, nil
		}

		if retryable != nil && !retryable(lastErr) {
			logger.Debug("error is not retryable", zap.Error(lastErr))
			return result, attempts, lastErr
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		logger.Debug("retrying after backoff",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			// No retries once the run is cancelled; the last natural
			// failure stands.
			return result, attempts, lastErr
		case <-time.After(delay):
		}
	}

	logger.Debug("attempt budget exhausted",
		zap.Int("attempts", attempts),
		zap.Error(lastErr))

	return result, attempts, lastErr
}
