package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

var errRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy configures exponential backoff for transient conflicts.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

type retryer struct {
	policy    RetryPolicy
	retryable func(error) bool
	onRetry   func(attempt int, err error)
	logger    zerolog.Logger
}

func newRetryer(policy RetryPolicy, retryable func(error) bool, logger zerolog.Logger) *retryer {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 10 * time.Millisecond
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2
	}

	return &retryer{policy: policy, retryable: retryable, logger: logger}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the policy is exhausted.
// Exhaustion wraps errRetriesExhausted together with the last error.
func (r *retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			r.logger.Debug().
				Int("attempt", attempt).
				Int("max_retries", r.policy.MaxRetries).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying after conflict")
			if r.onRetry != nil {
				r.onRetry(attempt, lastErr)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if r.retryable == nil || !r.retryable(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn().Int("attempts", r.policy.MaxRetries+1).Err(lastErr).Msg("retries exhausted")
	return fmt.Errorf("%w after %d attempts: %w", errRetriesExhausted, r.policy.MaxRetries+1, lastErr)
}

func (r *retryer) delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		spread := delay * 0.25
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}
