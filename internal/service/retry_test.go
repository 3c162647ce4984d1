package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func TestRetryerRetriesRetryableErrors(t *testing.T) {
	retries := 0
	r := newRetryer(RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(err error) bool {
		return errors.Is(err, errConflict)
	}, testLogger())
	r.onRetry = func(int, error) { retries++ }

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestRetryerStopsOnPermanentError(t *testing.T) {
	r := newRetryer(RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond}, func(err error) bool {
		return errors.Is(err, errConflict)
	}, testLogger())

	permanent := errors.New("boom")
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestRetryerReportsExhaustion(t *testing.T) {
	r := newRetryer(RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}, func(error) bool { return true }, testLogger())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return errConflict
	})
	require.ErrorIs(t, err, errRetriesExhausted)
	require.ErrorIs(t, err, errConflict)
	require.Equal(t, 3, calls)
}

func TestRetryerHonoursContext(t *testing.T) {
	r := newRetryer(RetryPolicy{MaxRetries: 10, InitialDelay: time.Second}, func(error) bool { return true }, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	err := r.Do(ctx, func() error {
		cancel()
		return errConflict
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryerDelayIsBounded(t *testing.T) {
	r := newRetryer(RetryPolicy{MaxRetries: 10, InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, Jitter: true}, nil, testLogger())

	for attempt := 1; attempt <= 10; attempt++ {
		delay := r.delay(attempt)
		require.GreaterOrEqual(t, delay, 10*time.Millisecond)
		require.LessOrEqual(t, delay, 50*time.Millisecond)
	}
}
