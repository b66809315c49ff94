package crawler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryPolicyDoRetriesTransient(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond})
	p.sleep = noSleep

	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewSourceError(SourceTags, http.StatusServiceUnavailable, nil)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, calls)
}

func TestRetryPolicyDoStopsAtBudget(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{MaxAttempts: 3})
	p.sleep = noSleep

	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return NewSourceError(SourceTags, http.StatusTooManyRequests, nil)
	})
	require.ErrorIs(t, err, ErrTransient)
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, calls)
}

func TestRetryPolicyDoDoesNotRetryNotFound(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{MaxAttempts: 5})
	p.sleep = noSleep

	calls := 0
	_, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return NewSourceError(SourceLowLevel, http.StatusNotFound, nil)
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, calls)
}

func TestRetryPolicyDoHonorsContext(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Do(ctx, func(context.Context) error {
		return NewSourceError(SourceHighLevel, http.StatusBadGateway, nil)
	})
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicyWithRetryable(t *testing.T) {
	t.Parallel()

	storageErr := errors.New("disk full")
	p := NewRetryPolicy(RetryConfig{MaxAttempts: 2}).WithRetryable(func(err error) bool {
		return errors.Is(err, storageErr)
	})
	p.sleep = noSleep

	calls := 0
	_, err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return storageErr
	})
	require.ErrorIs(t, err, storageErr)
	require.Equal(t, 2, calls)
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
	require.GreaterOrEqual(t, p.Backoff(1), 50*time.Millisecond)
}
