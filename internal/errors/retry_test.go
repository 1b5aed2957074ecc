package errors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fastRetry keeps test backoff in the microsecond range.
func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		Delays:       []time.Duration{time.Microsecond, time.Microsecond, time.Microsecond},
		JitterFactor: 0,
	}
}

func TestRetrySucceedsAfterTransientConflicts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), nil, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return New(CodeStorageConflict, "row contended")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), nil, func(context.Context) error {
		attempts++
		return New(CodeValidation, "bad input")
	})
	require.Equal(t, CodeValidation, CodeOf(err))
	require.Equal(t, 1, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), nil, func(context.Context) error {
		attempts++
		return New(CodeProviderUnavailable, "still down")
	})
	require.Error(t, err)
	require.Equal(t, 4, attempts)
	require.Contains(t, err.Error(), "max retries exceeded")
	require.Equal(t, CodeProviderUnavailable, CodeOf(err))
}

func TestRetryWithResultReturnsValue(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetry(), nil, func(context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, New(CodeProviderTimeout, "slow upstream")
		}
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, 2, attempts)
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, fastRetry(), nil, func(context.Context) error {
		attempts++
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 0, attempts)
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 3, Delays: []time.Duration{time.Minute}}

	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, cfg, nil, func(context.Context) error {
			return New(CodeStorageConflict, "contended")
		})
	}()
	cancel()

	select {
	case err := <-errCh:
		require.Contains(t, err.Error(), "retry cancelled")
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestBackoffDelayFollowsSchedule(t *testing.T) {
	cfg := RetryConfig{Delays: []time.Duration{time.Second, 2 * time.Second}, JitterFactor: 0}
	require.Equal(t, time.Second, backoffDelay(0, cfg))
	require.Equal(t, 2*time.Second, backoffDelay(1, cfg))
	require.Equal(t, 2*time.Second, backoffDelay(5, cfg))

	jittered := backoffDelay(0, RetryConfig{Delays: []time.Duration{time.Second}, JitterFactor: 0.25})
	require.GreaterOrEqual(t, jittered, 750*time.Millisecond)
	require.LessOrEqual(t, jittered, 1250*time.Millisecond)
}
