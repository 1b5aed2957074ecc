package errors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"llmctl/internal/logging"
)

// RetryConfig configures the scheduler retry policy.
type RetryConfig struct {
	MaxAttempts  int             // total attempts including the first (default: 4, i.e. 3 retries)
	Delays       []time.Duration // per-retry delays (default: 0.5s, 2s, 8s)
	JitterFactor float64         // jitter randomization (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns the engine retry schedule: three retries at
// 0.5s, 2s and 8s with ±25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		Delays:       []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second},
		JitterFactor: 0.25,
	}
}

// Retry executes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult executes fn with the engine backoff schedule and returns its
// result. Only errors reporting IsRetryable are retried.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig()
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded on attempt %d/%d", attempt+1, config.MaxAttempts)
			}
			return result, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			logger.Debug("error is not retryable, giving up: %v", err)
			return zero, err
		}
		if attempt == config.MaxAttempts-1 {
			logger.Warn("retry budget exhausted after %d attempts", config.MaxAttempts)
			break
		}

		delay := backoffDelay(attempt, config)
		logger.Debug("attempt %d failed (%v), retrying in %v", attempt+1, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoffDelay picks the configured delay for the given retry and applies
// jitter in the range [-factor, +factor].
func backoffDelay(attempt int, config RetryConfig) time.Duration {
	var delay time.Duration
	switch {
	case len(config.Delays) == 0:
		delay = 500 * time.Millisecond << uint(attempt*2)
	case attempt < len(config.Delays):
		delay = config.Delays[attempt]
	default:
		delay = config.Delays[len(config.Delays)-1]
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
