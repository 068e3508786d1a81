package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrRetryAborted       = errors.New("retry aborted")
)

// Default retry policy for persisting events
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultMultiplier     = 2.0
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool

	// OnRetry is called before each wait with the failed attempt number
	// (starting at 1), the error, and the upcoming backoff.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped
// error immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	return c
}

// Retry executes fn with exponential backoff. At most MaxRetries+1 attempts
// are made; the wait before retry n is InitialBackoff*Multiplier^(n-1),
// capped at MaxBackoff.
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	config = config.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if !isRetryable(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		backoff := ExponentialBackoff(attempt, config.InitialBackoff, config.Multiplier, config.MaxBackoff)
		if config.Jitter {
			backoff = addJitter(backoff)
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrRetryAborted, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}

// isRetryable reports whether err should trigger another attempt.
// Context errors never do.
func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// addJitter spreads d uniformly over ±10%
func addJitter(d time.Duration) time.Duration {
	jitter := float64(d) * 0.2
	return time.Duration(float64(d) - jitter/2 + rand.Float64()*jitter)
}

// ExponentialBackoff calculates exponential backoff duration
func ExponentialBackoff(attempt int, initial time.Duration, multiplier float64, max time.Duration) time.Duration {
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))
	if backoff > float64(max) {
		return max
	}
	return time.Duration(backoff)
}
