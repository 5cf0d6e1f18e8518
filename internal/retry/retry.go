// Package retry runs an operation with bounded attempts and jittered exponential backoff.
// It is used for audit-log page fetches, where rate limiting and network hiccups are
// expected and a handful of retries usually gets through.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"
)

// Predicate reports whether err is worth another attempt.
type Predicate func(error) bool

// Config controls retry behavior.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the retry policy used for upstream API calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Do calls fn until it succeeds, the predicate rejects the error, attempts run out, or
// ctx is done. fn receives the 1-based attempt number. When ctx ends while waiting
// between attempts, ctx.Err() is returned.
func Do(ctx context.Context, config Config, shouldRetry Predicate, fn func(attempt int) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if shouldRetry == nil {
		shouldRetry = IsNetworkError
	}

	var err error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt == config.MaxAttempts || !shouldRetry(err) {
			return err
		}

		if !sleep(ctx, backoffDelay(config.BaseDelay, config.MaxDelay, attempt)) {
			return ctx.Err()
		}
	}

	return err
}

// IsNetworkError reports whether err looks like a transient transport failure.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// backoffDelay doubles base for every attempt, caps at max, and applies full jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base << (attempt - 1)
	if delay <= 0 || (max > 0 && delay > max) {
		delay = max
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay) + 1))
}

func sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
