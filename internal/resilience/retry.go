// Package resilience provides retry and circuit breaker primitives for
// provider adapters.
//
// Provider failures fall into two classes. Transient failures (network
// resets, rate limits, timeouts) are retried within a small bounded
// budget; fatal failures (bad credentials, permanent provider errors)
// are surfaced immediately so the session can terminate. [Retry]
// implements the bounded retry loop and [CircuitBreaker] protects
// against hammering a provider that keeps failing across turns.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	// maxAttempts is the total call budget per operation, including the
	// first attempt.
	maxAttempts = 3

	// baseBackoff is the delay before the first retry.
	baseBackoff = 50 * time.Millisecond

	// maxBackoff caps the exponential backoff growth.
	maxBackoff = 250 * time.Millisecond
)

// Fatal wraps err to mark it as non-retryable. [Retry] stops immediately
// when fn returns a fatal error.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err is marked fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retry runs fn up to three times with exponential backoff capped at
// 250 ms. It stops early on success, on a fatal error (see [Fatal]), or
// when ctx is cancelled. The returned error is the last error fn
// produced, unwrapped from any fatal marker.
func Retry(ctx context.Context, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var fe *fatalError
		if errors.As(err, &fe) {
			return fe.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		delay := backoff(attempt)
		slog.Debug("transient failure, retrying",
			"op", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// backoff returns the delay before retry number attempt (1-based), with
// jitter of up to 25% to avoid thundering herds.
func backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 4))
	d += jitter
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
