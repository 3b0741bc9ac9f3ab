// Package retry runs an operation under a bounded retry policy.
//
// The delay function is a field on the policy so tests can substitute a
// deterministic sleeper and count attempts without waiting.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy controls how many times an operation runs and how long to wait
// between attempts.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first. Values
	// below 1 are treated as 1.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Exponential doubles Delay after every failed attempt, capped at MaxDelay.
	Exponential bool
	MaxDelay    time.Duration
	// Jitter adds a random duration in [0, Delay) to every wait.
	Jitter bool
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Backoff returns an exponential policy with jitter.
func Backoff(attempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: base, Exponential: true, MaxDelay: max, Jitter: true}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return "retries exhausted: " + e.Err.Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. The returned error wraps the last failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		if err := p.sleep(ctx, p.delay(attempt)); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// delay computes the wait after the given zero-based failed attempt.
func (p Policy) delay(attempt int) time.Duration {
	d := p.Delay
	if p.Exponential {
		d = p.Delay << uint(attempt)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
	}
	if p.Jitter && p.Delay > 0 {
		d += time.Duration(rand.Int63n(int64(p.Delay)))
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
