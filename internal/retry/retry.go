// Package retry re-runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as final: Policy.Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e *delayedError) Error() string { return e.err.Error() }
func (e *delayedError) Unwrap() error { return e.err }

// After marks err as retryable no sooner than d, for remote sides that say
// when to come back (HTTP Retry-After).
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{err: err, after: d}
}

// Policy says how often and how patiently an operation is retried.
type Policy struct {
	// Attempts counts every call including the first; below 1 means one call.
	Attempts int
	// BaseDelay doubles per retry, with +-25% jitter.
	BaseDelay time.Duration
	// MaxDelay caps one wait, including waits asked for via After. Zero
	// leaves it uncapped.
	MaxDelay time.Duration
	// Retryable picks the errors worth another try. Nil retries all but
	// permanent ones.
	Retryable func(error) bool
	// OnRetry sees each failed attempt that is about to be retried.
	OnRetry func(attempt int, err error)
}

// Do calls fn, passing the zero-based attempt number, until it succeeds,
// fails for good, runs out of attempts or ctx ends. Errors come back
// unwrapped from Permanent and After.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := range attempts {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		wait := p.Backoff(attempt)
		var de *delayedError
		if errors.As(err, &de) {
			err = de.err
			wait = max(wait, p.cap(de.after))
		}
		if (p.Retryable != nil && !p.Retryable(err)) || attempt == attempts-1 {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// Backoff is the jittered wait after the given failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for range attempt {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if d <= 0 {
		return 0
	}
	spread := d / 2
	return p.cap(d - spread/2 + rand.N(spread+1))
}

func (p Policy) cap(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
