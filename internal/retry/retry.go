// Package retry runs fallible calls under a fixed attempt cap and delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultDelay       = time.Second
)

// ErrExhausted is returned (wrapping the last error) when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy is a fixed-delay retry policy.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Default returns 5 attempts with a 1 second pause between them.
func Default() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

// Outcome describes how a Do call ended.
type Outcome struct {
	Attempts int
	Err      error
}

// OK reports whether the call eventually succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do stops retrying and returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempt cap is
// reached or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) Outcome {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Outcome{Attempts: attempt - 1, Err: fmt.Errorf("%w: %w", ctx.Err(), lastErr)}
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return Outcome{Attempts: attempt}
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return Outcome{Attempts: attempt, Err: perm.err}
		}
		lastErr = err

		if ctx.Err() != nil {
			return Outcome{Attempts: attempt, Err: fmt.Errorf("%w: %w", ctx.Err(), err)}
		}
	}

	return Outcome{Attempts: attempts, Err: fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)}
}
