package ratelim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Backoff retries an operation a bounded number of times, doubling the delay
// between attempts. A shared limiter caps how often attempts may start across
// every caller using the same Backoff.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	limiter *rate.Limiter
}

// NewBackoff builds a Backoff. attempts below 1 are treated as 1.
func NewBackoff(attempts int, base time.Duration) *Backoff {
	if attempts < 1 {
		attempts = 1
	}
	return &Backoff{
		Attempts:  attempts,
		BaseDelay: base,
		MaxDelay:  5 * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(20), 5),
	}
}

// Permanent wraps err so Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// policy is built per call; ExponentialBackOff is not safe for concurrent use.
func (b *Backoff) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.BaseDelay
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = b.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.Attempts-1)), ctx)
}

// Retry calls op until it succeeds, returns a Permanent error, ctx ends, or
// the attempts run out. The last error is returned wrapped.
func (b *Backoff) Retry(ctx context.Context, op func(context.Context) error) error {
	var last error
	attempts := 0
	permanent := false

	err := backoff.Retry(func() error {
		if b.limiter != nil {
			if werr := b.limiter.Wait(ctx); werr != nil {
				return backoff.Permanent(werr)
			}
		}
		attempts++
		last = op(ctx)
		var perm *backoff.PermanentError
		if errors.As(last, &perm) {
			permanent = true
		}
		return last
	}, b.policy(ctx))

	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("retry aborted after %d attempts: %w", attempts, errors.Join(ctx.Err(), last))
	default:
		return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
	}
}
