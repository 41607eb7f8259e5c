package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds retries of a transient external failure.
type RetryPolicy struct {
	Retries     int           // retries after the first attempt
	InitialWait time.Duration // first backoff, doubled per retry
	MaxWait     time.Duration
	Timeout     time.Duration // per-attempt deadline; zero means none
}

// DefaultRetry is two retries starting at 200ms.
var DefaultRetry = RetryPolicy{
	Retries:     2,
	InitialWait: 200 * time.Millisecond,
	MaxWait:     5 * time.Second,
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExternalUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// retry runs op until it succeeds, fails permanently, or attempts run out.
// Each attempt gets its own timeout; the parent ctx aborts the whole loop.
func retry[T any](ctx context.Context, p RetryPolicy, name string, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialWait
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if p.MaxWait > 0 {
		b.MaxInterval = p.MaxWait
	}

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		defer cancel()

		v, err := op(actx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = Unavailable(name, err)
		}
		if !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		externalCalls.WithLabelValues(name, "retryable").Inc()
		log.Ctx(ctx).Warn().Err(err).Str("capability", name).Int("attempt", attempt).Msg("external call failed")
		return v, err
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.Retries+1)),
	)
}
