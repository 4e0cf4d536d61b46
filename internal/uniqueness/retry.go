package uniqueness

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Klingon-tech/klingnet-notary/internal/commitlog"
)

// withRetry runs op until it succeeds, fails with a non-transient error,
// or has been retried maxRetries times. Waits grow exponentially from base.
func withRetry[T any](ctx context.Context, base time.Duration, maxRetries int, onRetry func(error, time.Duration), op func() (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	exp.MaxInterval = base << 6

	if maxRetries < 0 {
		maxRetries = 0
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(maxRetries) + 1),
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !commitlog.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
