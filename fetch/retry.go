package fetch

import (
	"context"
	"time"

	"github.com/cenk/backoff"

	"github.com/git-pkgs/depot/internal/core"
)

// Retry calls op up to attempts times, waiting with exponential backoff
// from delay between tries. Only transient failures (core.IsTransient or
// Retryable) are retried; anything else is returned at once.
func Retry(ctx context.Context, attempts int, delay time.Duration, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = delay
		exp.RandomizationFactor = 0.1
		exp.MaxElapsedTime = 0
		exp.Reset()
		policy = backoff.WithMaxRetries(exp, uint64(attempts-1))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil || core.IsTransient(err) || Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
