package moray

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// toBackOff converts a RecoveryPolicy into a cenkalti/backoff curve. A
// Retries of 0 means "try once, never retry" rather than "retry forever".
// This curve drives TCP connect retries (see NewDialer); DNS queries use the
// resolver package's own queryPolicy.
func (p RecoveryPolicy) toBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 50 * time.Millisecond
	}
	eb.MaxInterval = p.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 2 * time.Second
	}
	eb.MaxElapsedTime = p.MaxTimeout
	return backoff.WithMaxRetries(eb, uint64(p.Retries))
}

// retry runs op, retrying per policy until it succeeds, the policy is
// exhausted, or ctx is done. Each individual attempt is bounded by
// policy.Timeout, distinct from MaxTimeout which bounds the whole retry
// budget.
func retry(ctx context.Context, policy RecoveryPolicy, op func(context.Context) error) error {
	attempt := func() error {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}
		return op(attemptCtx)
	}

	bo := backoff.WithContext(policy.toBackOff(), ctx)
	return backoff.Retry(attempt, bo)
}
