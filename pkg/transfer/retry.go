package transfer

import (
	"context"
	"time"
)

// RetryPolicy bounds acknowledgement retries: MaxAttempts tries, Backoff
// delay before each retry, doubling per attempt. Injected into the manager
// rather than scattered across call sites.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Do runs fn with a per-attempt timeout until it succeeds, attempts are
// exhausted, or ctx is canceled.
func (p RetryPolicy) Do(ctx context.Context, attemptTimeout time.Duration, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := p.Backoff

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		lastErr = fn(attemptCtx)

		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return lastErr
}
