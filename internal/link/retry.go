package link

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vendlite/vendlite/internal/hwerr"
)

// RetryPolicy bounds how often one command is re-sent after a
// connection-level failure
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs fn until it succeeds, returns a non-connection error, or the
// policy is exhausted. Protocol errors are returned as-is on the first
// occurrence. Exhausting the attempts yields a HardwareUnavailable error
// wrapping the last connection failure.
func Do[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	tries := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		tries++
		res, err := fn()
		if err != nil && hwerr.KindOf(err) != hwerr.KindConnection {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Delay)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("link command failed, retrying",
				"op", op,
				"attempt", tries,
				"retry_in", next.String(),
				"error", err)
		}),
	)
	if err == nil {
		return res, nil
	}

	if hwerr.KindOf(err) == hwerr.KindConnection {
		return res, hwerr.New(hwerr.KindHardwareUnavailable, op, fmt.Errorf("gave up after %d attempts: %w", tries, err))
	}
	return res, err
}
