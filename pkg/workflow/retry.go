package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/orquestra/pkg/persistence"
)

// RetryPolicy bounds the replays of a read-modify-write that lost a write conflict.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      10,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// BackOff is the exponential schedule of the policy, bounded by its retries and by ctx.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// retry runs fn until it stops returning persistence.ErrWriteConflict. fn must reload
// every record it writes. Other errors end the loop at once.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	attempts := 0

	err := backoff.Retry(func() error {
		attempts++

		err := fn()
		if err == nil {
			return nil
		}

		if persistence.IsWriteConflict(err) {
			s.metrics.WriteConflict(op)
			s.logger.DebugContext(ctx, "write conflict, retrying", "operation", op, "attempt", attempts)

			return err
		}

		return backoff.Permanent(err)
	}, s.retryPolicy.BackOff(ctx))

	if persistence.IsWriteConflict(err) {
		return fmt.Errorf("%w: %s gave up after %d attempts: %w", ErrRetryExhausted, op, attempts, err)
	}

	return err
}
