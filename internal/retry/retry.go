// Package retry implements bounded retry with exponential backoff,
// parameterized by a retryability predicate so each collaborator
// (storage, payment, notification) gets its own policy.
package retry

import (
	"context"
	"time"

	"github.com/carevista/clinic-scheduling/internal/apperr"
)

type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(error) bool
}

// StoragePolicy retries transient network/timeout errors and
// duplicate-key races. A duplicate key on a unique constraint may be a
// benign concurrent-creation race when the conflicting write is
// idempotent, so the re-read on retry resolves it.
func StoragePolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		ShouldRetry: func(err error) bool {
			switch apperr.KindOf(err) {
			case apperr.Transient, apperr.DuplicateKey:
				return true
			}
			return false
		},
	}
}

// PaymentPolicy retries only transport-level failures. Business
// validation failures (declined card, insufficient funds) must never be
// retried: a second attempt risks a duplicate charge.
func PaymentPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		ShouldRetry: func(err error) bool {
			return apperr.KindOf(err) == apperr.Transient
		},
	}
}

// NotifyPolicy retries slowly and gives up early. Callers treat a final
// failure as non-fatal; it never propagates into the parent workflow.
func NotifyPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		ShouldRetry: func(err error) bool {
			switch apperr.KindOf(err) {
			case apperr.Transient, apperr.Upstream:
				return true
			}
			return false
		},
	}
}

// Do runs fn, retrying per the policy. The last error is returned
// unwrapped so callers can still dispatch on its kind.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= p.MaxRetries || p.ShouldRetry == nil || !p.ShouldRetry(lastErr) {
			return lastErr
		}
		if err := sleep(ctx, Backoff(p, attempt)); err != nil {
			return lastErr
		}
	}
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = fn(ctx)
		return innerErr
	})
	return out, err
}

// Backoff computes the delay before retrying after the given attempt:
// min(BaseDelay * 2^attempt, MaxDelay).
func Backoff(p Policy, attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
