package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/models"
)

const (
	// jitterDivisor controls the range of random jitter added to retry
	// backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// retryBackoffMultiplier is the exponential growth factor applied
	// after each failed attempt.
	retryBackoffMultiplier = 2
)

// RetryPolicy bounds how a single remote call is retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// DefaultRetryPolicy returns three attempts with a 30s per-call timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  8 * time.Second,
		Timeout:   30 * time.Second,
	}
}

// Retrying decorates a Transport with per-call timeouts and bounded
// retries of transient failures. Non-transient errors (not found,
// authentication, invalid records) are returned on the first attempt.
// Retries exhausted surface as errors.ErrTransport.
type Retrying struct {
	next   Transport
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry wraps next with the given policy.
func WithRetry(next Transport, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	return &Retrying{next: next, policy: policy, logger: logger}
}

// Unwrap returns the decorated transport.
func (r *Retrying) Unwrap() Transport {
	return r.next
}

func (r *Retrying) ListManifest(ctx context.Context) ([]models.ManifestEntry, error) {
	var out []models.ManifestEntry

	err := r.do(ctx, "list manifest", "", func(ctx context.Context) error {
		var err error
		out, err = r.next.ListManifest(ctx)

		return err
	})

	return out, err
}

func (r *Retrying) GetPayload(ctx context.Context, id string) (models.RemoteRecord, error) {
	var out models.RemoteRecord

	err := r.do(ctx, "get payload", id, func(ctx context.Context) error {
		var err error
		out, err = r.next.GetPayload(ctx, id)

		return err
	})

	return out, err
}

func (r *Retrying) PutRecord(ctx context.Context, rec models.RemoteRecord) error {
	return r.do(ctx, "put record", rec.ID, func(ctx context.Context) error {
		return r.next.PutRecord(ctx, rec)
	})
}

func (r *Retrying) DeleteRecord(ctx context.Context, id string) error {
	return r.do(ctx, "delete record", id, func(ctx context.Context) error {
		return r.next.DeleteRecord(ctx, id)
	})
}

func (r *Retrying) do(ctx context.Context, op, id string, fn func(context.Context) error) error {
	backoff := r.policy.BaseDelay

	var lastErr error

	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", op, id, ctx.Err())
		}

		if !retryable(err) {
			return err
		}

		lastErr = err

		if attempt == r.policy.Attempts {
			break
		}

		r.logger.Warn("transport call failed, retrying",
			slog.String("op", op),
			slog.String("id", id),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if err := sleep(ctx, withJitter(backoff)); err != nil {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}

		backoff = min(backoff*retryBackoffMultiplier, r.policy.MaxDelay)
	}

	return fmt.Errorf("%w: %s %s failed after %d attempts: %w", syncerr.ErrTransport, op, id, r.policy.Attempts, lastErr)
}

func (r *Retrying) attempt(ctx context.Context, fn func(context.Context) error) error {
	if r.policy.Timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	return fn(callCtx)
}

// retryable treats explicit transient errors and per-call timeouts as
// worth another attempt.
func retryable(err error) bool {
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	span := int64(d) / jitterDivisor
	if span <= 0 {
		return d
	}

	return d + time.Duration(rand.Int64N(span)) //nolint:gosec // G404: jitter only
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
