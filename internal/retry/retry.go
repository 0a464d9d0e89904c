// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
)

// maxShift caps the backoff exponent to keep time.Duration from
// overflowing.
const maxShift = 10

// Policy bounds a retried operation.
type Policy struct {
	Attempts int           // total tries, including the first
	Base     time.Duration // delay before the second try
	Max      time.Duration // delay ceiling
}

// Delay returns the backoff before try n+1 (n counts failures so far,
// starting at 1), without jitter.
func (p Policy) Delay(n int) time.Duration {
	shift := min(max(n-1, 0), maxShift)

	d := p.Base << shift
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	return d
}

// Retryable reports whether err is worth another try. Permanent, not
// found and invalid-payload failures are not, nor is cancellation.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, apperrors.ErrPermanent),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrInvalidPayload),
		errors.Is(err, apperrors.ErrQuotaDenied),
		errors.Is(err, apperrors.ErrDeviceLimitReached):
		return false
	default:
		return true
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. The last error is returned wrapped
// with label.
func Do(ctx context.Context, logger *slog.Logger, label string, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error

	for n := 1; ; n++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		if !Retryable(err) || n >= attempts {
			break
		}

		wait := p.Delay(n)
		if wait > 0 {
			wait += time.Duration(rand.Int64N(int64(wait)/2 + 1)) //nolint:gosec // G404: backoff jitter only
		}

		if logger != nil {
			logger.Debug("retrying",
				slog.String("op", label),
				slog.Int("attempt", n),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", label, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: %w", label, err)
}
