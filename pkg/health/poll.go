package health

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/rs/zerolog"
)

// Budget bounds a blocking poll: at most Attempts tries, Interval apart.
type Budget struct {
	Attempts int
	Interval time.Duration
}

// Total is the longest the budget can keep a caller waiting, ignoring the
// time each attempt itself takes.
func (b Budget) Total() time.Duration {
	if b.Attempts < 1 {
		return 0
	}
	return time.Duration(b.Attempts-1) * b.Interval
}

// Poll calls fn until it succeeds or the budget is spent. Attempt errors are
// logged and swallowed; exhaustion is a timeout failure naming description.
// It returns the number of attempts made.
func Poll(ctx context.Context, b Budget, logger zerolog.Logger, description string, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, errors.Wrapf(ctx.Err(), "waiting for %s", description)
		}

		logger.Info().Err(lastErr).Int("attempt", attempt).Msgf("got error while waiting for %s", description)

		if attempt == b.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return attempt, errors.Wrapf(ctx.Err(), "waiting for %s", description)
		case <-time.After(b.Interval):
		}
	}

	err := failure.Timeoutf("timed out waiting for %s after %d attempts (%v)", description, b.Attempts, b.Total())
	if lastErr != nil {
		err = errors.WithSecondaryError(err, lastErr)
	}
	return b.Attempts, err
}
