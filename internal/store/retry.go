package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dorabot/dorabot/internal/gatewayerr"
	"github.com/dorabot/dorabot/internal/logging"
)

const (
	retryInitialInterval = 25 * time.Millisecond
	retryMaxInterval     = 400 * time.Millisecond
	retryMaxAttempts     = 5
)

func newBusyBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts), ctx)
}

// WithBusyRetry runs fn, retrying with bounded exponential backoff while fn
// fails with a transient SQLITE_BUSY/locked error. Any other error, or
// exhaustion of the retry budget, is wrapped in ErrPersistence.
func WithBusyRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if IsBusyError(err) {
			logging.Debug().Int("attempt", attempt).Msg("retrying after sqlite busy")
			return err
		}
		return backoff.Permanent(err)
	}, newBusyBackoff(ctx))

	if err != nil {
		return fmt.Errorf("%w: %v", gatewayerr.ErrPersistence, err)
	}
	return nil
}
