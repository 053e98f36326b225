package provider

import (
	"context"
	"errors"
	"time"

	"github.com/parallax-dev/parallax/pkg/model"
)

// Retry policy for transient provider failures. Expired-resource and fatal
// errors are never retried; only errors wrapping model.ErrTransient are.
const (
	retryAttempts = 4
	retryBase     = 500 * time.Millisecond
	retryMax      = 8 * time.Second
)

// WithRetry runs fn, retrying transient failures with bounded exponential
// backoff. It returns the last error once attempts are exhausted or as soon
// as a non-transient error occurs.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrTransient) {
			return err
		}
		if attempt == retryAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
	return err
}
