package pbft

import (
	"context"
	"time"
)

// Retry runs fn with exponential backoff starting at base and capped at
// max, retrying until fn succeeds or ctx is cancelled (§9 design note:
// "exponential retry helpers wrapping query_validators must be
// cancellable by an outer deadline"). Grounded on the original source's
// engine_api/http_blocking.rs retry shape.
func Retry(ctx context.Context, base, max time.Duration, fn func(ctx context.Context) error) error {
	delay := base
	for {
		if err := fn(ctx); err == nil {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > max {
			delay = max
		}
	}
}
