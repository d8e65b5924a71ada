package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default startup retry parameters.
const (
	defaultMaxAttempts = 5
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// backoff retries an operation with exponential delays.
type backoff struct {
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func defaultRetry() backoff {
	return backoff{
		maxAttempts: defaultMaxAttempts,
		initial:     defaultBackoff,
		max:         defaultMaxBackoff,
		sleep:       sleepCtx,
	}
}

// do calls fn until it succeeds, ctx ends or maxAttempts is reached. The
// delay doubles after each failure up to max.
func (b backoff) do(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	delay := b.initial
	var err error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				slog.Info("connected after retry", "target", what, "attempt", attempt)
			}
			return nil
		}
		if attempt == b.maxAttempts {
			break
		}
		slog.Warn("connection attempt failed",
			"target", what,
			"attempt", attempt,
			"max_attempts", b.maxAttempts,
			"backoff", delay,
			"err", err,
		)
		if serr := b.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%s: %w", what, serr)
		}
		delay = min(delay*2, b.max)
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", what, b.maxAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
