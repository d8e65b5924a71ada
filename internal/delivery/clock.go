package delivery

import (
	"context"
	"time"
)

// Clock is the time source used for pacing. Tests substitute a fake that
// records sleeps instead of waiting.
type Clock interface {
	Now() time.Time

	// Sleep pauses for d or until ctx is done, whichever comes first, and
	// returns ctx.Err() in the latter case. Non-positive durations return
	// immediately.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall-clock [Clock].
type SystemClock struct{}

// Now implements [Clock].
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements [Clock]. It suspends only the calling goroutine.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
