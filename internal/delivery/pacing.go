package delivery

import (
	"context"
	"time"

	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/audio"
)

// Constrained strategy schedule.
const (
	constrainedPrebuffer = 6
	prebufferFastFrames  = 2
	prebufferFastGap     = 45 * time.Millisecond
	prebufferGap         = 55 * time.Millisecond
	steadyGap            = 58 * time.Millisecond
)

// Interactive strategy schedule.
const (
	interactivePrebuffer = 5
	burstGap             = 3 * time.Millisecond
	jitterTolerance      = 5 * time.Millisecond
	maxDrift             = 20 * time.Millisecond
	maxCatchUp           = min(audio.FrameDuration*4/5, maxDrift)
)

// stream paces frames onto conn. It reports completed=false when the device
// aborted before all frames were written.
func (d *Dispatcher) stream(ctx context.Context, conn Conn, class EndpointClass, frames []audio.Frame, prebuffer bool) (completed bool, err error) {
	if class == Interactive {
		return d.paceInteractive(ctx, conn, frames, prebuffer)
	}
	return d.paceConstrained(ctx, conn, frames, prebuffer)
}

// paceConstrained front-loads up to six frames with short gaps so the
// device's jitter buffer fills, then sends one frame every 58 ms.
func (d *Dispatcher) paceConstrained(ctx context.Context, conn Conn, frames []audio.Frame, prebuffer bool) (bool, error) {
	rest := frames
	if prebuffer {
		n := min(constrainedPrebuffer, len(frames))
		for i := range n {
			if conn.Aborted() {
				return false, nil
			}
			if err := d.sendFrame(ctx, conn, frames[i], Constrained); err != nil {
				return false, err
			}
			if i == n-1 {
				break
			}
			gap := prebufferGap
			if i < prebufferFastFrames {
				gap = prebufferFastGap
			}
			if err := d.sleep(ctx, gap); err != nil {
				return false, err
			}
		}
		rest = frames[n:]
	}

	for i, f := range rest {
		if conn.Aborted() {
			return false, nil
		}
		if err := d.sendFrame(ctx, conn, f, Constrained); err != nil {
			return false, err
		}
		if i < len(rest)-1 {
			if err := d.sleep(ctx, steadyGap); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// paceInteractive bursts up to five frames, then schedules each frame
// against a playback clock: it waits at most maxCatchUp when ahead and sends
// immediately, logging drift, when more than maxDrift behind.
func (d *Dispatcher) paceInteractive(ctx context.Context, conn Conn, frames []audio.Frame, prebuffer bool) (bool, error) {
	start := d.clock.Now()
	var position time.Duration

	rest := frames
	if prebuffer {
		n := min(interactivePrebuffer, len(frames))
		for i := range n {
			if conn.Aborted() {
				return false, nil
			}
			if i > 0 {
				if err := d.sleep(ctx, burstGap); err != nil {
					return false, err
				}
			}
			if err := d.sendFrame(ctx, conn, frames[i], Interactive); err != nil {
				return false, err
			}
			position += audio.FrameDuration
		}
		rest = frames[n:]
	}

	for _, f := range rest {
		if conn.Aborted() {
			return false, nil
		}
		delay := start.Add(position).Sub(d.clock.Now())
		switch {
		case delay > jitterTolerance:
			if err := d.sleep(ctx, min(delay, maxCatchUp)); err != nil {
				return false, err
			}
		case delay < -maxDrift:
			d.metrics.RecordDrift(ctx)
			d.driftLog.Do(func() {
				observe.Logger(ctx).Warn("audio delivery behind schedule, sending without delay",
					"session_id", conn.SessionID(), "behind", -delay)
			})
		}
		if err := d.sendFrame(ctx, conn, f, Interactive); err != nil {
			return false, err
		}
		position += audio.FrameDuration
	}
	return true, nil
}
