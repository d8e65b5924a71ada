// Package delivery streams synthesized audio to connected devices at a
// cadence that reconstructs real-time playback.
//
// A [Dispatcher] delivers one [Utterance] at a time: it brackets the frames
// with "sentence_start" and "sentence_end" control messages, paces the frames
// with a strategy chosen from the connection's [EndpointClass], and after the
// final utterance of a turn optionally plays a notification sound, sends
// "stop" and clears the connection's speaking flag.
//
// Cancellation is cooperative. The connection owns an abort flag that is
// polled before every frame send; once observed, no further frames or
// trailing control messages are written for that utterance.
//
// A [Speaker] serialises the utterances of one connection.
package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/audio"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Conn is the device side of a duplex connection as seen by the dispatcher.
// Implementations must be safe for concurrent use.
type Conn interface {
	SendBinary(ctx context.Context, data []byte) error
	SendText(ctx context.Context, data []byte) error

	SessionID() string

	// Header returns the handshake headers the connection was opened with.
	Header() http.Header

	// Aborted reports whether the device asked to stop playback.
	Aborted() bool

	// Touch records activity at t for idle tracking.
	Touch(t time.Time)

	SetSpeaking(speaking bool)
	Close() error
}

// SpeakerSetter is implemented by connections that remember who is talking
// when transcripts carry speaker attribution.
type SpeakerSetter interface {
	SetSpeaker(name string)
}

// Utterance is one synthesized sentence.
type Utterance struct {
	Frames []audio.Frame

	// Text is shown on the device while the frames play.
	Text string

	// Final marks the last utterance of a turn.
	Final bool
}

// Config holds the dispatcher settings fixed at construction.
type Config struct {
	CloseAfterChat bool
	EndPrompt      string

	// StopNotify is played before the trailing "stop" of a turn. Empty
	// disables the notification.
	StopNotify []audio.Frame
}

// Dispatcher delivers utterances to connections. It holds no per-connection
// state and is safe for concurrent use across connections.
type Dispatcher struct {
	classifier Classifier
	clock      Clock
	metrics    *observe.Metrics
	tracer     trace.Tracer
	stopNotify []audio.Frame

	closeAfterChat atomic.Bool
	endPrompt      atomic.Pointer[string]

	driftLog rate.Sometimes
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithClassifier replaces the default [UserAgentClassifier].
func WithClassifier(c Classifier) Option {
	return func(d *Dispatcher) { d.classifier = c }
}

// WithClock replaces the [SystemClock].
func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithMetrics records delivery metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer replaces [observe.Tracer] for delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates a [Dispatcher].
func New(cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		classifier: UserAgentClassifier{},
		clock:      SystemClock{},
		tracer:     observe.Tracer(),
		stopNotify: cfg.StopNotify,
		driftLog:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	d.closeAfterChat.Store(cfg.CloseAfterChat)
	d.endPrompt.Store(&cfg.EndPrompt)
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetCloseAfterChat changes the close-after-chat behaviour for turns that
// finish after the call.
func (d *Dispatcher) SetCloseAfterChat(v bool) { d.closeAfterChat.Store(v) }

// SetEndPrompt changes the transcript treated as the end prompt by [Dispatcher.SendSTT].
func (d *Dispatcher) SetEndPrompt(p string) { d.endPrompt.Store(&p) }

// Classify returns the endpoint class of conn, falling back to
// [Constrained] when the classifier fails.
func (d *Dispatcher) Classify(ctx context.Context, conn Conn) EndpointClass {
	class, err := d.classifier.Classify(conn.Header())
	if err != nil {
		observe.Logger(ctx).Debug("endpoint classification failed, assuming constrained device",
			"session_id", conn.SessionID(), "err", err)
		return Constrained
	}
	return class
}

// Deliver sends one utterance on conn. firstOfTurn enables pre-buffering.
//
// It returns nil when the utterance was delivered or cancelled by the device
// and a non-nil error only when writing to the connection failed or ctx
// ended. After an error no further control messages are sent.
//
// Every call is traced as a [observe.SpanDeliver] span carrying the
// strategy and the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, conn Conn, u Utterance, firstOfTurn bool) (err error) {
	ctx, span := d.tracer.Start(ctx, observe.SpanDeliver, trace.WithAttributes(
		observe.KeySessionID.String(conn.SessionID()),
		observe.KeyFrames.Int(len(u.Frames)),
		observe.KeyFirstOfTurn.Bool(firstOfTurn),
		observe.KeyFinal.Bool(u.Final),
	))
	outcome := "failed"
	defer func() {
		span.SetAttributes(observe.KeyOutcome.String(outcome))
		observe.EndSpan(span, err)
	}()
	outcome, err = d.deliver(ctx, span, conn, u, firstOfTurn)
	return err
}

// deliver does the work of [Dispatcher.Deliver] and reports how the
// utterance ended: "empty", "cancelled", "completed" or "failed".
func (d *Dispatcher) deliver(ctx context.Context, span trace.Span, conn Conn, u Utterance, firstOfTurn bool) (string, error) {
	log := observe.Logger(ctx).With("session_id", conn.SessionID())

	if len(u.Frames) == 0 {
		log.Warn("skipping utterance without audio", "text", u.Text, "final", u.Final)
		if !u.Final {
			return "empty", nil
		}
		if conn.Aborted() {
			conn.SetSpeaking(false)
			return "cancelled", nil
		}
		class := d.Classify(ctx, conn)
		span.SetAttributes(observe.KeyStrategy.String(class.String()))
		if err := d.finishTurn(ctx, conn, class); err != nil {
			return "failed", err
		}
		return "empty", nil
	}
	if conn.Aborted() {
		conn.SetSpeaking(false)
		d.metrics.RecordUtterance(ctx, "cancelled")
		return "cancelled", nil
	}

	class := d.Classify(ctx, conn)
	span.SetAttributes(observe.KeyStrategy.String(class.String()))
	log.Debug("delivering utterance",
		"text", u.Text, "frames", len(u.Frames), "strategy", class.String(), "first_of_turn", firstOfTurn)

	if err := d.SendTTS(ctx, conn, StateSentenceStart, u.Text); err != nil {
		d.metrics.RecordUtterance(ctx, "failed")
		return "failed", err
	}

	completed, err := d.stream(ctx, conn, class, u.Frames, firstOfTurn)
	if err != nil {
		d.metrics.RecordUtterance(ctx, "failed")
		return "failed", fmt.Errorf("delivery: stream: %w", err)
	}
	if !completed {
		log.Info("utterance cancelled by device", "text", u.Text)
		conn.SetSpeaking(false)
		d.metrics.RecordUtterance(ctx, "cancelled")
		return "cancelled", nil
	}

	if err := d.SendTTS(ctx, conn, StateSentenceEnd, u.Text); err != nil {
		d.metrics.RecordUtterance(ctx, "failed")
		return "failed", err
	}
	d.metrics.RecordUtterance(ctx, "completed")

	if u.Final {
		if err := d.finishTurn(ctx, conn, class); err != nil {
			return "failed", err
		}
	}
	return "completed", nil
}

// finishTurn plays the stop notification, sends "stop", clears the speaking
// flag and closes the connection when configured to.
func (d *Dispatcher) finishTurn(ctx context.Context, conn Conn, class EndpointClass) error {
	if len(d.stopNotify) > 0 {
		completed, err := d.stream(ctx, conn, class, d.stopNotify, true)
		if err != nil {
			return fmt.Errorf("delivery: stop notification: %w", err)
		}
		if !completed {
			conn.SetSpeaking(false)
			return nil
		}
	}

	if err := d.SendTTS(ctx, conn, StateStop, ""); err != nil {
		return err
	}
	conn.SetSpeaking(false)

	if d.closeAfterChat.Load() {
		observe.Logger(ctx).Info("closing connection after chat", "session_id", conn.SessionID())
		if err := conn.Close(); err != nil {
			return fmt.Errorf("delivery: close after chat: %w", err)
		}
	}
	return nil
}

// sendFrame writes one frame and records activity.
func (d *Dispatcher) sendFrame(ctx context.Context, conn Conn, f audio.Frame, class EndpointClass) error {
	conn.Touch(d.clock.Now())
	if err := conn.SendBinary(ctx, f); err != nil {
		return err
	}
	d.metrics.RecordFrameSent(ctx, class.String())
	return nil
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	d.metrics.RecordPacingDelay(ctx, dur)
	return d.clock.Sleep(ctx, dur)
}
