// Package intercept observes every message exchanged with connected devices.
//
// The [Interceptor] classifies each message, counts it, keeps it in a
// bounded history and runs the registered [Handler] side effects, all
// without altering or delaying the message beyond a short critical section.
// Heavier per-message work is handed to a bounded [Pool]; a saturated pool
// drops work rather than applying back-pressure to the audio path.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicegate/internal/observe"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Interceptor is the interception pipeline. It is safe for concurrent use.
type Interceptor struct {
	store    *Store
	registry *Registry
	pool     *Pool
	metrics  *observe.Metrics
	tracer   trace.Tracer
	debug    bool
	now      func() time.Time

	dropLog rate.Sometimes
}

// Option configures an [Interceptor].
type Option func(*Interceptor)

// WithRegistry sets the handlers run for each message.
func WithRegistry(r *Registry) Option {
	return func(i *Interceptor) { i.registry = r }
}

// WithPool replaces the default background pool. The interceptor closes it
// in [Interceptor.Close].
func WithPool(p *Pool) Option {
	return func(i *Interceptor) { i.pool = p }
}

// WithMetrics records interception metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// WithTracer replaces [observe.Tracer] for interception spans.
func WithTracer(t trace.Tracer) Option {
	return func(i *Interceptor) { i.tracer = t }
}

// WithDebug logs the full record of every message from the background pool.
func WithDebug(debug bool) Option {
	return func(i *Interceptor) { i.debug = debug }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// New creates an Interceptor recording into store.
func New(store *Store, opts ...Option) *Interceptor {
	i := &Interceptor{
		store:   store,
		now:     time.Now,
		tracer:  observe.Tracer(),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(i)
	}
	if i.pool == nil {
		i.pool = NewPool(DefaultWorkers, DefaultQueueSize, WithPoolMetrics(i.metrics))
	}
	if i.registry == nil {
		i.registry = NewRegistry()
	}
	slog.Info("interceptor initialised",
		"enabled", store.Enabled(), "history_capacity", store.Capacity(), "handlers", i.registry.Names())
	return i
}

// Store returns the statistics store.
func (i *Interceptor) Store() *Store { return i.store }

// Registry returns the handler chain.
func (i *Interceptor) Registry() *Registry { return i.registry }

// Pool returns the background pool, for handlers that defer work to it.
func (i *Interceptor) Pool() *Pool { return i.pool }

// Intercept observes msg travelling in direction dir on src and returns msg
// unchanged. Nothing inside the pipeline fails the caller. Each enabled
// call is traced as a [observe.SpanIntercept] span; handler failures mark
// the span as failed.
func (i *Interceptor) Intercept(ctx context.Context, src Source, dir Direction, msg Message) Message {
	if !i.store.Enabled() {
		return msg
	}

	rec := NewRecord(src, msg, dir, i.now())
	ctx, span := i.tracer.Start(ctx, observe.SpanIntercept, trace.WithAttributes(
		observe.KeySessionID.String(rec.SessionID),
		observe.KeyDeviceID.String(rec.DeviceID),
		observe.KeyRequestID.String(rec.RequestID),
		observe.KeyMessageKind.String(rec.Kind),
		observe.KeyDirection.String(dir.String()),
	))
	var failures []error
	defer func() {
		span.SetAttributes(observe.KeyHandlerErrs.Int(len(failures)))
		observe.EndSpan(span, errors.Join(failures...))
	}()
	i.store.Count()
	i.metrics.RecordIntercepted(ctx, rec.Kind, dir.String())

	if err := i.pool.Submit(func(ctx context.Context) { i.process(ctx, rec, msg) }); err != nil &&
		!errors.Is(err, ErrQueueFull) {
		// ErrQueueFull is counted and logged by the pool.
		i.metrics.RecordBackgroundDropped(ctx, "closed")
		i.dropLog.Do(func() {
			observe.Logger(ctx).Warn("background processing unavailable", "err", err)
		})
	}

	if i.store.LogRequests() {
		observe.Logger(ctx).Info("message intercepted",
			"client_ip", rec.ClientIP,
			"device_id", rec.DeviceID,
			"kind", rec.Kind,
			"direction", dir.String(),
			"time", rec.Timestamp.Format(time.TimeOnly),
		)
	}

	i.store.Append(rec)

	for _, h := range i.registry.Handlers() {
		if err := callHandler(ctx, h, rec, msg); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", h.Name(), err))
			i.metrics.RecordHandlerFailure(ctx, h.Name())
			observe.Logger(ctx).Error("interceptor handler failed",
				"handler", h.Name(), "request_id", rec.RequestID, "err", err)
		}
	}
	return msg
}

func callHandler(ctx context.Context, h Handler, rec Record, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, rec, msg)
}

// process is the background half of interception.
func (i *Interceptor) process(_ context.Context, rec Record, msg Message) {
	log := slog.Default().With("device_id", rec.DeviceID, "request_id", rec.RequestID)
	if i.debug {
		log.Debug("processing record", "record", rec)
	}

	if msg.Binary {
		log.Debug("audio received", "bytes", len(msg.Data))
		return
	}
	env, ok := ParseEnvelope(msg)
	if !ok {
		return
	}
	switch env.Type {
	case "listen":
		log.Info("device listen state changed", "state", env.State)
		if env.Text != "" {
			log.Info("user speech", "text", env.Text)
		}
	case "hello":
		log.Info("device connected")
	}
}

// Close drains the background pool.
func (i *Interceptor) Close(ctx context.Context) error {
	err := i.pool.Close(ctx)
	slog.Info("interceptor closed", "total_requests", i.store.Stats().TotalRequests)
	return err
}
