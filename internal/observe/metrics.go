// Package observe provides application-wide observability primitives for
// voicegate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All Record* helpers are safe to call on a nil *Metrics, so components can
// treat metrics as optional.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicegate metrics.
const meterName = "github.com/MrWong99/voicegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Frame delivery ---

	// FramesSent counts audio frames written to devices. Attribute:
	//   attribute.String("strategy", "constrained"|"interactive")
	FramesSent metric.Int64Counter

	// Utterances counts delivered utterances. Attribute:
	//   attribute.String("outcome", "completed"|"cancelled"|"failed")
	Utterances metric.Int64Counter

	// PacingDelay tracks the sleeps inserted between frames.
	PacingDelay metric.Float64Histogram

	// PacingDrift counts frames sent more than the drift tolerance behind
	// their scheduled playback position.
	PacingDrift metric.Int64Counter

	// --- Interception ---

	// Intercepted counts observed messages. Attributes:
	//   attribute.String("kind", ...), attribute.String("direction", "inbound"|"outbound")
	Intercepted metric.Int64Counter

	// HandlerFailures counts handler errors and panics. Attribute:
	//   attribute.String("handler", ...)
	HandlerFailures metric.Int64Counter

	// BackgroundDropped counts background jobs rejected by the worker pool.
	// Attribute: attribute.String("reason", "queue_full"|"closed")
	BackgroundDropped metric.Int64Counter

	// BillingDeductions counts account deductions. Attribute:
	//   attribute.String("status", "ok"|"insufficient"|"error")
	BillingDeductions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of connected devices.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks plain HTTP requests by "method", "route" and
	// "status". Websocket sessions are not recorded.
	HTTPRequestDuration metric.Float64Histogram
}

// pacingBuckets covers the sub-frame sleeps the dispatcher inserts (seconds).
var pacingBuckets = []float64{
	0.001, 0.003, 0.005, 0.01, 0.02, 0.045, 0.055, 0.06, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("voicegate.frames.sent",
		metric.WithDescription("Audio frames written to devices by pacing strategy."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voicegate.utterances",
		metric.WithDescription("Utterances delivered by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PacingDelay, err = m.Float64Histogram("voicegate.pacing.delay",
		metric.WithDescription("Sleep inserted between consecutive frames."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(pacingBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PacingDrift, err = m.Int64Counter("voicegate.pacing.drift",
		metric.WithDescription("Frames sent behind their scheduled playback position."),
	); err != nil {
		return nil, err
	}

	if met.Intercepted, err = m.Int64Counter("voicegate.intercepted.messages",
		metric.WithDescription("Messages observed by the interceptor by kind and direction."),
	); err != nil {
		return nil, err
	}
	if met.HandlerFailures, err = m.Int64Counter("voicegate.handler.failures",
		metric.WithDescription("Interception handler failures by handler name."),
	); err != nil {
		return nil, err
	}
	if met.BackgroundDropped, err = m.Int64Counter("voicegate.background.dropped",
		metric.WithDescription("Background jobs rejected by the worker pool."),
	); err != nil {
		return nil, err
	}
	if met.BillingDeductions, err = m.Int64Counter("voicegate.billing.deductions",
		metric.WithDescription("Account deductions by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegate.active_sessions",
		metric.WithDescription("Number of connected devices."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent counts one frame sent with the given pacing strategy.
func (m *Metrics) RecordFrameSent(ctx context.Context, strategy string) {
	if m == nil {
		return
	}
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordUtterance counts one utterance with its outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPacingDelay records one inter-frame sleep.
func (m *Metrics) RecordPacingDelay(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.PacingDelay.Record(ctx, d.Seconds())
}

// RecordDrift counts one late frame.
func (m *Metrics) RecordDrift(ctx context.Context) {
	if m == nil {
		return
	}
	m.PacingDrift.Add(ctx, 1)
}

// RecordIntercepted counts one observed message.
func (m *Metrics) RecordIntercepted(ctx context.Context, kind, direction string) {
	if m == nil {
		return
	}
	m.Intercepted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("direction", direction),
	))
}

// RecordHandlerFailure counts one failed handler invocation.
func (m *Metrics) RecordHandlerFailure(ctx context.Context, handler string) {
	if m == nil {
		return
	}
	m.HandlerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("handler", handler)))
}

// RecordBackgroundDropped counts one rejected background job.
func (m *Metrics) RecordBackgroundDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.BackgroundDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDeduction counts one billing deduction attempt.
func (m *Metrics) RecordDeduction(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.BillingDeductions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
