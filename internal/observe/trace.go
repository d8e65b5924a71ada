package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every voicegate span.
const tracerName = "github.com/MrWong99/voicegate"

// Span names.
const (
	SpanDeliver   = "delivery.deliver"
	SpanIntercept = "intercept.intercept"
)

// Span attribute keys shared by the dispatcher and the interceptor.
const (
	KeySessionID   = attribute.Key("voicegate.session.id")
	KeyDeviceID    = attribute.Key("voicegate.device.id")
	KeyStrategy    = attribute.Key("voicegate.delivery.strategy")
	KeyFrames      = attribute.Key("voicegate.delivery.frames")
	KeyFirstOfTurn = attribute.Key("voicegate.delivery.first_of_turn")
	KeyFinal       = attribute.Key("voicegate.delivery.final")
	KeyOutcome     = attribute.Key("voicegate.delivery.outcome")
	KeyMessageKind = attribute.Key("voicegate.message.kind")
	KeyDirection   = attribute.Key("voicegate.message.direction")
	KeyRequestID   = attribute.Key("voicegate.request.id")
	KeyHandlerErrs = attribute.Key("voicegate.intercept.handler_failures")
)

// Tracer returns the voicegate tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
