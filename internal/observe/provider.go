package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the device gateway.
const (
	KeyListenAddr         = attribute.Key("voicegate.gateway.listen_addr")
	KeyWebsocketPath      = attribute.Key("voicegate.gateway.websocket_path")
	KeyInterceptorEnabled = attribute.Key("voicegate.interceptor.enabled")
	KeyHandlers           = attribute.Key("voicegate.interceptor.handlers")
	KeyStopNotify         = attribute.Key("voicegate.delivery.stop_notify")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "voicegate".
	ServiceName    string
	ServiceVersion string

	// InstanceID identifies this process. A random UUID is used when empty.
	InstanceID string

	// Gateway and pipeline settings reported as resource attributes.
	ListenAddr         string
	WebsocketPath      string
	InterceptorEnabled bool
	Handlers           []string
	StopNotify         bool

	// TraceExporter receives finished spans. When nil spans are recorded but
	// not exported.
	TraceExporter sdktrace.SpanExporter

	// MetricReader replaces the Prometheus exporter behind /metrics.
	MetricReader sdkmetric.Reader
}

// NewResource builds the resource describing this voicegate process.
func NewResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicegate"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = []string{}
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(cfg.InstanceID),
			KeyListenAddr.String(cfg.ListenAddr),
			KeyWebsocketPath.String(cfg.WebsocketPath),
			KeyInterceptorEnabled.Bool(cfg.InterceptorEnabled),
			KeyHandlers.StringSlice(handlers),
			KeyStopNotify.Bool(cfg.StopNotify),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}
	return res, nil
}

// InitProvider installs global meter and tracer providers sharing one
// resource. Metrics go to the Prometheus registry scraped at /metrics unless
// cfg.MetricReader is set.
//
// The returned function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reader := cfg.MetricReader
	if reader == nil {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		reader = exp
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
