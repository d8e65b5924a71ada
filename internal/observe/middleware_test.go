package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// gatewayMux mimics the routes the application serves.
func gatewayMux(t *testing.T, m *Metrics) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /interceptor/control", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	mux.HandleFunc("/xiaozhi/v1/", func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("Hijack through middleware: %v", err)
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: close\r\n\r\n"))
		conn.Close()
	})
	return Middleware(m)(mux)
}

func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicegate.http.request.duration")
	if met == nil {
		return nil
	}
	return met.Data.(metricdata.Histogram[float64]).DataPoints
}

func TestMiddleware_NamesSpanAfterRoute(t *testing.T) {
	m, _, exp := testSetup(t)
	h := gatewayMux(t, m)

	tests := []struct {
		method, target string
		wantName       string
		wantRoute      string
		wantStatus     int64
	}{
		{http.MethodGet, "/healthz", "GET /healthz", "/healthz", 200},
		{http.MethodPost, "/interceptor/control", "POST /interceptor/control", "/interceptor/control", 400},
		{http.MethodGet, "/nope", "GET unmatched", "unmatched", 404},
	}
	for _, tt := range tests {
		exp.Reset()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s %s: spans = %d, want 1", tt.method, tt.target, len(spans))
		}
		if spans[0].Name != tt.wantName {
			t.Errorf("span name = %q, want %q", spans[0].Name, tt.wantName)
		}
		var gotRoute string
		var gotStatus int64
		for _, a := range spans[0].Attributes {
			switch string(a.Key) {
			case "http.route":
				gotRoute = a.Value.AsString()
			case "http.response.status_code":
				gotStatus = a.Value.AsInt64()
			}
		}
		if gotRoute != tt.wantRoute || gotStatus != tt.wantStatus {
			t.Errorf("%s: route=%q status=%d, want %q %d", tt.target, gotRoute, gotStatus, tt.wantRoute, tt.wantStatus)
		}
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	m, reader, _ := testSetup(t)
	h := gatewayMux(t, m)

	for range 2 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz?device-id=aa:bb", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/interceptor/control", nil))

	counts := map[string]uint64{}
	for _, dp := range durationPoints(t, reader) {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}
	if counts["/healthz 200"] != 2 || counts["/interceptor/control 400"] != 1 || len(counts) != 2 {
		t.Errorf("duration samples = %v", counts)
	}
}

func TestMiddleware_WebsocketUpgradeNotInHistogram(t *testing.T) {
	m, reader, exp := testSetup(t)
	srv := httptest.NewServer(gatewayMux(t, m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/xiaozhi/v1/?device-id=aa:bb")
	if err == nil {
		resp.Body.Close()
	}

	// The server goroutine ends the span after the client has its response.
	deadline := time.Now().Add(2 * time.Second)
	for len(exp.GetSpans()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "GET /xiaozhi/v1/" {
		t.Fatalf("spans = %v, want one GET /xiaozhi/v1/", spans)
	}
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() != http.StatusSwitchingProtocols {
			t.Errorf("status = %d, want 101", a.Value.AsInt64())
		}
	}
	if pts := durationPoints(t, reader); len(pts) != 0 {
		t.Errorf("websocket session recorded in request histogram: %v", pts)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if len(seen) != 32 {
		t.Errorf("generated correlation id = %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seen {
		t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
	}

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != traceID {
		t.Errorf("continued correlation id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pattern, want string
	}{
		{"", "unmatched"},
		{"GET /healthz", "/healthz"},
		{"/xiaozhi/v1/", "/xiaozhi/v1/"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Pattern = tt.pattern
		if got := route(r); got != tt.want {
			t.Errorf("route(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
