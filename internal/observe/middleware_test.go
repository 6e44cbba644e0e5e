package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddlewareHarness wires a manual metric reader and an in-memory span
// exporter so tests can inspect what the middleware recorded.
func newMiddlewareHarness(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func attrValue(attrs []metricdata.HistogramDataPoint[float64], key string) (string, bool) {
	for _, dp := range attrs {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key {
				return kv.Value.AsString(), true
			}
		}
	}
	return "", false
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	m, _, _ := newMiddlewareHarness(t)

	var seenCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if len(seenCID) != 32 {
		t.Errorf("correlation ID = %q, want a 32-char trace ID", seenCID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != seenCID {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, seenCID)
	}
}

func TestMiddleware_CreatesServerSpan(t *testing.T) {
	m, _, exp := newMiddlewareHarness(t)

	handler := Middleware(m)(http.HandlerFunc(okHandler))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/span-test", nil))

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded")
	}
	if spans[0].Name != "HTTP GET /span-test" {
		t.Errorf("span name = %q, want HTTP GET /span-test", spans[0].Name)
	}
}

func TestMiddleware_RecordsDurationWithRoute(t *testing.T) {
	m, reader, _ := newMiddlewareHarness(t)

	handler := Middleware(m)(http.HandlerFunc(okHandler))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/metrics-test", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxline.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("metric = %+v, want histogram with data", met.Data)
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("sample count = %d, want 1", hist.DataPoints[0].Count)
	}
	// No mux in the chain, so the route label falls back to the raw path.
	if got, ok := attrValue(hist.DataPoints, "route"); !ok || got != "/metrics-test" {
		t.Errorf("route attribute = %q (found=%v), want /metrics-test", got, ok)
	}
}

func TestMiddleware_RouteLabelUsesMuxPattern(t *testing.T) {
	m, reader, _ := newMiddlewareHarness(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/dlq/{id}", okHandler)
	handler := Middleware(m)(mux)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/admin/dlq/dl-42", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxline.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if got, ok := attrValue(hist.DataPoints, "route"); !ok || got != "GET /admin/dlq/{id}" {
		t.Errorf("route attribute = %q (found=%v), want the mux pattern, not the raw path", got, ok)
	}
}

func TestMiddleware_CapturesStatusCode(t *testing.T) {
	m, _, exp := newMiddlewareHarness(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want 404", rec.Code)
	}
	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no span recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=404")
	}
}

func TestMiddleware_ContinuesIncomingTraceContext(t *testing.T) {
	m, _, _ := newMiddlewareHarness(t)

	const wantTrace = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seenCID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/propagate", nil)
	req.Header.Set("traceparent", "00-"+wantTrace+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenCID != wantTrace {
		t.Errorf("correlation ID = %q, want the incoming trace ID %q", seenCID, wantTrace)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != wantTrace {
		t.Errorf("X-Correlation-ID header = %q, want %q", got, wantTrace)
	}
}
