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

// middlewareFixture wires a wrapped handler to in-memory metric and span
// sinks and remembers what the inner handler saw.
type middlewareFixture struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter

	innerCID    string
	innerStatus int
}

func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := &middlewareFixture{reader: reader, spans: spans, innerStatus: http.StatusOK}
	f.handler = Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.innerCID = CorrelationID(r.Context())
		w.WriteHeader(f.innerStatus)
	}))
	return f
}

func (f *middlewareFixture) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAssignsCorrelationID(t *testing.T) {
	f := newMiddlewareFixture(t)
	rec := f.get("/sessions", nil)

	if f.innerCID == "" {
		t.Fatal("handler context carries no correlation id")
	}
	if len(f.innerCID) != 32 {
		t.Errorf("correlation id %q is not a 32-hex trace id", f.innerCID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != f.innerCID {
		t.Errorf("X-Correlation-ID = %q, handler saw %q", got, f.innerCID)
	}
}

func TestMiddlewareAdoptsIncomingTrace(t *testing.T) {
	f := newMiddlewareFixture(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	rec := f.get("/sessions", http.Header{
		"Traceparent": []string{"00-" + traceID + "-00f067aa0ba902b7-01"},
	})

	if f.innerCID != traceID {
		t.Errorf("correlation id = %q, want the inbound trace id %q", f.innerCID, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddlewareRecordsSpanWithStatus(t *testing.T) {
	f := newMiddlewareFixture(t)
	f.innerStatus = http.StatusNotFound
	rec := f.get("/missing", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 passed through", rec.Code)
	}
	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /missing" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != 404 {
		t.Errorf("span status attribute = %d, want 404", status)
	}
}

func TestMiddlewareRecordsRequestDuration(t *testing.T) {
	f := newMiddlewareFixture(t)
	f.get("/stats", nil)

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "loquax.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("metric data = %T with no points", met.Data)
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	got := map[string]string{}
	for _, kv := range dp.Attributes.ToSlice() {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	if got["method"] != "GET" || got["path"] != "/stats" {
		t.Errorf("attributes = %v, want method=GET path=/stats", got)
	}
}
