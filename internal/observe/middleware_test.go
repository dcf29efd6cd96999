package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented installs an in-memory tracer provider for the test and returns
// metrics backed by a manual reader. Tests using it must not run in parallel.
func instrumented(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	return m, reader, exp
}

// router mounts the middleware on a chi router like the relay and the app do.
func router(m *Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/fail", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	return r
}

func TestMiddleware_CorrelationID(t *testing.T) {
	m, _, _ := instrumented(t)

	var inner string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(inner) != 32 {
		t.Fatalf("correlation ID = %q, want a 32-char trace ID", inner)
	}
	if got := rec.Header().Get(CorrelationHeader); got != inner {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, inner)
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	m, _, _ := instrumented(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest(http.MethodGet, "/sessions/1", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	router(m).ServeHTTP(rec, req)

	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want the caller's trace ID", CorrelationHeader, got)
	}
}

func TestMiddleware_SpanUsesRoutePattern(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantName   string
		wantStatus int64
		wantError  bool
	}{
		{name: "ok", method: http.MethodGet, path: "/sessions/abc", wantName: "HTTP GET /sessions/{id}", wantStatus: 200},
		{name: "server error", method: http.MethodPost, path: "/fail", wantName: "HTTP POST /fail", wantStatus: 502, wantError: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, exp := instrumented(t)
			router(m).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != tc.wantName {
				t.Errorf("span name = %q, want %q", s.Name, tc.wantName)
			}
			var status int64
			for _, a := range s.Attributes {
				if a.Key == "http.response.status_code" {
					status = a.Value.AsInt64()
				}
			}
			if status != tc.wantStatus {
				t.Errorf("status attribute = %d, want %d", status, tc.wantStatus)
			}
			if (s.Status.Code == codes.Error) != tc.wantError {
				t.Errorf("span status = %v", s.Status)
			}
		})
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	m, reader, _ := instrumented(t)
	r := router(m)
	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "questvoice.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	// All three requests share one series keyed by the route pattern.
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	for key, want := range map[string]string{"method": "GET", "route": "/sessions/{id}", "status": "200"} {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != want {
			t.Errorf("attribute %s = %v, want %q", key, v.AsString(), want)
		}
	}
}

func TestMiddleware_NilMetrics(t *testing.T) {
	_, _, _ = instrumented(t)
	rec := httptest.NewRecorder()
	router(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/x", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("response = %d %q", rec.Code, rec.Body)
	}
}

func TestQuietRoute(t *testing.T) {
	t.Parallel()
	for route, want := range map[string]bool{
		"/metrics":              true,
		"/healthz":              true,
		"/readyz":               true,
		"/debug/pprof":          true,
		"/v1/realtime/sessions": false,
	} {
		if got := quietRoute(route); got != want {
			t.Errorf("quietRoute(%q) = %v, want %v", route, got, want)
		}
	}
}
