package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented returns the archive-style routes behind Middleware, with
// metrics and spans captured in memory.
func instrumented(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/archives/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("X-Seen-Correlation", CorrelationID(r.Context()))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Requests(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name       string
		path       string
		header     http.Header
		wantStatus int
		wantSpan   string
		wantRoute  string
		wantTrace  string
	}{
		{
			name:       "matched route",
			path:       "/v1/archives/abc",
			wantStatus: http.StatusOK,
			wantSpan:   "HTTP /v1/archives/{id}",
			wantRoute:  "/v1/archives/{id}",
		},
		{
			name:       "handler status",
			path:       "/v1/archives/missing",
			wantStatus: http.StatusNotFound,
			wantSpan:   "HTTP /v1/archives/{id}",
			wantRoute:  "/v1/archives/{id}",
		},
		{
			name:       "unmatched path",
			path:       "/nowhere",
			wantStatus: http.StatusNotFound,
			wantSpan:   "HTTP /nowhere",
			wantRoute:  "/nowhere",
		},
		{
			name:       "continues incoming trace",
			path:       "/v1/archives/abc",
			header:     http.Header{"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"}},
			wantStatus: http.StatusOK,
			wantSpan:   "HTTP /v1/archives/{id}",
			wantRoute:  "/v1/archives/{id}",
			wantTrace:  traceID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, exp := instrumented(t)
			rec := serve(h, tt.path, tt.header)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			cid := rec.Header().Get(CorrelationHeader)
			if len(cid) != 32 {
				t.Errorf("%s = %q, want a 32 hex digit trace id", CorrelationHeader, cid)
			}
			if tt.wantTrace != "" && cid != tt.wantTrace {
				t.Errorf("%s = %q, want incoming trace %q", CorrelationHeader, cid, tt.wantTrace)
			}
			if seen := rec.Header().Get("X-Seen-Correlation"); tt.wantStatus == http.StatusOK && seen != cid {
				t.Errorf("handler saw correlation id %q, response carries %q", seen, cid)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if spans[0].Name != tt.wantSpan {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.wantSpan)
			}
			attrs := attribute.NewSet(spans[0].Attributes...)
			if v, ok := attrs.Value("http.response.status_code"); !ok || v.AsInt64() != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %v, want %d", v.Emit(), tt.wantStatus)
			}
			if v, ok := attrs.Value("http.route"); !ok || v.AsString() != tt.wantRoute {
				t.Errorf("span route attribute = %q, want %q", v.Emit(), tt.wantRoute)
			}
		})
	}
}

func TestMiddleware_DurationLabelledByRoute(t *testing.T) {
	h, reader, _ := instrumented(t)
	for _, p := range []string{"/v1/archives/a", "/v1/archives/b", "/v1/archives/missing", "/healthz"} {
		serve(h, p, nil)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "vocalprobe.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		if m, _ := dp.Attributes.Value("method"); m.AsString() != http.MethodGet {
			t.Errorf("method label = %q, want GET", m.AsString())
		}
		p, _ := dp.Attributes.Value("path")
		counts[p.AsString()] += dp.Count
	}
	if counts["/v1/archives/{id}"] != 3 || counts["/healthz"] != 1 || len(counts) != 2 {
		t.Errorf("samples by route = %v, want 3 for /v1/archives/{id} and 1 for /healthz", counts)
	}
}

func TestRouteOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern, path, want string
	}{
		{"", "/raw", "/raw"},
		{"GET /v1/session", "/v1/session", "/v1/session"},
		{"/metrics", "/metrics", "/metrics"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		r.Pattern = tt.pattern
		if got := routeOf(r); got != tt.want {
			t.Errorf("routeOf(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

func TestLevelFor(t *testing.T) {
	t.Parallel()

	for path, quiet := range map[string]bool{
		"/healthz":    true,
		"/readyz":     true,
		"/metrics":    true,
		"/v1/session": false,
	} {
		if got := levelFor(path) < 0; got != quiet {
			t.Errorf("levelFor(%q) quiet = %v, want %v", path, got, quiet)
		}
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	t.Parallel()

	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner}
	if rec.Unwrap() != http.ResponseWriter(inner) {
		t.Error("Unwrap did not return the wrapped writer")
	}
}
