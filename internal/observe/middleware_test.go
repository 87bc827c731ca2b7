package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/productions/{id}/picks", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("PUT /v1/productions/{id}/picks/{segment}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return mux
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_Requests(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantRoute  string
		wantClass  string
		wantError  bool
	}{
		{
			name:       "matched",
			method:     http.MethodGet,
			path:       "/v1/productions/night-walk/picks",
			wantStatus: http.StatusOK,
			wantRoute:  "GET /v1/productions/{id}/picks",
			wantClass:  "2xx",
		},
		{
			name:       "server error",
			method:     http.MethodPut,
			path:       "/v1/productions/night-walk/picks/3",
			wantStatus: http.StatusInternalServerError,
			wantRoute:  "PUT /v1/productions/{id}/picks/{segment}",
			wantClass:  "5xx",
			wantError:  true,
		},
		{
			name:       "unmatched",
			method:     http.MethodGet,
			path:       "/nope",
			wantStatus: http.StatusNotFound,
			wantRoute:  "unmatched",
			wantClass:  "4xx",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTestTracer(t)
			m, reader := newTestMetrics(t)
			h := Middleware(m)(testMux())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			if v, ok := spanAttr(spans[0], "http.response.status_code"); !ok || v.AsInt64() != int64(tt.wantStatus) {
				t.Errorf("span status attribute = %v, want %d", v, tt.wantStatus)
			}
			if got := spans[0].Status.Code == codes.Error; got != tt.wantError {
				t.Errorf("span error = %v, want %v", got, tt.wantError)
			}
			if tt.wantRoute != "unmatched" && spans[0].Name != tt.wantRoute {
				t.Errorf("span name = %q, want %q", spans[0].Name, tt.wantRoute)
			}

			met := findMetric(collect(t, reader), "takewright.http.request.duration")
			if met == nil {
				t.Fatal("duration histogram not recorded")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
			}
			attrs := hist.DataPoints[0].Attributes
			if v, _ := attrs.Value("path"); v.AsString() != tt.wantRoute {
				t.Errorf("path label = %q, want %q", v.AsString(), tt.wantRoute)
			}
			if v, _ := attrs.Value("status"); v.AsString() != tt.wantClass {
				t.Errorf("status label = %q, want %q", v.AsString(), tt.wantClass)
			}
		})
	}
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)

	var seen string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(seen) != 32 {
		t.Fatalf("correlation id %q, want 32 hex chars", seen)
	}
	if got := rec.Header().Get(CorrelationHeader); got != seen {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, seen)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("implicit status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	h := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestResponseRecorder_CountsBytes(t *testing.T) {
	t.Parallel()

	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder()}
	_, _ = rec.Write([]byte(strings.Repeat("x", 10)))
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusOK {
		t.Errorf("status = %d, want the implicit 200 of the first write", rec.status)
	}
	if rec.bytes != 10 {
		t.Errorf("bytes = %d, want 10", rec.bytes)
	}
}
