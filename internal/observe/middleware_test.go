package observe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const remoteTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })
	return m, reader, exp
}

func TestMiddleware(t *testing.T) {
	m, reader, exp := testSetup(t)

	var seenCID string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("traceparent", "00-"+remoteTraceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seenCID != remoteTraceID {
		t.Errorf("handler correlation ID = %q, want %q", seenCID, remoteTraceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != remoteTraceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, remoteTraceID)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /v1/models" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "voxrelay.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("histogram points = %+v", hist.DataPoints)
	}
}

func TestMiddleware_NewTraceWithoutHeader(t *testing.T) {
	m, _, _ := testSetup(t)
	h := Middleware(m)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
		t.Errorf("X-Correlation-ID = %q, want 32 hex chars", cid)
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
}

func (hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) { return nil, nil, nil }

func TestStatusRecorder_UnwrapReachesHijacker(t *testing.T) {
	inner := hijackableRecorder{httptest.NewRecorder()}
	var w http.ResponseWriter = &statusRecorder{ResponseWriter: inner}
	u, ok := w.(interface{ Unwrap() http.ResponseWriter })
	if !ok {
		t.Fatal("statusRecorder does not expose Unwrap")
	}
	if _, ok := u.Unwrap().(http.Hijacker); !ok {
		t.Error("unwrapped writer is not a Hijacker")
	}
}

func TestLogger_AddsTraceFields(t *testing.T) {
	_, _, _ = testSetup(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("logger without span added trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	Logger(ctx).Info("traced")
	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace fields: %s", out)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m, reader, exp := testSetup(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rtc", func(http.ResponseWriter, *http.Request) {})
	h := Middleware(m)(mux)
	for _, room := range []string{"a", "b", "c"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rtc?room="+room, nil))
	}

	for _, s := range exp.GetSpans() {
		var route string
		for _, a := range s.Attributes {
			if a.Key == "http.route" {
				route = a.Value.AsString()
			}
		}
		if route != "" && route != "/rtc" {
			t.Errorf("http.route = %q", route)
		}
	}

	met := findMetric(collect(t, reader), "voxrelay.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 3 {
		t.Errorf("want one series with 3 samples, got %+v", hist.DataPoints)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	_, _, exp := testSetup(t)

	_, span := StartSpan(context.Background(), "relay.transcribe")
	EndSpan(span, errors.New("model crashed"))
	_, span = StartSpan(context.Background(), "relay.transcribe")
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || len(spans[0].Events) == 0 {
		t.Errorf("failed span status = %+v events = %d", spans[0].Status, len(spans[0].Events))
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
}
