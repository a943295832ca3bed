package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to [http.ResponseController] and to
// websocket upgrades looking for [http.Hijacker].
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// quietPaths are polled by orchestrators and scrapers; their completion
// lines are logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// route names the request for spans and metrics. The mux pattern is used when
// the request was routed, so /rtc?room=... does not explode cardinality.
func route(r *http.Request) string {
	if r.Pattern != "" {
		if _, path, ok := strings.Cut(r.Pattern, " "); ok {
			return path
		}
		return r.Pattern
	}
	return r.URL.Path
}

// Middleware continues any W3C trace context on the request in a server span,
// echoes the trace ID as X-Correlation-ID, records the request duration, and
// logs completion.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			path := route(r)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
			if path != r.URL.Path {
				span.SetAttributes(semconv.HTTPRoute(path))
			}
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", path),
					attribute.Int("status", rec.statusCode),
				),
			)

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case quietPaths[path]:
				level = slog.LevelDebug
			}
			slog.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
