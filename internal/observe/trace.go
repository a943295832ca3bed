package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxrelay"

// Span attribute keys shared by the relay and the agent.
const (
	AttrBackend   = attribute.Key("voxrelay.backend")
	AttrLanguage  = attribute.Key("voxrelay.language")
	AttrRoom      = attribute.Key("voxrelay.room")
	AttrSessionID = attribute.Key("voxrelay.session_id")
	AttrSpeechID  = attribute.Key("voxrelay.speech_id")
)

// StartSpan starts an internal span from the global tracer. The caller must
// end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, with trace_id and span_id when ctx
// carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
