// Package observe provides the observability primitives shared by the relay
// and the agent worker: OpenTelemetry metrics, tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter bridge set up by [InitProvider]
// and served by [Handler]. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] instead of [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/voxrelay"

// Metrics holds all metric instruments. All fields are safe for concurrent
// use.
type Metrics struct {
	// ── Relay ───────────────────────────────────────────────────────────────

	// TranscriptionDuration tracks recogniser latency per upload. Attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	TranscriptionDuration metric.Float64Histogram

	// ModelLoadDuration tracks how long the recogniser model took to load.
	ModelLoadDuration metric.Float64Histogram

	// InFlightTranscriptions tracks uploads currently being transcribed.
	InFlightTranscriptions metric.Int64UpDownCounter

	// ── Agent pipeline ──────────────────────────────────────────────────────

	STTDuration metric.Float64Histogram

	// LLMDuration tracks time to the first streamed token.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time to the first audio chunk.
	TTSDuration metric.Float64Histogram

	ToolExecutionDuration metric.Float64Histogram

	// ToolCalls counts tool invocations. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// LLMTokens counts tokens. Attributes:
	//   attribute.String("kind", "prompt"|"completion")
	LLMTokens metric.Int64Counter

	// TTSCharacters counts characters sent to synthesis.
	TTSCharacters metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks live agent sessions.
	ActiveSessions metric.Int64UpDownCounter

	// RejectedSessions counts connections refused because the worker was full.
	RejectedSessions metric.Int64Counter

	// ── HTTP middleware ─────────────────────────────────────────────────────

	// HTTPRequestDuration tracks request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.TranscriptionDuration, "voxrelay.relay.transcription.duration", "Latency of one relay transcription."},
		{&met.ModelLoadDuration, "voxrelay.relay.model_load.duration", "Time taken to load the recogniser model."},
		{&met.STTDuration, "voxrelay.stt.duration", "Latency of speech-to-text transcription."},
		{&met.LLMDuration, "voxrelay.llm.duration", "Time to first token of LLM replies."},
		{&met.TTSDuration, "voxrelay.tts.duration", "Time to first audio of text-to-speech synthesis."},
		{&met.ToolExecutionDuration, "voxrelay.tool_execution.duration", "Latency of tool execution."},
		{&met.HTTPRequestDuration, "voxrelay.http.request.duration", "HTTP request latency by method and path."},
	}
	for _, h := range histograms {
		var err error
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ToolCalls, "voxrelay.tool.calls", "Total tool invocations by tool name and status."},
		{&met.LLMTokens, "voxrelay.llm.tokens", "Total LLM tokens by kind."},
		{&met.TTSCharacters, "voxrelay.tts.characters", "Total characters synthesised."},
		{&met.ProviderErrors, "voxrelay.provider.errors", "Total provider errors by provider and kind."},
		{&met.RejectedSessions, "voxrelay.sessions.rejected", "Connections refused at the session limit."},
	}
	for _, c := range counters {
		var err error
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	var err error
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of live agent sessions."),
	); err != nil {
		return nil, err
	}
	if met.InFlightTranscriptions, err = m.Int64UpDownCounter("voxrelay.relay.in_flight",
		metric.WithDescription("Number of uploads currently being transcribed."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. Call [InitProvider] first to get Prometheus export.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall increments the tool call counter.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTokens adds prompt and completion token counts.
func (m *Metrics) RecordTokens(ctx context.Context, prompt, completion int) {
	if prompt > 0 {
		m.LLMTokens.Add(ctx, int64(prompt), metric.WithAttributes(attribute.String("kind", "prompt")))
	}
	if completion > 0 {
		m.LLMTokens.Add(ctx, int64(completion), metric.WithAttributes(attribute.String("kind", "completion")))
	}
}

// RecordTranscription records one relay transcription.
func (m *Metrics) RecordTranscription(ctx context.Context, backend, status string, seconds float64) {
	m.TranscriptionDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}
