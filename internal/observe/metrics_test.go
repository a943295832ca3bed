package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the data point whose attribute key equals val.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, val string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == val {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no point with %s=%s", name, key, val)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.STTDuration.Record(ctx, 0.2)
	m.LLMDuration.Record(ctx, 0.3)
	m.TTSDuration.Record(ctx, 0.1)
	m.ToolExecutionDuration.Record(ctx, 0.001)
	m.ModelLoadDuration.Record(ctx, 4)
	m.RecordTranscription(ctx, "whispercpp", "ok", 1.5)
	m.RecordTranscription(ctx, "whispercpp", "ok", 0.5)

	rm := collect(t, reader)
	tests := []struct {
		name string
		want uint64
	}{
		{"voxrelay.stt.duration", 1},
		{"voxrelay.llm.duration", 1},
		{"voxrelay.tts.duration", 1},
		{"voxrelay.tool_execution.duration", 1},
		{"voxrelay.relay.model_load.duration", 1},
		{"voxrelay.relay.transcription.duration", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != tc.want {
				t.Errorf("sample count = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "multiply_numbers", "ok")
	m.RecordToolCall(ctx, "multiply_numbers", "ok")
	m.RecordToolCall(ctx, "multiply_numbers", "error")
	m.RecordProviderError(ctx, "openai", "tts")
	m.RecordTokens(ctx, 120, 30)
	m.RecordTokens(ctx, 0, 5)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxrelay.tool.calls", "status", "ok"); got != 2 {
		t.Errorf("ok tool calls = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxrelay.provider.errors", "kind", "tts"); got != 1 {
		t.Errorf("tts errors = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "voxrelay.llm.tokens", "kind", "prompt"); got != 120 {
		t.Errorf("prompt tokens = %d, want 120", got)
	}
	if got := sumWhere(t, rm, "voxrelay.llm.tokens", "kind", "completion"); got != 35 {
		t.Errorf("completion tokens = %d, want 35", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.InFlightTranscriptions.Add(ctx, 3)

	rm := collect(t, reader)
	gauges := []struct {
		name string
		want int64
	}{
		{"voxrelay.active_sessions", 1},
		{"voxrelay.relay.in_flight", 3},
	}
	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no sum data", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
