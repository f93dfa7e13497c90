package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxplane.stt.final_latency", m.STTFinalLatency},
		{"voxplane.llm.first_token_latency", m.LLMFirstTokenLatency},
		{"voxplane.tts.first_byte_latency", m.TTSFirstByteLatency},
		{"voxplane.turn.duration", m.TurnDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		got := findMetric(rm, tc.name)
		if got == nil {
			t.Errorf("metric %q not found after recording", tc.name)
			continue
		}
		hist, ok := got.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Errorf("metric %q is not a float64 histogram", tc.name)
			continue
		}
		if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
			t.Errorf("metric %q has unexpected data points: %+v", tc.name, hist.DataPoints)
		}
	}
}

func TestRecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "tenant-a", "completed")
	m.RecordStageError(ctx, "tts", "elevenlabs")
	m.RecordAdmissionDenial(ctx, "CONCURRENCY_LIMIT")
	m.RecordTokens(ctx, "tenant-a", 120, 45)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)

	for _, name := range []string{
		"voxplane.turns",
		"voxplane.stage.errors",
		"voxplane.admission.denials",
		"voxplane.llm.tokens",
		"voxplane.active_sessions",
	} {
		if findMetric(rm, name) == nil {
			t.Errorf("metric %q not found after recording", name)
		}
	}

	// Token counter should have two attribute sets (prompt, completion).
	tok := findMetric(rm, "voxplane.llm.tokens")
	sum, ok := tok.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("token metric is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("expected 2 token data points, got %d", len(sum.DataPoints))
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 165 {
		t.Errorf("token total = %d, want 165", total)
	}
}

func TestRecordTokens_ZeroSkipped(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordTokens(context.Background(), "tenant-a", 0, 0)

	rm := collect(t, reader)
	if got := findMetric(rm, "voxplane.llm.tokens"); got != nil {
		sum := got.Data.(metricdata.Sum[int64])
		if len(sum.DataPoints) != 0 {
			t.Errorf("zero counts should not be recorded: %+v", sum.DataPoints)
		}
	}
}
