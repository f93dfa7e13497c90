// Package observe provides application-wide observability primitives for
// voxplane: OpenTelemetry metrics, distributed tracing, and the provider
// setup that bridges them to Prometheus.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxplane
// metrics.
const meterName = "github.com/voxplane/voxplane"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTFinalLatency tracks time from end-of-utterance to the final
	// transcript.
	STTFinalLatency metric.Float64Histogram

	// LLMFirstTokenLatency tracks time from dispatching a completion to
	// the first streamed token.
	LLMFirstTokenLatency metric.Float64Histogram

	// TTSFirstByteLatency tracks time from first LLM token to first
	// synthesised PCM byte.
	TTSFirstByteLatency metric.Float64Histogram

	// TurnDuration tracks full turn latency, user speech end to assistant
	// speech end.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversation turns. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// Tokens counts LLM tokens consumed. Use with attributes:
	//   attribute.String("tenant", ...), attribute.String("direction", "prompt"|"completion")
	Tokens metric.Int64Counter

	// BargeIns counts caller interruptions of assistant speech.
	BargeIns metric.Int64Counter

	// DroppedAudioFrames counts inbound frames discarded under
	// backpressure.
	DroppedAudioFrames metric.Int64Counter

	// StageErrors counts pipeline stage failures. Use with attributes:
	//   attribute.String("stage", "stt"|"llm"|"tts"), attribute.String("provider", ...)
	StageErrors metric.Int64Counter

	// AdmissionDenials counts rejected session starts. Use with attribute:
	//   attribute.String("reason", ...)
	AdmissionDenials metric.Int64Counter

	// BilledMinutes accumulates billed call minutes per tenant.
	BilledMinutes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds)
// optimised for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation
// fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTFinalLatency, err = m.Float64Histogram("voxplane.stt.final_latency",
		metric.WithDescription("Time from end-of-utterance to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenLatency, err = m.Float64Histogram("voxplane.llm.first_token_latency",
		metric.WithDescription("Time from completion dispatch to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstByteLatency, err = m.Float64Histogram("voxplane.tts.first_byte_latency",
		metric.WithDescription("Time from first LLM token to first synthesised PCM byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxplane.turn.duration",
		metric.WithDescription("Full turn latency, user speech end to assistant speech end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voxplane.turns",
		metric.WithDescription("Completed conversation turns by tenant and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("voxplane.llm.tokens",
		metric.WithDescription("LLM tokens consumed by tenant and direction."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxplane.barge_ins",
		metric.WithDescription("Caller interruptions of assistant speech."),
	); err != nil {
		return nil, err
	}
	if met.DroppedAudioFrames, err = m.Int64Counter("voxplane.audio.dropped_frames",
		metric.WithDescription("Inbound audio frames discarded under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("voxplane.stage.errors",
		metric.WithDescription("Pipeline stage failures by stage and provider."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionDenials, err = m.Int64Counter("voxplane.admission.denials",
		metric.WithDescription("Rejected session starts by reason."),
	); err != nil {
		return nil, err
	}
	if met.BilledMinutes, err = m.Int64Counter("voxplane.billing.minutes",
		metric.WithDescription("Billed call minutes by tenant."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxplane.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen
// with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStageError records a pipeline stage failure with the standard
// attribute set.
func (m *Metrics) RecordStageError(ctx context.Context, stage, provider string) {
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("provider", provider),
		),
	)
}

// RecordTurn records a completed turn with the standard attribute set.
func (m *Metrics) RecordTurn(ctx context.Context, tenant, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTokens records prompt and completion token consumption for a
// tenant.
func (m *Metrics) RecordTokens(ctx context.Context, tenant string, prompt, completion int) {
	if prompt > 0 {
		m.Tokens.Add(ctx, int64(prompt), metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("direction", "prompt"),
		))
	}
	if completion > 0 {
		m.Tokens.Add(ctx, int64(completion), metric.WithAttributes(
			attribute.String("tenant", tenant),
			attribute.String("direction", "completion"),
		))
	}
}

// RecordAdmissionDenial records a rejected session start.
func (m *Metrics) RecordAdmissionDenial(ctx context.Context, reason string) {
	m.AdmissionDenials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
