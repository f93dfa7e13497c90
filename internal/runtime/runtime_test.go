package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxplane/voxplane/internal/admission"
	"github.com/voxplane/voxplane/internal/billing"
	"github.com/voxplane/voxplane/internal/config"
	"github.com/voxplane/voxplane/internal/observe"
	"github.com/voxplane/voxplane/internal/pipeline"
	"github.com/voxplane/voxplane/internal/session"
	"github.com/voxplane/voxplane/pkg/provider/llm"
	llmmock "github.com/voxplane/voxplane/pkg/provider/llm/mock"
	"github.com/voxplane/voxplane/pkg/provider/stt"
	sttmock "github.com/voxplane/voxplane/pkg/provider/stt/mock"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	ttsmock "github.com/voxplane/voxplane/pkg/provider/tts/mock"
	"github.com/voxplane/voxplane/pkg/provider/vad"
	vadmock "github.com/voxplane/voxplane/pkg/provider/vad/mock"
	"github.com/voxplane/voxplane/pkg/types"
)

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// nopEmitter discards everything; runtime tests assert on stores, not
// wire traffic.
type nopEmitter struct{}

func (nopEmitter) SendPartial(string)                    {}
func (nopEmitter) SendFinal(string)                      {}
func (nopEmitter) SendToken(string)                      {}
func (nopEmitter) SendAudio([]byte)                      {}
func (nopEmitter) SendBargeIn()                          {}
func (nopEmitter) SendTurnComplete(pipeline.TurnMetrics) {}
func (nopEmitter) SendSessionEnded(session.Metrics)      {}
func (nopEmitter) SendError(string, string)              {}

// mockRegistry serves mock providers under the production slugs.
func mockRegistry() *config.Registry {
	r := config.NewRegistry()
	r.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	r.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hello."},
			{FinishReason: llm.FinishStop, Usage: types.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
		}}, nil
	})
	r.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{AudioChunks: [][]byte{make([]byte, 3200)}}, nil
	})
	r.RegisterVAD(VADSlug, func(config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{Session: &vadmock.Session{Default: vad.Event{Type: vad.Silence}}}, nil
	})
	return r
}

type fixture struct {
	rt        *Runtime
	admStore  *admission.MemStore
	billStore *billing.MemStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := session.NewRedisStoreWithClient(client, time.Hour)

	admStore := admission.NewMemStore()
	billStore := billing.NewMemStore()

	base := []Option{
		WithSessionStore(store),
		WithAdmissionStore(admStore),
		WithBillingStore(billStore),
		WithRegistry(mockRegistry()),
		WithMetrics(newTestMetrics(t)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	rt, err := New(context.Background(), config.Default(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{rt: rt, admStore: admStore, billStore: billStore}
}

func testSpec(callID string) session.Spec {
	return session.Spec{
		TenantID:               "acme",
		CallID:                 callID,
		AgentID:                "agent-1",
		Direction:              "web",
		SystemPrompt:           "You are a support agent.",
		MaxCallDurationSeconds: 300,
		STT:                    session.ProviderSelection{Provider: "deepgram"},
		LLM:                    session.ProviderSelection{Provider: "openai", Model: "gpt-4o-mini"},
		TTS:                    session.ProviderSelection{Provider: "elevenlabs", VoiceID: "rachel"},
	}
}

func waitForCall(t *testing.T, store *billing.MemStore, callID string) *billing.CallRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetCall(context.Background(), callID)
		if err == nil {
			return rec
		}
		if !errors.Is(err, billing.ErrCallNotFound) {
			t.Fatalf("GetCall: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("call record never finalized")
	return nil
}

func TestStartSessionLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	r, err := f.rt.StartSession(ctx, testSpec("call-1"), nopEmitter{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if r.ID() == "" {
		t.Error("runner has no session id")
	}
	if r.OutputFormat().SampleRate == 0 {
		t.Error("runner advertises no output format")
	}

	active, err := f.admStore.ActiveCount(ctx, "acme")
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if active != 1 {
		t.Fatalf("active calls = %d, want 1 while session runs", active)
	}

	r.End(session.EndReasonNormal)

	rec := waitForCall(t, f.billStore, "call-1")
	if rec.Status != admission.CallCompleted {
		t.Errorf("call status = %q, want %q", rec.Status, admission.CallCompleted)
	}
	if rec.EndReason != session.EndReasonNormal {
		t.Errorf("end reason = %q, want %q", rec.EndReason, session.EndReasonNormal)
	}
	if rec.TenantID != "acme" || rec.AgentID != "agent-1" {
		t.Errorf("record identity = %q/%q", rec.TenantID, rec.AgentID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := f.admStore.ActiveCount(ctx, "acme"); n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("admission slot not released after finalization")
}

func TestStartSessionConcurrencyDenied(t *testing.T) {
	t.Parallel()

	limits := &admission.StaticLimits{Defaults: admission.EffectivePlanLimits{
		IncludedMinutes:    300,
		MaxConcurrentCalls: 1,
		SubscriptionActive: true,
		PeriodStart:        time.Now().Add(-time.Hour),
		PeriodEnd:          time.Now().Add(time.Hour),
	}}
	f := newFixture(t, WithLimits(limits))
	ctx := context.Background()

	r, err := f.rt.StartSession(ctx, testSpec("call-a"), nopEmitter{})
	if err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	defer func() {
		r.End(session.EndReasonNormal)
		waitForCall(t, f.billStore, "call-a")
	}()

	_, err = f.rt.StartSession(ctx, testSpec("call-b"), nopEmitter{})
	d, ok := admission.Denied(err)
	if !ok {
		t.Fatalf("second StartSession error = %v, want a denial", err)
	}
	if d.Code != admission.CodeConcurrencyLimit {
		t.Errorf("denial code = %q, want %q", d.Code, admission.CodeConcurrencyLimit)
	}
	if d.Current != 1 || d.Max != 1 {
		t.Errorf("denial occupancy = %d/%d, want 1/1", d.Current, d.Max)
	}
}

func TestStartSessionUnknownProviderReleasesSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	spec := testSpec("call-x")
	spec.TTS.Provider = "nonexistent"

	_, err := f.rt.StartSession(ctx, spec, nopEmitter{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}

	active, aerr := f.admStore.ActiveCount(ctx, "acme")
	if aerr != nil {
		t.Fatalf("ActiveCount: %v", aerr)
	}
	if active != 0 {
		t.Errorf("active calls = %d, want 0 after failed launch", active)
	}
}

func TestStaleSessionReapFinalizesCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	r, err := f.rt.StartSession(ctx, testSpec("call-stale"), nopEmitter{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	sess, err := f.rt.sessions.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Age the session past the one-hour TTL. The extra half minute keeps
	// the billed-minute count stable against scheduling jitter.
	sess.StartedAt = time.Now().UTC().Add(-(2*time.Hour + 30*time.Second))
	if err := f.rt.sessions.Update(ctx, sess); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if n := f.rt.sessions.ReapStale(ctx); n != 1 {
		t.Fatalf("ReapStale = %d, want 1", n)
	}

	rec := waitForCall(t, f.billStore, "call-stale")
	if rec.Status != admission.CallFailed {
		t.Errorf("call status = %q, want %q", rec.Status, admission.CallFailed)
	}
	if rec.EndReason != session.EndReasonTimeout {
		t.Errorf("end reason = %q, want %q", rec.EndReason, session.EndReasonTimeout)
	}
	if rec.BilledMinutes != 121 {
		t.Errorf("billed minutes = %d, want 121 for a 2h30s call", rec.BilledMinutes)
	}

	usage := f.billStore.Usage("call-stale")
	if usage == nil || usage.Quantity != int64(rec.BilledMinutes) {
		t.Errorf("usage record = %+v, want quantity %d", usage, rec.BilledMinutes)
	}

	active, err := f.admStore.ActiveCount(ctx, "acme")
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if active != 0 {
		t.Errorf("active calls = %d, want 0 after the reap released the slot", active)
	}
}

func TestEstimatorPricesRunningMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	spec := testSpec("call-est")
	est := f.rt.estimator(spec)

	m := session.Metrics{
		Duration:         2 * time.Minute,
		STTAudioDuration: 90 * time.Second,
		TTSAudioDuration: 45 * time.Second,
		TokenCount:       1500,
	}
	got := est(m)
	want := billing.DefaultRateCard().Compute("deepgram", "openai", "elevenlabs", billing.Quantities{
		Duration: m.Duration,
		STTAudio: m.STTAudioDuration,
		TTSAudio: m.TTSAudioDuration,
		Tokens:   m.TokenCount,
	}).TotalMinor
	if got != want {
		t.Errorf("estimate = %d, want %d", got, want)
	}
	if got <= 0 {
		t.Error("estimate should be positive for nonzero usage")
	}
}

func TestDefaultRegistryCoversConfiguredSlugs(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	if _, err := r.CreateVAD(VADSlug, config.ProviderEntry{}); err != nil {
		t.Errorf("CreateVAD(%q): %v", VADSlug, err)
	}
	// Unknown slugs stay typed errors the gateway can classify.
	if _, err := r.CreateSTT("bogus", config.ProviderEntry{}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT(bogus) = %v, want ErrProviderNotRegistered", err)
	}
}
