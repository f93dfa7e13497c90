// Package runtime assembles the voxplane server from its parts: the
// provider registry, the redis-backed session manager, the admission
// controller, the billing reconciler, and the websocket gateway. It
// owns the session launch path: every accepted start_session reserves
// an admission slot, creates the session record, instantiates the
// provider triple, and runs one pipeline orchestrator until the call
// ends, at which point the call is finalized for billing.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxplane/voxplane/internal/admission"
	"github.com/voxplane/voxplane/internal/billing"
	"github.com/voxplane/voxplane/internal/config"
	"github.com/voxplane/voxplane/internal/gateway"
	"github.com/voxplane/voxplane/internal/observe"
	"github.com/voxplane/voxplane/internal/pipeline"
	"github.com/voxplane/voxplane/internal/session"
	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/provider/llm"
	"github.com/voxplane/voxplane/pkg/provider/stt"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/provider/vad"
)

// ErrStoreUnavailable wraps session-store connection failures so the
// CLI can map them to its dedicated exit code.
var ErrStoreUnavailable = errors.New("runtime: session store unavailable")

// Option overrides one assembled dependency. Tests swap in miniredis
// stores and mock provider registries this way; production callers use
// the config-driven defaults.
type Option func(*options)

type options struct {
	registry       *config.Registry
	sessionStore   session.Store
	admissionStore admission.Store
	billingStore   billing.Store
	limits         admission.LimitsProvider
	rates          *billing.RateCard
	tools          *pipeline.ToolRegistry
	metrics        *observe.Metrics
	logger         *slog.Logger
}

// WithRegistry replaces the built-in provider registry.
func WithRegistry(r *config.Registry) Option { return func(o *options) { o.registry = r } }

// WithSessionStore replaces the redis session store.
func WithSessionStore(s session.Store) Option { return func(o *options) { o.sessionStore = s } }

// WithAdmissionStore replaces the call-slot registry.
func WithAdmissionStore(s admission.Store) Option { return func(o *options) { o.admissionStore = s } }

// WithBillingStore replaces the call and usage record store.
func WithBillingStore(s billing.Store) Option { return func(o *options) { o.billingStore = s } }

// WithLimits replaces the plan limits source.
func WithLimits(l admission.LimitsProvider) Option { return func(o *options) { o.limits = l } }

// WithRateCard replaces the billing price list.
func WithRateCard(r *billing.RateCard) Option { return func(o *options) { o.rates = r } }

// WithTools installs the tool registry exposed to every session's LLM.
func WithTools(t *pipeline.ToolRegistry) Option { return func(o *options) { o.tools = t } }

// WithMetrics replaces the metrics instruments.
func WithMetrics(m *observe.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithLogger replaces the root logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Runtime is the fully wired server. Construct with [New], drive with
// [Runtime.Run], stop by cancelling the context.
type Runtime struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *observe.Metrics
	registry *config.Registry
	tools    *pipeline.ToolRegistry
	rates    *billing.RateCard

	sessionStore session.Store
	sessions     *session.Manager

	admissionStore admission.Store
	admission      *admission.Controller

	billingStore billing.Store
	reconciler   *billing.Reconciler

	server   *gateway.Server
	pgpool   *pgxpool.Pool
	breakers *breakerSet

	wg sync.WaitGroup
}

// New assembles a Runtime from cfg, constructing every dependency not
// overridden by an option. The session store connection is verified
// here; an unreachable redis fails construction with
// [ErrStoreUnavailable].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}
	if o.rates == nil {
		o.rates = billing.DefaultRateCard()
	}
	if o.tools == nil {
		o.tools = pipeline.NewToolRegistry()
	}

	rt := &Runtime{
		cfg:      cfg,
		log:      o.logger,
		metrics:  o.metrics,
		registry: o.registry,
		tools:    o.tools,
		rates:    o.rates,
		breakers: newBreakerSet(),
	}

	if o.sessionStore != nil {
		rt.sessionStore = o.sessionStore
	} else {
		store, err := session.NewRedisStore(ctx, cfg.Redis, cfg.Session.TTL())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		rt.sessionStore = store
	}

	rt.admissionStore = o.admissionStore
	rt.billingStore = o.billingStore
	if rt.admissionStore == nil || rt.billingStore == nil {
		if err := rt.openDurableStores(ctx); err != nil {
			_ = rt.sessionStore.Close()
			return nil, err
		}
	}

	rt.admission = admission.NewController(rt.admissionStore, o.limits, rt.metrics)

	rt.reconciler = billing.NewReconciler(billing.ReconcilerConfig{
		Store:     rt.billingStore,
		Rates:     rt.rates,
		Admission: rt.admission,
		Limits:    o.limits,
		Metrics:   rt.metrics,
	})

	rt.sessions = session.NewManager(session.ManagerConfig{
		Store:           rt.sessionStore,
		TTL:             cfg.Session.TTL(),
		CleanupInterval: cfg.Session.CleanupInterval(),
		OnForceEnd:      rt.forceEnd,
	})

	rt.server = gateway.NewServer(cfg.Server, rt, rt.metrics, rt.log)
	return rt, nil
}

// openDurableStores connects the admission and billing stores: postgres
// when a DSN is configured, in-memory otherwise.
func (rt *Runtime) openDurableStores(ctx context.Context) error {
	if rt.cfg.Postgres.DSN == "" {
		if rt.admissionStore == nil {
			rt.admissionStore = admission.NewMemStore()
		}
		if rt.billingStore == nil {
			rt.billingStore = billing.NewMemStore()
		}
		rt.log.Warn("no postgres dsn configured, using in-memory call and usage stores")
		return nil
	}

	pool, err := pgxpool.New(ctx, rt.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("runtime: postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("runtime: postgres ping: %w", err)
	}
	rt.pgpool = pool

	if rt.admissionStore == nil {
		store := admission.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		rt.admissionStore = store
	}
	if rt.billingStore == nil {
		store := billing.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		rt.billingStore = store
	}
	return nil
}

// Run serves until ctx is cancelled. Background workers (session
// reaper, usage sweep, stale slot reclaim) run for the duration; live
// pipelines are drained before Run returns.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.sessions.Start()
	rt.reconciler.Start()

	reclaimCtx, stopReclaim := context.WithCancel(ctx)
	reclaimDone := make(chan struct{})
	go rt.reclaimLoop(reclaimCtx, reclaimDone)

	err := rt.server.ListenAndServe(ctx)

	stopReclaim()
	<-reclaimDone
	rt.wg.Wait()
	rt.reconciler.Stop()
	rt.sessions.Stop()
	rt.closeStores()
	return err
}

func (rt *Runtime) closeStores() {
	if err := rt.sessions.Close(); err != nil {
		rt.log.Error("session store close failed", "error", err)
	}
	if err := rt.admissionStore.Close(); err != nil {
		rt.log.Error("admission store close failed", "error", err)
	}
	if err := rt.billingStore.Close(); err != nil {
		rt.log.Error("billing store close failed", "error", err)
	}
	if rt.pgpool != nil {
		rt.pgpool.Close()
	}
}

// reclaimLoop frees admission slots held by calls whose process died
// without releasing them.
func (rt *Runtime) reclaimLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(rt.cfg.Session.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := rt.admission.ReclaimStale(context.Background(), rt.cfg.Session.MaxStaleCall())
			if err != nil {
				rt.log.Error("stale slot reclaim failed", "error", err)
			} else if n > 0 {
				rt.log.Warn("reclaimed stale admission slots", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// StartSession implements gateway.Starter: reserve a slot, create the
// session record, build the provider triple, and launch the pipeline.
// Every failure after the reservation releases the slot before
// returning.
func (rt *Runtime) StartSession(ctx context.Context, spec session.Spec, emitter pipeline.Emitter) (gateway.Runner, error) {
	res, err := rt.admission.Reserve(ctx, admission.Request{
		TenantID:    spec.TenantID,
		CallID:      spec.CallID,
		AgentID:     spec.AgentID,
		Direction:   spec.Direction,
		STTProvider: spec.STT.Provider,
		LLMProvider: spec.LLM.Provider,
		TTSProvider: spec.TTS.Provider,
	})
	if err != nil {
		return nil, err
	}

	sess, err := rt.sessions.Create(ctx, spec)
	if err != nil {
		rt.releaseSlot(spec.CallID)
		return nil, err
	}

	providers, err := rt.buildProviders(spec)
	if err != nil {
		rt.log.Error("provider construction failed",
			"session_id", sess.ID, "error", err)
		if _, ferr := rt.sessions.Fail(ctx, sess.ID, session.EndReasonError); ferr != nil {
			rt.log.Error("session fail transition failed", "session_id", sess.ID, "error", ferr)
		}
		rt.releaseSlot(spec.CallID)
		return nil, err
	}

	orch, err := pipeline.New(pipeline.Config{
		Session:      sess,
		Manager:      rt.sessions,
		STT:          providers.stt,
		LLM:          providers.llm,
		TTS:          providers.tts,
		VAD:          providers.vad,
		Emitter:      emitter,
		Tools:        rt.tools,
		Metrics:      rt.metrics,
		Logger:       rt.log,
		EstimateCost: rt.estimator(spec),
	})
	if err != nil {
		rt.releaseSlot(spec.CallID)
		return nil, err
	}

	rt.log.Info("session starting",
		"session_id", sess.ID,
		"tenant_id", spec.TenantID,
		"call_id", spec.CallID,
		"concurrency", fmt.Sprintf("%d/%d", res.Current, res.Max),
	)

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := orch.Run(context.Background()); err != nil {
			rt.log.Error("pipeline exited with error", "session_id", sess.ID, "error", err)
		}
		rt.finalize(orch.Session())
	}()

	return &runner{orch: orch}, nil
}

// releaseSlot frees the admission slot directly, bypassing billing, for
// calls that never produced a session to finalize.
func (rt *Runtime) releaseSlot(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.admission.Release(ctx, callID, admission.CallFailed, session.EndReasonError); err != nil {
		rt.log.Error("admission release failed", "call_id", callID, "error", err)
	}
}

// estimator prices the session's running metrics with the rate card so
// turn_complete messages carry a live cost estimate.
func (rt *Runtime) estimator(spec session.Spec) func(session.Metrics) int64 {
	return func(m session.Metrics) int64 {
		costs := rt.rates.Compute(spec.STT.Provider, spec.LLM.Provider, spec.TTS.Provider, billing.Quantities{
			Duration: m.Duration,
			STTAudio: m.STTAudioDuration,
			TTSAudio: m.TTSAudioDuration,
			Tokens:   m.TokenCount,
		})
		return costs.TotalMinor
	}
}

// finalize closes out a terminal session's call record and usage, and
// releases its admission slot. Idempotent by call id.
func (rt *Runtime) finalize(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endedAt := time.Now().UTC()
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	var callErr string
	if sess.Status == session.StatusError {
		callErr = sess.EndReason
	}

	_, err := rt.reconciler.Finalize(ctx, billing.FinalizeRequest{
		TenantID:    sess.Spec.TenantID,
		CallID:      sess.Spec.CallID,
		AgentID:     sess.Spec.AgentID,
		Direction:   sess.Spec.Direction,
		StartedAt:   sess.StartedAt,
		EndedAt:     endedAt,
		STTProvider: sess.Spec.STT.Provider,
		LLMProvider: sess.Spec.LLM.Provider,
		TTSProvider: sess.Spec.TTS.Provider,
		Quantities: billing.Quantities{
			Duration: sess.Metrics.Duration,
			STTAudio: sess.Metrics.STTAudioDuration,
			TTSAudio: sess.Metrics.TTSAudioDuration,
			Tokens:   sess.Metrics.TokenCount,
		},
		EndReason: sess.EndReason,
		Error:     callErr,
		Metadata:  sess.Spec.Metadata,
	})
	if err != nil {
		rt.log.Error("call finalization failed",
			"session_id", sess.ID, "call_id", sess.Spec.CallID, "error", err)
	}
}

// forceEnd finalizes sessions the reaper killed, so their slots and
// usage records are not orphaned.
func (rt *Runtime) forceEnd(_ context.Context, sess *session.Session) {
	rt.finalize(sess)
}

// providerSet is the instantiated provider triple plus the VAD engine.
type providerSet struct {
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider
	vad vad.Engine
}

// buildProviders instantiates the spec's provider selections from the
// registry, overlaying the spec's model choice on the configured entry.
// Each remote provider is wrapped in the slug's shared circuit breaker
// so stream-open failures against a sick provider shed load fast.
func (rt *Runtime) buildProviders(spec session.Spec) (providerSet, error) {
	var ps providerSet

	sttProv, err := rt.registry.CreateSTT(spec.STT.Provider, rt.entry(rt.cfg.Providers.STT, spec.STT))
	if err != nil {
		return ps, err
	}
	ps.stt = &guardedSTT{inner: sttProv, cb: rt.breakers.get("stt/" + spec.STT.Provider)}

	llmProv, err := rt.registry.CreateLLM(spec.LLM.Provider, rt.entry(rt.cfg.Providers.LLM, spec.LLM))
	if err != nil {
		return ps, err
	}
	ps.llm = &guardedLLM{inner: llmProv, cb: rt.breakers.get("llm/" + spec.LLM.Provider)}

	ttsProv, err := rt.registry.CreateTTS(spec.TTS.Provider, rt.entry(rt.cfg.Providers.TTS, spec.TTS))
	if err != nil {
		return ps, err
	}
	ps.tts = &guardedTTS{inner: ttsProv, cb: rt.breakers.get("tts/" + spec.TTS.Provider)}

	ps.vad, err = rt.registry.CreateVAD(VADSlug, config.ProviderEntry{})
	return ps, err
}

// entry resolves the configured entry for a selection, with the spec's
// model winning over the configured default.
func (rt *Runtime) entry(entries map[string]config.ProviderEntry, sel session.ProviderSelection) config.ProviderEntry {
	e := entries[sel.Provider]
	if sel.Model != "" {
		e.Model = sel.Model
	}
	return e
}

// runner adapts a pipeline orchestrator to the gateway's Runner surface.
type runner struct {
	orch *pipeline.Orchestrator
}

var _ gateway.Runner = (*runner)(nil)

func (r *runner) ID() string { return r.orch.Session().ID }

func (r *runner) OutputFormat() audio.Format { return r.orch.OutputFormat() }

func (r *runner) PushAudio(f audio.Frame) bool { return r.orch.PushAudio(f) }

func (r *runner) End(reason string) { r.orch.End(reason) }
