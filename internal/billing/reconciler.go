package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxplane/voxplane/internal/admission"
	"github.com/voxplane/voxplane/internal/observe"
)

// sweepBatch caps how many unrecorded calls one sweep tick processes.
const sweepBatch = 100

// FinalizeRequest carries everything needed to close out a call.
type FinalizeRequest struct {
	TenantID  string
	CallID    string
	AgentID   string
	Direction string

	StartedAt time.Time
	EndedAt   time.Time

	STTProvider string
	LLMProvider string
	TTSProvider string

	// Quantities is the pipeline's measured usage for the call.
	Quantities Quantities

	// EndReason is the session end reason; it determines the call's
	// terminal status ("error"/"timeout" fail, everything else
	// completes).
	EndReason string

	// Error describes the failure for failed calls.
	Error string

	Metadata map[string]string
}

// Reconciler finalizes calls: it computes costs, writes the terminal
// call record and the write-once usage record, and releases the
// admission slot. Finalize is idempotent by call id and may be retried
// freely. Safe for concurrent use.
type Reconciler struct {
	store     Store
	rates     *RateCard
	admission *admission.Controller
	limits    admission.LimitsProvider
	metrics   *observe.Metrics

	sweepInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// ReconcilerConfig holds the dependencies for a [Reconciler].
type ReconcilerConfig struct {
	// Store persists call and usage records.
	Store Store

	// Rates prices the measured quantities. Nil selects
	// [DefaultRateCard].
	Rates *RateCard

	// Admission releases the call slot on finalization. Required.
	Admission *admission.Controller

	// Limits supplies billing period bounds for usage records. Nil uses
	// the calendar month of the call end.
	Limits admission.LimitsProvider

	// Metrics records billed minutes. May be nil.
	Metrics *observe.Metrics

	// SweepInterval is the cadence of the background usage-record retry
	// sweep. Zero selects one minute.
	SweepInterval time.Duration
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Rates == nil {
		cfg.Rates = DefaultRateCard()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Reconciler{
		store:         cfg.Store,
		rates:         cfg.Rates,
		admission:     cfg.Admission,
		limits:        cfg.Limits,
		metrics:       cfg.Metrics,
		sweepInterval: cfg.SweepInterval,
		done:          make(chan struct{}),
	}
}

// Finalize closes out the call described by req. The first invocation
// for a call id writes the terminal record and emits the usage record;
// repeats return the stored record unchanged. The admission slot is
// released on every path, including when the usage write fails — the
// sweep re-emits missing usage records later.
func (r *Reconciler) Finalize(ctx context.Context, req FinalizeRequest) (*CallRecord, error) {
	if req.CallID == "" {
		return nil, fmt.Errorf("billing: finalize: call id is required")
	}
	if req.EndedAt.IsZero() {
		req.EndedAt = time.Now().UTC()
	}
	if req.Quantities.Duration <= 0 && !req.StartedAt.IsZero() {
		req.Quantities.Duration = req.EndedAt.Sub(req.StartedAt)
	}

	costs := r.rates.Compute(req.STTProvider, req.LLMProvider, req.TTSProvider, req.Quantities)
	billed := BilledMinutes(req.Quantities.Duration)

	rec := &CallRecord{
		CallID:             req.CallID,
		TenantID:           req.TenantID,
		AgentID:            req.AgentID,
		Direction:          req.Direction,
		Status:             terminalStatus(req.EndReason),
		StartedAt:          req.StartedAt,
		EndedAt:            req.EndedAt,
		DurationSeconds:    int(req.Quantities.Duration / time.Second),
		BilledMinutes:      billed,
		STTProvider:        req.STTProvider,
		LLMProvider:        req.LLMProvider,
		TTSProvider:        req.TTSProvider,
		STTCostMinor:       costs.STTMinor,
		LLMCostMinor:       costs.LLMMinor,
		TTSCostMinor:       costs.TTSMinor,
		TelephonyCostMinor: costs.TelephonyMinor,
		TotalCostMinor:     costs.TotalMinor,
		EndReason:          req.EndReason,
		Error:              req.Error,
		Metadata:           req.Metadata,
	}

	applied, err := r.store.FinalizeCall(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Already finalized: return the stored record so repeated
		// release calls observe identical results.
		existing, err := r.store.GetCall(ctx, req.CallID)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	if err := r.emitUsage(ctx, rec); err != nil {
		slog.Error("usage record emission failed, sweep will retry",
			"call_id", rec.CallID, "err", err)
	}

	if r.admission != nil {
		if err := r.admission.Release(ctx, rec.CallID, rec.Status, rec.EndReason); err != nil {
			slog.Error("slot release failed", "call_id", rec.CallID, "err", err)
		}
	}

	if r.metrics != nil && billed > 0 {
		r.metrics.BilledMinutes.Add(ctx, int64(billed),
			metric.WithAttributes(observe.Attr("tenant", rec.TenantID)))
	}

	slog.Info("call finalized",
		"call_id", rec.CallID,
		"tenant_id", rec.TenantID,
		"status", rec.Status,
		"end_reason", rec.EndReason,
		"billed_minutes", billed,
		"total_cost_minor", rec.TotalCostMinor,
	)
	return rec, nil
}

// emitUsage writes the call's write-once usage record.
func (r *Reconciler) emitUsage(ctx context.Context, rec *CallRecord) error {
	start, end := r.period(ctx, rec.TenantID, rec.EndedAt)

	var unitCost int64
	if rec.BilledMinutes > 0 {
		unitCost = rec.TotalCostMinor / int64(rec.BilledMinutes)
	}

	meta := map[string]string{
		"stt_provider": rec.STTProvider,
		"llm_provider": rec.LLMProvider,
		"tts_provider": rec.TTSProvider,
		"end_reason":   rec.EndReason,
	}
	for k, v := range rec.Metadata {
		meta[k] = v
	}

	_, err := r.store.InsertUsage(ctx, &UsageRecord{
		CallID:         rec.CallID,
		TenantID:       rec.TenantID,
		PeriodStart:    start,
		PeriodEnd:      end,
		UsageType:      UsageTypeCallMinutes,
		Quantity:       int64(rec.BilledMinutes),
		UnitCostMinor:  unitCost,
		TotalCostMinor: rec.TotalCostMinor,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	})
	return err
}

// period resolves the billing period bounds covering t.
func (r *Reconciler) period(ctx context.Context, tenantID string, t time.Time) (time.Time, time.Time) {
	if r.limits != nil {
		if lim, err := r.limits.Limits(ctx, tenantID); err == nil && !lim.PeriodStart.IsZero() {
			return lim.PeriodStart, lim.PeriodEnd
		}
	}
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Sweep emits usage records for terminal calls that are missing one.
// Returns the number of records emitted.
func (r *Reconciler) Sweep(ctx context.Context) int {
	missing, err := r.store.MissingUsage(ctx, sweepBatch)
	if err != nil {
		slog.Error("usage sweep failed", "err", err)
		return 0
	}

	emitted := 0
	for _, rec := range missing {
		if err := r.emitUsage(ctx, rec); err != nil {
			slog.Error("usage sweep emission failed", "call_id", rec.CallID, "err", err)
			continue
		}
		emitted++
	}
	if emitted > 0 {
		slog.Info("usage sweep recovered records", "count", emitted)
	}
	return emitted
}

// Start launches the background sweep. Call [Reconciler.Stop] to halt.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(context.Background())
			case <-r.done:
				return
			}
		}
	}()
}

// Stop halts the sweep and waits for it to exit. Safe to call more than
// once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}
