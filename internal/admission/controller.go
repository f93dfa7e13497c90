package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxplane/voxplane/internal/observe"
)

// Controller performs the full admission check for new calls: provider
// allowlists, the usage-minute budget, and the atomic concurrency
// reservation. Safe for concurrent use.
type Controller struct {
	store   Store
	limits  LimitsProvider
	metrics *observe.Metrics

	// now is swappable for tests.
	now func() time.Time
}

// NewController creates a Controller. When limits is nil, every tenant
// gets [DefaultLimits]. When metrics is nil, denial counters are not
// recorded.
func NewController(store Store, limits LimitsProvider, metrics *observe.Metrics) *Controller {
	if limits == nil {
		limits = defaultLimitsProvider{}
	}
	return &Controller{
		store:   store,
		limits:  limits,
		metrics: metrics,
		now:     time.Now,
	}
}

type defaultLimitsProvider struct{}

func (defaultLimitsProvider) Limits(_ context.Context, _ string) (EffectivePlanLimits, error) {
	return DefaultLimits(time.Now()), nil
}

// Reserve admits the call described by req or returns a [DeniedError].
// Checks run in order: provider allowlists, usage budget, concurrency.
// The slot is taken only after every check passes, so denials never
// consume capacity.
func (c *Controller) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	if req.TenantID == "" || req.CallID == "" {
		return nil, fmt.Errorf("admission: tenant id and call id are required")
	}

	lim, err := c.limits.Limits(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("admission: resolve limits for %s: %w", req.TenantID, err)
	}

	if err := c.checkAllowlists(req, lim); err != nil {
		c.recordDenial(ctx, err)
		return nil, err
	}
	if err := c.checkUsage(ctx, req.TenantID, lim); err != nil {
		c.recordDenial(ctx, err)
		return nil, err
	}

	current, ok, err := c.store.Reserve(ctx, req, lim.MaxConcurrentCalls)
	if err != nil {
		return nil, fmt.Errorf("admission: reserve %s: %w", req.CallID, err)
	}
	if !ok {
		denied := &DeniedError{
			Code:    CodeConcurrencyLimit,
			Message: fmt.Sprintf("tenant at concurrent call limit (%d/%d)", current, lim.MaxConcurrentCalls),
			Current: current,
			Max:     lim.MaxConcurrentCalls,
		}
		c.recordDenial(ctx, denied)
		return nil, denied
	}

	slog.Info("call slot reserved",
		"tenant_id", req.TenantID,
		"call_id", req.CallID,
		"active", current+1,
		"max", lim.MaxConcurrentCalls,
	)
	return &Reservation{
		ID:         req.CallID,
		TenantID:   req.TenantID,
		ReservedAt: c.now().UTC(),
		Current:    current + 1,
		Max:        lim.MaxConcurrentCalls,
	}, nil
}

// checkAllowlists verifies the provider triple against the plan's
// per-category allowlists.
func (c *Controller) checkAllowlists(req Request, lim EffectivePlanLimits) error {
	type check struct {
		category string
		slug     string
		list     []string
	}
	for _, ch := range []check{
		{"stt", req.STTProvider, lim.AllowedSTT},
		{"llm", req.LLMProvider, lim.AllowedLLM},
		{"tts", req.TTSProvider, lim.AllowedTTS},
	} {
		if !allowed(ch.list, ch.slug) {
			return &DeniedError{
				Code:    CodeProviderNotAllowed,
				Message: fmt.Sprintf("%s provider %q is not in the plan allowlist", ch.category, ch.slug),
			}
		}
	}
	return nil
}

// checkUsage enforces the included-minute budget. Tenants over budget
// are admitted only when their subscription is active, which grants
// overage billing. This check is deliberately non-atomic: a racing call
// may slightly overshoot the allotment, which overage absorbs.
func (c *Controller) checkUsage(ctx context.Context, tenantID string, lim EffectivePlanLimits) error {
	used, err := c.store.UsedMinutes(ctx, tenantID, lim.PeriodStart, lim.PeriodEnd)
	if err != nil {
		return fmt.Errorf("admission: usage for %s: %w", tenantID, err)
	}
	if used < int64(lim.IncludedMinutes) {
		return nil
	}
	if lim.SubscriptionActive {
		return nil
	}
	return &DeniedError{
		Code:    CodeUsageLimitExceeded,
		Message: fmt.Sprintf("used %d of %d included minutes and no active subscription for overage", used, lim.IncludedMinutes),
	}
}

// Release frees the call's slot by marking it terminal with status
// ("completed" or "failed") and the call's end reason. Idempotent by
// call id.
func (c *Controller) Release(ctx context.Context, callID, status, endReason string) error {
	released, err := c.store.Release(ctx, callID, status, endReason)
	if err != nil {
		return fmt.Errorf("admission: release %s: %w", callID, err)
	}
	if released {
		slog.Info("call slot released", "call_id", callID, "status", status, "end_reason", endReason)
	}
	return nil
}

// Stats reports the tenant's active calls, concurrency limit, and minute
// budget standing for the current billing period.
func (c *Controller) Stats(ctx context.Context, tenantID string) (Stats, error) {
	lim, err := c.limits.Limits(ctx, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("admission: resolve limits for %s: %w", tenantID, err)
	}
	active, err := c.store.ActiveCount(ctx, tenantID)
	if err != nil {
		return Stats{}, fmt.Errorf("admission: active count for %s: %w", tenantID, err)
	}
	used, err := c.store.UsedMinutes(ctx, tenantID, lim.PeriodStart, lim.PeriodEnd)
	if err != nil {
		return Stats{}, fmt.Errorf("admission: usage for %s: %w", tenantID, err)
	}
	remaining := int64(lim.IncludedMinutes) - used
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Active:           active,
		Max:              lim.MaxConcurrentCalls,
		UsedMinutes:      used,
		RemainingMinutes: remaining,
	}, nil
}

// ReclaimStale releases slots held by in-progress calls older than
// maxAge, failing each one. This is the safety net behind the session
// reaper: it catches calls whose owning process died before finalizing.
// Returns the number of calls reclaimed.
func (c *Controller) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge)
	stale, err := c.store.StaleCalls(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("admission: list stale calls: %w", err)
	}

	reclaimed := 0
	for _, sc := range stale {
		released, err := c.store.Release(ctx, sc.CallID, CallFailed, "timeout")
		if err != nil {
			slog.Error("stale call reclamation failed", "call_id", sc.CallID, "err", err)
			continue
		}
		if released {
			reclaimed++
			slog.Warn("reclaimed stale call slot",
				"call_id", sc.CallID,
				"tenant_id", sc.TenantID,
				"age", c.now().Sub(sc.StartedAt),
			)
		}
	}
	return reclaimed, nil
}

func (c *Controller) recordDenial(ctx context.Context, err error) {
	if c.metrics == nil {
		return
	}
	if de, ok := Denied(err); ok {
		c.metrics.RecordAdmissionDenial(ctx, de.Code)
	}
}
