// Package admission enforces per-tenant concurrency and usage limits for
// new call sessions.
//
// Reservation is the atomic core: [Controller.Reserve] locks the tenant's
// row (or its in-memory equivalent), counts non-terminal calls, compares
// against the plan's max_concurrent_calls, and either registers the call
// as in progress or returns a typed denial. Provider allowlists and the
// usage-minute budget are checked before the slot is taken so a denied
// request never consumes capacity.
//
// Release is idempotent by call id: the first release marks the call
// terminal and frees the slot, repeats are no-ops. Calls whose process
// died without releasing are reclaimed by [Controller.ReclaimStale].
package admission

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Denial codes surfaced on the wire and in [DeniedError.Code].
const (
	CodeConcurrencyLimit     = "CONCURRENCY_LIMIT"
	CodeProviderNotAllowed   = "PROVIDER_NOT_ALLOWED"
	CodeUsageLimitExceeded   = "USAGE_LIMIT_EXCEEDED"
	CodeSubscriptionInactive = "SUBSCRIPTION_INACTIVE"
)

// Call statuses persisted in the calls store. InProgress calls count
// toward their tenant's concurrency; the other two are terminal.
const (
	CallInProgress = "in_progress"
	CallCompleted  = "completed"
	CallFailed     = "failed"
)

// DeniedError is returned by [Controller.Reserve] when a request is
// rejected. Code is one of the Code* constants; Current and Max are
// populated for concurrency denials.
type DeniedError struct {
	Code    string
	Message string
	Current int
	Max     int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission: denied (%s): %s", e.Code, e.Message)
}

// Denied extracts a [DeniedError] from err, if present.
func Denied(err error) (*DeniedError, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// EffectivePlanLimits is a tenant's plan defaults overlaid with any
// per-subscription overrides. The zero value denies everything; use
// [DefaultLimits] for a permissive baseline.
type EffectivePlanLimits struct {
	// IncludedMinutes is the billed-minute allotment for the current
	// billing period.
	IncludedMinutes int

	// MaxConcurrentCalls caps simultaneous non-terminal calls.
	MaxConcurrentCalls int

	// AgentQuota caps the number of configured agents. Enforced by the
	// CRUD surface, carried here for the stats endpoint.
	AgentQuota int

	// OverageRateMinor is the per-minute charge, in minor currency units,
	// for minutes beyond IncludedMinutes.
	OverageRateMinor int64

	// Features flags plan capabilities by name.
	Features map[string]bool

	// AllowedSTT, AllowedLLM, and AllowedTTS are per-category provider
	// allowlists. An empty list allows every provider in that category.
	AllowedSTT []string
	AllowedLLM []string
	AllowedTTS []string

	// PeriodStart and PeriodEnd bound the current billing period.
	PeriodStart time.Time
	PeriodEnd   time.Time

	// SubscriptionActive is true for active or trialing subscriptions.
	// Only active subscriptions may consume overage minutes.
	SubscriptionActive bool
}

// DefaultLimits returns a permissive limit set scoped to the calendar
// month containing now. Used when no plan source is configured.
func DefaultLimits(now time.Time) EffectivePlanLimits {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return EffectivePlanLimits{
		IncludedMinutes:    300,
		MaxConcurrentCalls: 5,
		AgentQuota:         10,
		OverageRateMinor:   500,
		PeriodStart:        start,
		PeriodEnd:          start.AddDate(0, 1, 0),
		SubscriptionActive: true,
	}
}

// LimitsProvider resolves the effective plan limits for a tenant.
type LimitsProvider interface {
	Limits(ctx context.Context, tenantID string) (EffectivePlanLimits, error)
}

// StaticLimits is a [LimitsProvider] that serves a fixed limit set for
// every tenant, with optional per-tenant overrides. Used by tests and by
// deployments without a subscription backend.
type StaticLimits struct {
	// Defaults is returned for tenants without an override.
	Defaults EffectivePlanLimits

	// Overrides maps tenant ids to their specific limits.
	Overrides map[string]EffectivePlanLimits
}

// Limits returns the override for tenantID, or Defaults.
func (s *StaticLimits) Limits(_ context.Context, tenantID string) (EffectivePlanLimits, error) {
	if lim, ok := s.Overrides[tenantID]; ok {
		return lim, nil
	}
	return s.Defaults, nil
}

var _ LimitsProvider = (*StaticLimits)(nil)

// Request describes the call a caller wants admitted.
type Request struct {
	// TenantID identifies the tenant whose limits apply.
	TenantID string

	// CallID is the durable call identifier. Must be unique; it becomes
	// the reservation id.
	CallID string

	// AgentID identifies the agent configuration, for the call record.
	AgentID string

	// Direction is "inbound", "outbound", or "web".
	Direction string

	// STTProvider, LLMProvider, and TTSProvider are the selected provider
	// slugs, checked against the plan allowlists.
	STTProvider string
	LLMProvider string
	TTSProvider string
}

// Reservation is an atomically-held claim on one concurrent call slot.
// It is released when the call's record reaches a terminal status.
type Reservation struct {
	// ID is the reservation identifier; equal to the call id.
	ID string

	// TenantID is the owning tenant.
	TenantID string

	// ReservedAt is when the slot was taken.
	ReservedAt time.Time

	// Current is the tenant's active-call count including this call.
	Current int

	// Max is the tenant's concurrency limit at reservation time.
	Max int
}

// Stats summarises a tenant's current admission standing.
type Stats struct {
	Active           int   `json:"active"`
	Max              int   `json:"max"`
	UsedMinutes      int64 `json:"used_minutes"`
	RemainingMinutes int64 `json:"remaining_minutes"`
}

// StaleCall identifies an in-progress call old enough to be presumed
// orphaned by a dead process.
type StaleCall struct {
	CallID    string
	TenantID  string
	StartedAt time.Time
}

// Store is the call-slot registry backing a [Controller]. Reserve must be
// atomic against concurrent reservers for the same tenant.
// Implementations must be safe for concurrent use.
type Store interface {
	// Reserve atomically counts the tenant's in-progress calls and, when
	// below maxConcurrent, registers req's call as in progress. Returns
	// the in-progress count before this call and whether the slot was
	// taken.
	Reserve(ctx context.Context, req Request, maxConcurrent int) (current int, ok bool, err error)

	// Release marks the call terminal with the given status and end
	// reason. Returns false when the call was already terminal or unknown
	// (idempotent).
	Release(ctx context.Context, callID, status, endReason string) (released bool, err error)

	// ActiveCount returns the tenant's current in-progress call count.
	ActiveCount(ctx context.Context, tenantID string) (int, error)

	// UsedMinutes sums billed minutes of the tenant's terminal calls
	// started within [from, to).
	UsedMinutes(ctx context.Context, tenantID string, from, to time.Time) (int64, error)

	// StaleCalls lists in-progress calls started before cutoff.
	StaleCalls(ctx context.Context, cutoff time.Time) ([]StaleCall, error)

	// Close releases the underlying resources.
	Close() error
}

// allowed reports whether slug passes the allowlist. Matching is
// case-insensitive; an empty list allows everything.
func allowed(list []string, slug string) bool {
	if len(list) == 0 {
		return true
	}
	return slices.ContainsFunc(list, func(s string) bool {
		return strings.EqualFold(s, slug)
	})
}
