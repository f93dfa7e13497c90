// Package billing computes call costs and emits billing-grade records
// when sessions reach a terminal state.
//
// The [Reconciler] is the sole writer of a call's terminal fields and of
// usage records. Finalization is idempotent by call id: the first call
// writes the terminal call row and the write-once usage record; repeats
// return the stored record without re-emitting anything. A failed usage
// write never blocks the admission slot release — the background sweep
// retries it later.
package billing

import (
	"time"

	"github.com/voxplane/voxplane/internal/admission"
)

// UsageTypeCallMinutes is the usage record type for voice call minutes.
const UsageTypeCallMinutes = "call_minutes"

// CallRecord is the durable, immutable-after-finalization record of one
// call. Cost columns are integer minor currency units.
type CallRecord struct {
	CallID    string    `json:"callId"`
	TenantID  string    `json:"tenantId"`
	AgentID   string    `json:"agentId,omitempty"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`

	DurationSeconds int `json:"durationSeconds"`
	BilledMinutes   int `json:"billedMinutes"`

	STTProvider string `json:"sttProvider"`
	LLMProvider string `json:"llmProvider"`
	TTSProvider string `json:"ttsProvider"`

	STTCostMinor       int64 `json:"sttCostMinor"`
	LLMCostMinor       int64 `json:"llmCostMinor"`
	TTSCostMinor       int64 `json:"ttsCostMinor"`
	TelephonyCostMinor int64 `json:"telephonyCostMinor"`
	TotalCostMinor     int64 `json:"totalCostMinor"`

	// EndReason is one of the session end reasons ("normal", "timeout",
	// "error", "barge_end", "max_duration", "caller_hangup").
	EndReason string `json:"endReason"`

	// Error carries the failure description for failed calls.
	Error string `json:"error,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// UsageRecord is the write-once billing entry for one finalized call.
type UsageRecord struct {
	CallID      string    `json:"callId"`
	TenantID    string    `json:"tenantId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`

	// UsageType classifies the quantity; always [UsageTypeCallMinutes]
	// for voice calls.
	UsageType string `json:"usageType"`

	// Quantity is the billed minutes for the call.
	Quantity int64 `json:"quantity"`

	// UnitCostMinor is the effective per-minute cost in minor units.
	UnitCostMinor int64 `json:"unitCostMinor"`

	// TotalCostMinor is the call's total cost in minor units.
	TotalCostMinor int64 `json:"totalCostMinor"`

	// Metadata snapshots the provider triple and other call context.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// BilledMinutes converts a call duration to whole billed minutes,
// rounding up. Non-positive durations bill zero.
func BilledMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return int((secs + 59) / 60)
}

// terminalStatus maps a session end reason to the call record status.
func terminalStatus(endReason string) string {
	switch endReason {
	case "error", "timeout":
		return admission.CallFailed
	default:
		return admission.CallCompleted
	}
}
