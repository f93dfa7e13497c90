// Package session defines the live call session model and its lifecycle
// management: the Session type with its monotonic status machine, a
// redis-backed distributed store, and the Manager that combines a local
// hot cache with write-through persistence and TTL reaping.
//
// Ownership is single-writer: the pipeline orchestrator that created a
// session is the only mutator of its live fields. The Manager serializes
// store access so that concurrent readers observe consistent snapshots.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/voxplane/voxplane/pkg/types"
)

// Status is the lifecycle state of a [Session]. Transitions are monotonic:
// Initializing → Active → Ending → (Ended | Error). The only shortcut is
// Initializing → Error for sessions that fail before going live.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusEnding       Status = "ending"
	StatusEnded        Status = "ended"
	StatusError        Status = "error"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

// statusRank orders statuses for monotonicity checks.
var statusRank = map[Status]int{
	StatusInitializing: 0,
	StatusActive:       1,
	StatusEnding:       2,
	StatusEnded:        3,
	StatusError:        3,
}

// End reasons recorded on terminal sessions and call records.
const (
	EndReasonNormal       = "normal"
	EndReasonTimeout      = "timeout"
	EndReasonError        = "error"
	EndReasonBargeEnd     = "barge_end"
	EndReasonMaxDuration  = "max_duration"
	EndReasonCallerHangup = "caller_hangup"
)

// DefaultSilenceTimeoutMs is the silence timeout applied when the
// caller omits silenceTimeoutMs at session start.
const DefaultSilenceTimeoutMs = 5000

// ProviderSelection names one external provider and its session-scoped
// configuration.
type ProviderSelection struct {
	// Provider is the registered slug ("deepgram", "elevenlabs", ...).
	Provider string `json:"provider"`

	// Model selects a provider model where applicable.
	Model string `json:"model,omitempty"`

	// VoiceID selects a TTS voice where applicable.
	VoiceID string `json:"voiceId,omitempty"`

	// Options carries provider-specific settings opaque to the runtime.
	Options map[string]string `json:"options,omitempty"`
}

// Spec is the immutable configuration supplied at session start. It is
// validated once on creation and never mutated afterwards.
type Spec struct {
	// TenantID identifies the owning tenant for admission and billing.
	TenantID string `json:"tenantId"`

	// CallID is the durable call identifier shared with the admission
	// controller and billing reconciler.
	CallID string `json:"callId"`

	// AgentID identifies the agent configuration this call runs under.
	AgentID string `json:"agentId,omitempty"`

	// Direction is one of "inbound", "outbound", or "web".
	Direction string `json:"direction,omitempty"`

	// Language is the BCP-47 conversation language (e.g. "en-IN").
	Language string `json:"language,omitempty"`

	// SystemPrompt seeds the LLM conversation.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	// FirstMessage, when non-empty, is spoken by the assistant immediately
	// after session start, before any caller turn.
	FirstMessage string `json:"firstMessage,omitempty"`

	// EndCallPhrases end the call when a final transcript matches one of
	// them (case-insensitive substring after normalization).
	EndCallPhrases []string `json:"endCallPhrases,omitempty"`

	// InterruptionSensitivity tunes barge-in detection in [0,1].
	// 0 disables barge-in entirely.
	InterruptionSensitivity float64 `json:"interruptionSensitivity"`

	// SilenceTimeoutMs is how long without speech ends the caller's turn.
	// The gateway injects [DefaultSilenceTimeoutMs] when the field is
	// omitted on the wire; values below 250 ms (including an explicit 0)
	// are clamped to the floor by the pipeline.
	SilenceTimeoutMs int `json:"silenceTimeoutMs"`

	// MaxCallDurationSeconds caps the whole call. Must be positive.
	MaxCallDurationSeconds int `json:"maxCallDurationSeconds"`

	// STT, LLM, and TTS select the provider triple for this call.
	STT ProviderSelection `json:"stt"`
	LLM ProviderSelection `json:"llm"`
	TTS ProviderSelection `json:"tts"`

	// Temperature is passed through to the LLM provider.
	Temperature float64 `json:"temperature,omitempty"`

	// Metadata carries caller context opaque to the runtime.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrInvalidSpec marks spec validation failures so callers can map them
// to a validation error on the wire.
var ErrInvalidSpec = errors.New("session: invalid spec")

// Validate checks the spec for structural errors. All failures are joined
// so the caller sees every problem at once.
func (sp *Spec) Validate() error {
	var errs []error
	if sp.TenantID == "" {
		errs = append(errs, errors.New("tenantId must not be empty"))
	}
	if sp.CallID == "" {
		errs = append(errs, errors.New("callId must not be empty"))
	}
	if sp.InterruptionSensitivity < 0 || sp.InterruptionSensitivity > 1 {
		errs = append(errs, fmt.Errorf("interruptionSensitivity %v outside [0,1]", sp.InterruptionSensitivity))
	}
	if sp.MaxCallDurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("maxCallDurationSeconds must be positive, got %d", sp.MaxCallDurationSeconds))
	}
	if sp.STT.Provider == "" {
		errs = append(errs, errors.New("stt.provider must not be empty"))
	}
	if sp.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider must not be empty"))
	}
	if sp.TTS.Provider == "" {
		errs = append(errs, errors.New("tts.provider must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
	}
	return nil
}

// Metrics accumulates per-session measurements. The orchestrator is the
// only writer during the Active phase.
type Metrics struct {
	// Duration is total wall time from start to end.
	Duration time.Duration `json:"duration"`

	// Per-turn latency series, one entry per completed turn.
	STTLatencies         []time.Duration `json:"sttLatencies,omitempty"`
	LLMFirstTokenLatency []time.Duration `json:"llmFirstTokenLatency,omitempty"`
	TTSFirstByteLatency  []time.Duration `json:"ttsFirstByteLatency,omitempty"`
	TurnDurations        []time.Duration `json:"turnDurations,omitempty"`

	// STTAudioDuration is the total audio time streamed to the STT
	// provider; TTSAudioDuration the total synthesised audio time. Both
	// feed the billing reconciler's per-minute pricing.
	STTAudioDuration time.Duration `json:"sttAudioDuration"`
	TTSAudioDuration time.Duration `json:"ttsAudioDuration"`

	// TokenCount sums prompt and completion tokens across all turns.
	TokenCount int `json:"tokenCount"`

	// TurnCount counts completed (non-preempted) turns.
	TurnCount int `json:"turnCount"`

	// ToolCallCount counts dispatched tool invocations.
	ToolCallCount int `json:"toolCallCount"`

	// ErrorCount counts turn-level errors that did not end the session.
	ErrorCount int `json:"errorCount"`

	// EstimatedCostMinor is the running cost estimate in integer minor
	// currency units.
	EstimatedCostMinor int64 `json:"estimatedCostMinor"`
}

// InterruptedMarker is appended to an assistant history entry whose
// playback was cut short by barge-in.
const InterruptedMarker = "[interrupted]"

// Session is the live, mutable state of one call. Mutation during the
// Active phase belongs exclusively to the owning orchestrator; other
// components read snapshots via the [Manager].
type Session struct {
	// ID is the globally unique session identifier.
	ID string `json:"id"`

	// Spec is the immutable configuration this session runs under.
	Spec Spec `json:"spec"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"startedAt"`

	// EndedAt is set on terminal transition.
	EndedAt *time.Time `json:"endedAt,omitempty"`

	// EndReason explains a terminal transition ("normal", "timeout", ...).
	EndReason string `json:"endReason,omitempty"`

	// History is the ordered conversation log. Append-only.
	History []types.Message `json:"history,omitempty"`

	// Context is free-form per-session state (tool results, caller data).
	Context map[string]any `json:"context,omitempty"`

	// Metrics is the rolling measurement set.
	Metrics Metrics `json:"metrics"`
}

// Transition moves the session to next, enforcing monotonicity. Returns
// an error when the edge is not part of the lifecycle graph; the status
// is unchanged in that case.
func (s *Session) Transition(next Status) error {
	cur := s.Status
	curRank, ok := statusRank[cur]
	if !ok {
		return fmt.Errorf("session %s: unknown status %q", s.ID, cur)
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return fmt.Errorf("session %s: unknown status %q", s.ID, next)
	}

	switch {
	case next == StatusError:
		// Any non-terminal state may fail.
		if cur.IsTerminal() {
			return fmt.Errorf("session %s: cannot transition %s -> %s", s.ID, cur, next)
		}
	case nextRank != curRank+1:
		return fmt.Errorf("session %s: cannot transition %s -> %s", s.ID, cur, next)
	}

	s.Status = next
	if next.IsTerminal() && s.EndedAt == nil {
		now := time.Now().UTC()
		s.EndedAt = &now
		s.Metrics.Duration = now.Sub(s.StartedAt)
	}
	return nil
}

// Append adds a message to the conversation history.
func (s *Session) Append(role, content string) {
	s.History = append(s.History, types.Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// AppendInterrupted records a partially-spoken assistant message cut
// short by barge-in.
func (s *Session) AppendInterrupted(partial string) {
	content := InterruptedMarker
	if partial != "" {
		content = partial + " " + InterruptedMarker
	}
	s.Append("assistant", content)
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	return time.Since(s.StartedAt)
}

// Clone returns a deep copy of the session, safe to hand to readers
// while the owning orchestrator keeps mutating the original.
func (s *Session) Clone() *Session {
	out := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	out.History = append([]types.Message(nil), s.History...)
	if s.Context != nil {
		out.Context = make(map[string]any, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	out.Metrics.STTLatencies = append([]time.Duration(nil), s.Metrics.STTLatencies...)
	out.Metrics.LLMFirstTokenLatency = append([]time.Duration(nil), s.Metrics.LLMFirstTokenLatency...)
	out.Metrics.TTSFirstByteLatency = append([]time.Duration(nil), s.Metrics.TTSFirstByteLatency...)
	out.Metrics.TurnDurations = append([]time.Duration(nil), s.Metrics.TurnDurations...)
	return &out
}
