// Package gateway is the client-facing edge of voxplane: a websocket
// server that demultiplexes JSON control messages and binary PCM frames,
// starts sessions through the admission path, and relays pipeline events
// back to the client in emission order.
package gateway

import (
	"github.com/voxplane/voxplane/internal/pipeline"
	"github.com/voxplane/voxplane/internal/session"
)

// Wire message type discriminators.
const (
	// Inbound.
	TypeStartSession = "start_session"
	TypeEndSession   = "end_session"

	// Outbound.
	TypeConnected      = "connected"
	TypeSessionStarted = "session_started"
	TypeSTTPartial     = "stt_partial"
	TypeSTTFinal       = "stt_final"
	TypeLLMToken       = "llm_token"
	TypeBargeIn        = "barge_in"
	TypeTurnComplete   = "turn_complete"
	TypeSessionEnded   = "session_ended"
	TypeError          = "error"
)

// Wire error codes. Admission codes are forwarded verbatim from the
// admission controller.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeInternal        = "INTERNAL"
	CodeAudioDropped    = "audio_dropped"
)

// Inbound is a decoded client control message. Fields are populated
// according to Type.
type Inbound struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenantId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Config    *SessionConfig `json:"config,omitempty"`
}

// ProviderConfig is one provider selection block inside a start_session
// config.
type ProviderConfig struct {
	Provider    string            `json:"provider"`
	Model       string            `json:"model,omitempty"`
	VoiceID     string            `json:"voiceId,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// SessionConfig is the wire shape of start_session's config block.
type SessionConfig struct {
	AgentID                 string            `json:"agentId,omitempty"`
	Direction               string            `json:"direction,omitempty"`
	Language                string            `json:"language,omitempty"`
	SystemPrompt            string            `json:"systemPrompt,omitempty"`
	FirstMessage            string            `json:"firstMessage,omitempty"`
	EndCallPhrases          []string          `json:"endCallPhrases,omitempty"`
	InterruptionSensitivity float64           `json:"interruptionSensitivity"`
	SilenceTimeoutMs        *int              `json:"silenceTimeoutMs,omitempty"`
	MaxCallDurationSeconds  int               `json:"maxCallDurationSeconds,omitempty"`
	STT                     ProviderConfig    `json:"stt"`
	LLM                     ProviderConfig    `json:"llm"`
	TTS                     ProviderConfig    `json:"tts"`
	Metadata                map[string]string `json:"metadata,omitempty"`
}

// ToSpec converts the wire config into a session spec. The call id is
// assigned server-side so the billing pipeline never trusts a
// client-chosen identifier. An omitted silenceTimeoutMs selects the
// default; an explicit 0 is kept and clamped to the floor downstream.
func (c *SessionConfig) ToSpec(tenantID, callID string) session.Spec {
	silenceMs := session.DefaultSilenceTimeoutMs
	if c.SilenceTimeoutMs != nil {
		silenceMs = *c.SilenceTimeoutMs
	}
	return session.Spec{
		TenantID:                tenantID,
		CallID:                  callID,
		AgentID:                 c.AgentID,
		Direction:               c.Direction,
		Language:                c.Language,
		SystemPrompt:            c.SystemPrompt,
		FirstMessage:            c.FirstMessage,
		EndCallPhrases:          c.EndCallPhrases,
		InterruptionSensitivity: c.InterruptionSensitivity,
		SilenceTimeoutMs:        silenceMs,
		MaxCallDurationSeconds:  c.MaxCallDurationSeconds,
		STT: session.ProviderSelection{
			Provider: c.STT.Provider,
			Model:    c.STT.Model,
			Options:  c.STT.Options,
		},
		LLM: session.ProviderSelection{
			Provider: c.LLM.Provider,
			Model:    c.LLM.Model,
			Options:  c.LLM.Options,
		},
		TTS: session.ProviderSelection{
			Provider: c.TTS.Provider,
			VoiceID:  c.TTS.VoiceID,
			Options:  c.TTS.Options,
		},
		Temperature: c.LLM.Temperature,
		Metadata:    c.Metadata,
	}
}

// Connected greets a fresh connection.
type Connected struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// AudioFormat advertises the server→client PCM format.
type AudioFormat struct {
	SampleRate int `json:"sampleRate"`
}

// SessionStarted acknowledges a successful start_session.
type SessionStarted struct {
	Type        string      `json:"type"`
	SessionID   string      `json:"sessionId"`
	AudioFormat AudioFormat `json:"audioFormat"`
}

// TextMessage carries stt_partial and stt_final payloads.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TokenMessage carries one llm_token.
type TokenMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// BargeIn tells the client to drop buffered playback immediately.
type BargeIn struct {
	Type string `json:"type"`
}

// TurnComplete closes one turn with its measurements.
type TurnComplete struct {
	Type    string               `json:"type"`
	Metrics pipeline.TurnMetrics `json:"metrics"`
}

// SessionEnded carries final session metrics.
type SessionEnded struct {
	Type    string          `json:"type"`
	Metrics session.Metrics `json:"metrics"`
}

// ErrorDetails carries structured context for some error codes, notably
// the {current, max} pair of CONCURRENCY_LIMIT denials.
type ErrorDetails struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// ErrorMessage is the wire error envelope.
type ErrorMessage struct {
	Type    string        `json:"type"`
	Error   string        `json:"error"`
	Code    string        `json:"code,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}
