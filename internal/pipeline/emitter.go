package pipeline

import "github.com/voxplane/voxplane/internal/session"

// TurnMetrics is the per-turn measurement set attached to turn_complete
// messages. Latencies are milliseconds for wire friendliness.
type TurnMetrics struct {
	// Turn is the 1-based completed-turn index.
	Turn int `json:"turn"`

	// STTLatencyMs is end-of-utterance to final transcript.
	STTLatencyMs int64 `json:"sttLatencyMs"`

	// LLMFirstTokenMs is completion dispatch to first streamed token.
	LLMFirstTokenMs int64 `json:"llmFirstTokenMs"`

	// TTSFirstByteMs is first LLM token to first synthesised PCM byte.
	TTSFirstByteMs int64 `json:"ttsFirstByteMs"`

	// DurationMs is the full turn: user speech end to assistant speech
	// end.
	DurationMs int64 `json:"durationMs"`

	// Tokens is the turn's prompt + completion token sum.
	Tokens int `json:"tokens"`

	// ToolCalls counts tools dispatched during the turn.
	ToolCalls int `json:"toolCalls"`

	// Note explains degenerate turns ("no response generated",
	// turn-level abort reasons). Empty for ordinary turns.
	Note string `json:"note,omitempty"`
}

// Emitter is the orchestrator's outbound surface, implemented by the
// gateway connection. Implementations must be safe for concurrent use
// and must preserve per-call ordering: messages appear on the wire in
// the order the orchestrator's goroutines emit them. Only SendAudio may
// drop under backpressure; control messages never do.
type Emitter interface {
	// SendPartial emits an interim transcript (stt_partial).
	SendPartial(text string)

	// SendFinal emits the authoritative transcript (stt_final).
	SendFinal(text string)

	// SendToken emits one LLM token (llm_token).
	SendToken(token string)

	// SendAudio emits a binary PCM chunk in playback order. May be
	// dropped when the connection's send buffer is saturated.
	SendAudio(pcm []byte)

	// SendBargeIn signals the client to flush buffered playback
	// (barge_in).
	SendBargeIn()

	// SendTurnComplete closes a turn (turn_complete).
	SendTurnComplete(m TurnMetrics)

	// SendSessionEnded delivers final session metrics (session_ended).
	SendSessionEnded(m session.Metrics)

	// SendError surfaces a recoverable or terminal error to the client.
	SendError(code, message string)
}
