// Package vad defines the Engine interface for Voice Activity Detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal
// state (energy history, hangover counters) so that multiple concurrent
// audio streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for low-latency pipeline stages
// that gate STT input and trigger barge-in.
//
// Implementations must be safe for concurrent use across different
// sessions. A single SessionHandle should not be shared across goroutines
// unless the implementation explicitly documents thread safety.
package vad

import "errors"

// ErrClosed is returned by SessionHandle methods after Close.
var ErrClosed = errors.New("vad: session is closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of
	// the PCM frames passed to ProcessFrame.
	SampleRate int

	// Sensitivity controls how easily the detector triggers, in [0, 1].
	// 0 disables detection entirely (no frame is ever classified as
	// speech — this is how barge-in is turned off). 1 fires on the first
	// frame whose energy exceeds the minimum noise floor. Values in
	// between interpolate the energy threshold linearly between the floor
	// and a conservative ceiling.
	Sensitivity float64

	// HangoverFrames is the number of consecutive non-speech frames
	// required before an active speech segment is considered ended.
	// Guards against mid-word energy dips. Zero selects the engine
	// default.
	HangoverFrames int
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Event represents a voice activity detection result for a single frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Energy is the frame's measured level in the engine's native scale.
	Energy float64
}

// SessionHandle represents an active VAD session for a single audio
// stream. It is an interface so that test code can supply mock
// implementations. Each session maintains its own detection state; Reset
// clears this state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single s16le PCM frame and returns the
	// detection result. This method is called synchronously in the audio
	// pipeline loop; it must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use when the audio stream restarts (e.g., after barge-in)
	// so stale state from the previous segment does not leak forward.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines
// may call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
