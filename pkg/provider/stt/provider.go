// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram
// or Sarvam) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM
// audio chunks and emits two streams of Transcript values — low-latency
// partials for responsiveness and authoritative finals for the
// conversation history.
//
// Implementations must be safe for concurrent use. Audio input and
// transcript output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/voxplane/voxplane/pkg/types"
)

// ErrClosed is returned by SessionHandle methods after Close.
var ErrClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Voxplane's inbound leg is
	// always 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-IN").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Options holds provider-specific configuration passed through opaquely
	// from the SessionSpec (e.g., model selection, endpointing tuning).
	Options map[string]any
}

// SessionHandle represents an open STT streaming session. It is an
// interface so that test code can provide mock implementations without a
// live provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider
	// for transcription. The chunk must match the SampleRate, Channels,
	// and bit depth agreed in StreamConfig. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// EndUtterance signals end-of-utterance: the caller has detected
	// speech end and wants the provider to flush buffered audio and
	// commit a final transcript promptly. Providers without an explicit
	// finalize message may implement this as a no-op; the final will then
	// arrive on the provider's own endpointing schedule.
	EndUtterance() error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values. These drive live captioning on the wire but must
	// not be written to the conversation history. The channel is closed
	// when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative
	// Transcript values once the provider has committed to a result.
	// These are the values appended to history and passed to the LLM.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Close terminates the session, flushes any pending audio, and
	// releases all associated resources. After Close returns, the
	// Partials and Finals channels will be closed. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may
// be open simultaneously (one per live call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the
	// given audio format and recognition configuration. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (e.g., authentication failure, unsupported configuration, or ctx
	// already cancelled). The caller owns the SessionHandle and must call
	// Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
