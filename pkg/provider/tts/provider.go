// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs,
// Cartesia, or Sarvam) and presents a uniform streaming interface. The
// primary entry point is SynthesizeStream, which accepts a channel of text
// segments and returns a channel of audio chunks as they become
// available, enabling low-latency pipelining between LLM output and the
// outbound audio leg.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/types"
)

// Chunk is one unit of a synthesis stream: raw PCM on the happy path,
// or a terminal error. A chunk with Err set is the last value on the
// channel; the channel closes immediately after it.
type Chunk struct {
	// PCM is raw synthesised audio in the provider's OutputFormat.
	PCM []byte

	// Err, when non-nil, reports that synthesis failed mid-stream. No
	// further audio will arrive.
	Err error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// streams may run in parallel (one per live call).
type Provider interface {
	// SynthesizeStream consumes text segments from the text channel and
	// returns a channel that emits audio chunks as they are synthesised.
	// This design allows the caller to pipe LLM streaming output directly
	// into synthesis without waiting for the full response text to be
	// available.
	//
	// The returned channel is closed by the implementation when all text
	// has been synthesised, when ctx is cancelled, or after a terminal
	// error chunk. The caller must drain the channel to avoid blocking
	// the provider's internal goroutines. Cancelling ctx is the barge-in
	// path: the implementation must stop synthesis promptly and close
	// the channel without an error chunk.
	//
	// Mid-stream failures are delivered as a final [Chunk] with Err set,
	// so callers can distinguish a failed stream from a completed one
	// even when ctx is still live.
	//
	// voice specifies the voice profile to use. Providers should return an
	// error if the requested voice is not usable.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan Chunk, error)

	// OutputFormat reports the PCM format of the audio emitted by
	// SynthesizeStream. It is fixed for the lifetime of the Provider and is
	// advertised to clients at session start so they can configure
	// playback.
	OutputFormat() audio.Format

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
