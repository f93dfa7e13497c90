// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to feed controlled PCM chunks without a live
// synthesis backend and to inspect the text segments that were streamed
// in.
package mock

import (
	"context"
	"sync"

	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/types"
)

// SynthesizeCall records a single invocation of SynthesizeStream.
type SynthesizeCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
	// Segments collects every text segment received on the text channel.
	// It is populated asynchronously as the mock drains the channel; read
	// it only after the audio channel has closed.
	Segments []string
}

// Provider is a mock implementation of tts.Provider.
//
// For each text segment consumed, one chunk from AudioChunks is emitted
// (cycling when there are more segments than chunks). The audio channel
// closes when the text channel closes or ctx is cancelled.
type Provider struct {
	mu sync.Mutex

	// AudioChunks are the PCM chunks emitted per consumed text segment.
	// If empty, a 4-byte placeholder chunk is used.
	AudioChunks [][]byte

	// SynthesizeErr, if non-nil, is returned as the error from
	// SynthesizeStream.
	SynthesizeErr error

	// StreamErr, if non-nil, is emitted as a terminal error chunk after
	// FailAfterSegments segments have been consumed, simulating a
	// mid-stream synthesis failure.
	StreamErr error

	// FailAfterSegments is the number of segments synthesised before
	// StreamErr fires. Zero fails on the first segment.
	FailAfterSegments int

	// Format is returned by OutputFormat. Zero value yields 16 kHz mono.
	Format audio.Format

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every invocation of SynthesizeStream.
	SynthesizeCalls []*SynthesizeCall
}

// SynthesizeStream records the call, consumes text, and emits one audio
// chunk per segment. When StreamErr is set, the stream delivers it as a
// terminal error chunk once FailAfterSegments segments have been
// consumed.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	call := &SynthesizeCall{Ctx: ctx, Voice: voice}
	p.SynthesizeCalls = append(p.SynthesizeCalls, call)
	chunks := p.AudioChunks
	streamErr := p.StreamErr
	failAfter := p.FailAfterSegments
	p.mu.Unlock()

	if len(chunks) == 0 {
		chunks = [][]byte{{0, 0, 0, 0}}
	}

	audioCh := make(chan tts.Chunk, 64)
	go func() {
		defer close(audioCh)
		i := 0
		for {
			select {
			case segment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				call.Segments = append(call.Segments, segment)
				p.mu.Unlock()

				if streamErr != nil && i == failAfter {
					select {
					case audioCh <- tts.Chunk{Err: streamErr}:
					case <-ctx.Done():
					}
					return
				}
				chunk := chunks[i%len(chunks)]
				i++
				select {
				case audioCh <- tts.Chunk{PCM: chunk}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// OutputFormat returns Format, defaulting to 16 kHz mono.
func (p *Provider) OutputFormat() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Format.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.Format
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, p.ListVoicesErr
}

// Segments returns the segments recorded for call i, or nil if out of
// range. Thread-safe.
func (p *Provider) Segments(i int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.SynthesizeCalls) {
		return nil
	}
	out := make([]string, len(p.SynthesizeCalls[i].Segments))
	copy(out, p.SynthesizeCalls[i].Segments)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
