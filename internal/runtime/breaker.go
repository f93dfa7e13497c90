package runtime

import (
	"context"
	"sync"

	"github.com/voxplane/voxplane/internal/resilience"
	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/provider/llm"
	"github.com/voxplane/voxplane/pkg/provider/stt"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/types"
)

// breakerSet holds one circuit breaker per provider slug, shared across
// sessions so repeated stream-open failures against a provider trip the
// breaker process-wide.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*resilience.CircuitBreaker)}
}

// get returns the breaker for name ("stt/deepgram", ...), creating it
// on first use.
func (bs *breakerSet) get(name string) *resilience.CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name})
		bs.breakers[name] = cb
	}
	return cb
}

// guardedSTT gates stream opens behind the slug's circuit breaker.
// Per-chunk traffic on an established session is not gated; a provider
// that accepts the stream gets to keep it.
type guardedSTT struct {
	inner stt.Provider
	cb    *resilience.CircuitBreaker
}

func (g *guardedSTT) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	var h stt.SessionHandle
	err := g.cb.Execute(func() error {
		var err error
		h, err = g.inner.StartStream(ctx, cfg)
		return err
	})
	return h, err
}

type guardedLLM struct {
	inner llm.Provider
	cb    *resilience.CircuitBreaker
}

func (g *guardedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := g.cb.Execute(func() error {
		var err error
		ch, err = g.inner.StreamCompletion(ctx, req)
		return err
	})
	return ch, err
}

func (g *guardedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := g.cb.Execute(func() error {
		var err error
		resp, err = g.inner.Complete(ctx, req)
		return err
	})
	return resp, err
}

func (g *guardedLLM) CountTokens(messages []types.Message) (int, error) {
	return g.inner.CountTokens(messages)
}

func (g *guardedLLM) Capabilities() types.ModelCapabilities {
	return g.inner.Capabilities()
}

type guardedTTS struct {
	inner tts.Provider
	cb    *resilience.CircuitBreaker
}

func (g *guardedTTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	var ch <-chan tts.Chunk
	err := g.cb.Execute(func() error {
		var err error
		ch, err = g.inner.SynthesizeStream(ctx, text, voice)
		return err
	})
	return ch, err
}

func (g *guardedTTS) OutputFormat() audio.Format { return g.inner.OutputFormat() }

func (g *guardedTTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return g.inner.ListVoices(ctx)
}

var (
	_ stt.Provider = (*guardedSTT)(nil)
	_ llm.Provider = (*guardedLLM)(nil)
	_ tts.Provider = (*guardedTTS)(nil)
)
