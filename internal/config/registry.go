package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxplane/voxplane/pkg/provider/llm"
	"github.com/voxplane/voxplane/pkg/provider/stt"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory
// has been registered under the requested provider slug.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider slugs to their constructor functions for each
// provider category. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]func(ProviderEntry) (stt.Provider, error)
	llm map[string]func(ProviderEntry) (llm.Provider, error)
	tts map[string]func(ProviderEntry) (tts.Provider, error)
	vad map[string]func(ProviderEntry) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]func(ProviderEntry) (stt.Provider, error)),
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad: make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterSTT registers an STT provider factory under slug.
// Subsequent calls with the same slug overwrite the previous registration.
func (r *Registry) RegisterSTT(slug string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[slug] = factory
}

// RegisterLLM registers an LLM provider factory under slug.
func (r *Registry) RegisterLLM(slug string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[slug] = factory
}

// RegisterTTS registers a TTS provider factory under slug.
func (r *Registry) RegisterTTS(slug string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[slug] = factory
}

// RegisterVAD registers a VAD engine factory under slug.
func (r *Registry) RegisterVAD(slug string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[slug] = factory
}

// CreateSTT instantiates an STT provider using the factory registered
// under slug. Returns [ErrProviderNotRegistered] if none exists.
func (r *Registry) CreateSTT(slug string, entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, slug)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered
// under slug.
func (r *Registry) CreateLLM(slug string, entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, slug)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered
// under slug.
func (r *Registry) CreateTTS(slug string, entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, slug)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under
// slug.
func (r *Registry) CreateVAD(slug string, entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[slug]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, slug)
	}
	return factory(entry)
}
