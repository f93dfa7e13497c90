package runtime

import (
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxplane/voxplane/internal/config"
	"github.com/voxplane/voxplane/pkg/provider/llm"
	"github.com/voxplane/voxplane/pkg/provider/llm/anyllm"
	"github.com/voxplane/voxplane/pkg/provider/llm/openai"
	"github.com/voxplane/voxplane/pkg/provider/stt"
	"github.com/voxplane/voxplane/pkg/provider/stt/deepgram"
	sttsarvam "github.com/voxplane/voxplane/pkg/provider/stt/sarvam"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/provider/tts/cartesia"
	"github.com/voxplane/voxplane/pkg/provider/tts/elevenlabs"
	ttssarvam "github.com/voxplane/voxplane/pkg/provider/tts/sarvam"
	"github.com/voxplane/voxplane/pkg/provider/vad"
	"github.com/voxplane/voxplane/pkg/provider/vad/energy"
)

// VADSlug is the engine the runtime instantiates for every session.
// Sessions do not select a VAD provider on the wire.
const VADSlug = "energy"

// anyllmSlugs are the LLM backends served through the any-llm adapter.
// "openai" is not in this list: it gets the native client below.
var anyllmSlugs = []string{
	"anthropic", "gemini", "ollama", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// DefaultRegistry returns a registry with every built-in provider
// registered under the slugs config.ValidProviderSlugs names. Embedding
// applications can add or replace factories before handing the registry
// to [New].
func DefaultRegistry() *config.Registry {
	r := config.NewRegistry()

	r.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	r.RegisterSTT("sarvam", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []sttsarvam.Option
		if e.Model != "" {
			opts = append(opts, sttsarvam.WithModel(e.Model))
		}
		return sttsarvam.New(e.APIKey, opts...)
	})

	r.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	for _, slug := range anyllmSlugs {
		r.RegisterLLM(slug, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(slug, e.Model, opts...)
		})
	}

	r.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	r.RegisterTTS("cartesia", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []cartesia.Option
		if e.Model != "" {
			opts = append(opts, cartesia.WithModel(e.Model))
		}
		return cartesia.New(e.APIKey, opts...)
	})
	r.RegisterTTS("sarvam", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []ttssarvam.Option
		if e.Model != "" {
			opts = append(opts, ttssarvam.WithModel(e.Model))
		}
		return ttssarvam.New(e.APIKey, opts...)
	})

	r.RegisterVAD(VADSlug, func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	return r
}
