// Package sarvam provides a Sarvam-backed TTS provider over the Sarvam
// REST API. Sarvam returns complete WAV clips per request, so this
// implementation synthesises each text segment with an HTTP call, strips
// the WAV container header, and emits raw PCM on the stream channel.
package sarvam

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/voxplane/voxplane/internal/resilience"
	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/types"
)

const (
	endpoint        = "https://api.sarvam.ai/text-to-speech"
	defaultModel    = "bulbul:v2"
	defaultLanguage = "en-IN"
)

// Option is a functional option for configuring the Sarvam Provider.
type Option func(*Provider)

// WithModel sets the Sarvam TTS model (e.g., "bulbul:v2").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSampleRate sets the output PCM sample rate in Hz. Sarvam supports
// 8000, 16000, 22050, and 24000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements tts.Provider backed by the Sarvam REST API.
type Provider struct {
	apiKey     string
	model      string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Sarvam Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("sarvam: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		sampleRate: 16000,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response types ----

// synthesizeRequest is the JSON payload for POST /text-to-speech.
type synthesizeRequest struct {
	Text               string  `json:"text"`
	TargetLanguageCode string  `json:"target_language_code"`
	Speaker            string  `json:"speaker,omitempty"`
	Model              string  `json:"model"`
	SpeechSampleRate   int     `json:"speech_sample_rate"`
	Pace               float64 `json:"pace,omitempty"`
}

// synthesizeResponse is the JSON response body. Audios carries one
// base64-encoded WAV clip per input text.
type synthesizeResponse struct {
	Audios []string `json:"audios"`
}

// SynthesizeStream synthesises each text segment with a blocking HTTP
// request and emits the resulting PCM on the returned channel. Segments
// are processed in order; ctx cancellation aborts between and during
// requests. Each request gets the shared retry budget before the stream
// gives up with a terminal error chunk.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	audioCh := make(chan tts.Chunk, 64)

	go func() {
		defer close(audioCh)
		for {
			select {
			case segment, ok := <-text:
				if !ok {
					return
				}
				if segment == "" {
					continue
				}
				var pcm []byte
				err := resilience.Retry(ctx, "sarvam.synthesize", func() error {
					var serr error
					pcm, serr = p.synthesize(ctx, segment, voice)
					return serr
				})
				if err != nil {
					if ctx.Err() == nil {
						select {
						case audioCh <- tts.Chunk{Err: err}:
						case <-ctx.Done():
						}
					}
					return
				}
				select {
				case audioCh <- tts.Chunk{PCM: pcm}:
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

// synthesize performs one blocking TTS request and returns raw PCM with
// the WAV header removed.
func (p *Provider) synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	body, err := json.Marshal(p.buildRequest(text, voice))
	if err != nil {
		return nil, fmt.Errorf("sarvam: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sarvam: build request: %w", err)
	}
	req.Header.Set("api-subscription-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sarvam: synthesize HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sarvam: synthesize: status %d: %s", resp.StatusCode, body)
	}

	var sr synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("sarvam: synthesize decode: %w", err)
	}
	return decodeClip(sr)
}

// buildRequest constructs the synthesis payload for one text segment.
func (p *Provider) buildRequest(text string, voice types.VoiceProfile) synthesizeRequest {
	lang := voice.Language
	if lang == "" {
		lang = defaultLanguage
	}
	req := synthesizeRequest{
		Text:               text,
		TargetLanguageCode: lang,
		Speaker:            voice.ID,
		Model:              p.model,
		SpeechSampleRate:   p.sampleRate,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		req.Pace = voice.SpeedFactor
	}
	return req
}

// decodeClip decodes the first audio clip of a response and strips its
// WAV container header, leaving raw s16le PCM.
func decodeClip(sr synthesizeResponse) ([]byte, error) {
	if len(sr.Audios) == 0 {
		return nil, errors.New("sarvam: response contained no audio")
	}
	wav, err := base64.StdEncoding.DecodeString(sr.Audios[0])
	if err != nil {
		return nil, fmt.Errorf("sarvam: decode audio: %w", err)
	}
	return audio.StripWAVHeader(wav), nil
}

var _ tts.Provider = (*Provider)(nil)

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// ListVoices returns the fixed catalogue of bulbul speakers. Sarvam has
// no voice listing endpoint; the speaker set is documented per model.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	speakers := []string{"anushka", "manisha", "vidya", "arya", "abhilash", "karun", "hitesh"}
	profiles := make([]types.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		profiles = append(profiles, types.VoiceProfile{
			ID:       s,
			Provider: "sarvam",
			Metadata: map[string]string{"model": p.model},
		})
	}
	return profiles, nil
}
