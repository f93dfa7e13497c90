// Package cartesia provides a Cartesia-backed TTS provider using the
// Cartesia streaming WebSocket API. It implements the tts.Provider
// interface.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/types"
)

const (
	wsEndpoint     = "wss://api.cartesia.ai/tts/websocket"
	voicesEndpoint = "https://api.cartesia.ai/voices"
	apiVersion     = "2024-11-13"
	defaultModel   = "sonic-2"
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID (e.g., "sonic-2", "sonic-turbo").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSampleRate sets the output PCM sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements tts.Provider backed by the Cartesia streaming API.
type Provider struct {
	apiKey     string
	model      string
	sampleRate int
	httpClient *http.Client
}

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
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

// ---- WebSocket message types ----

// generateRequest is the JSON payload sent to Cartesia for each text
// segment of a context.
type generateRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceRef     `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
	Speed        float64      `json:"speed,omitempty"`
	ContextID    string       `json:"context_id"`
	Continue     bool         `json:"continue"`
}

type voiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// streamResponse is the JSON message received from Cartesia over the
// WebSocket.
type streamResponse struct {
	Type      string `json:"type"`
	Data      string `json:"data"` // base64-encoded PCM for "chunk"
	ContextID string `json:"context_id"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// SynthesizeStream opens a WebSocket to Cartesia, pipes text segments as
// one continued context, and returns a channel emitting audio chunks. A
// mid-stream failure delivers a terminal error chunk before the channel
// closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	if voice.ID == "" {
		return nil, errors.New("cartesia: voice.ID must not be empty")
	}

	headers := http.Header{}
	headers.Set("X-API-Key", p.apiKey)
	headers.Set("Cartesia-Version", apiVersion)

	conn, _, err := websocket.Dial(ctx, wsEndpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("cartesia: dial: %w", err)
	}

	contextID := uuid.NewString()
	audioCh := make(chan tts.Chunk, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		// The reader owns all sends on audioCh until it reports on
		// readRes; the writer joins on readRes before emitting the
		// terminal chunk, so audioCh has exactly one sender at a time.
		readRes := make(chan error, 1)
		go func() {
			readRes <- p.readLoop(ctx, conn, audioCh)
		}()

		terminate := func(err error) {
			if err == nil || ctx.Err() != nil {
				return
			}
			select {
			case audioCh <- tts.Chunk{Err: err}:
			case <-ctx.Done():
			}
		}

		for {
			select {
			case segment, ok := <-text:
				if !ok {
					// End the context with an empty non-continued
					// transcript so Cartesia flushes remaining audio.
					final := p.buildRequest("", voice, contextID, false)
					b, _ := json.Marshal(final)
					if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
						conn.Close(websocket.StatusInternalError, "flush failed")
						<-readRes
						terminate(fmt.Errorf("cartesia: flush: %w", err))
						return
					}
					terminate(<-readRes)
					return
				}
				if segment == "" {
					continue
				}
				req := p.buildRequest(segment, voice, contextID, true)
				b, _ := json.Marshal(req)
				if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
					conn.Close(websocket.StatusInternalError, "send failed")
					<-readRes
					terminate(fmt.Errorf("cartesia: send transcript: %w", err))
					return
				}
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "cancelled")
				<-readRes
				return
			}
		}
	}()

	return audioCh, nil
}

// readLoop drains chunk messages into audioCh until the context
// completes or the connection ends. Service-reported errors and
// connection failures are returned; an orderly end returns nil.
func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, audioCh chan<- tts.Chunk) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("cartesia: read: %w", err)
		}
		var resp streamResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type == "error" || resp.Error != "" {
			return fmt.Errorf("cartesia: synthesis failed: %s", resp.Error)
		}
		if resp.Type == "done" || resp.Done {
			return nil
		}
		if resp.Type != "chunk" || resp.Data == "" {
			continue
		}
		pcm, derr := base64.StdEncoding.DecodeString(resp.Data)
		if derr != nil || len(pcm) == 0 {
			continue
		}
		select {
		case audioCh <- tts.Chunk{PCM: pcm}:
		case <-ctx.Done():
			return nil
		}
	}
}

// buildRequest constructs the generate payload for one transcript segment.
func (p *Provider) buildRequest(transcript string, voice types.VoiceProfile, contextID string, cont bool) generateRequest {
	req := generateRequest{
		ModelID:    p.model,
		Transcript: transcript,
		Voice:      voiceRef{Mode: "id", ID: voice.ID},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: p.sampleRate,
		},
		Language:  voice.Language,
		ContextID: contextID,
		Continue:  cont,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		req.Speed = voice.SpeedFactor
	}
	return req
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// ---- ListVoices ----

// cartesiaVoice is a single voice entry from the Cartesia API.
type cartesiaVoice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// ListVoices returns all voices available from Cartesia for the configured
// API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cartesia: list voices: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("Cartesia-Version", apiVersion)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cartesia: list voices: unexpected status %d", resp.StatusCode)
	}

	var voices []cartesiaVoice
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, fmt.Errorf("cartesia: list voices decode: %w", err)
	}

	profiles := make([]types.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		meta := map[string]string{}
		if v.Name != "" {
			meta["name"] = v.Name
		}
		if v.Description != "" {
			meta["description"] = v.Description
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.ID,
			Provider: "cartesia",
			Language: v.Language,
			Metadata: meta,
		})
	}
	return profiles, nil
}
