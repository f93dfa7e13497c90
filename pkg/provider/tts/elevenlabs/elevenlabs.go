// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/voxplane/voxplane/pkg/audio"
	"github.com/voxplane/voxplane/pkg/provider/tts"
	"github.com/voxplane/voxplane/pkg/types"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint   = "https://api.elevenlabs.io/v1/voices"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000",
// "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text
// fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the
// WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes text segments
// from the text channel, and returns a channel emitting audio chunks.
//
// The returned channel is closed when synthesis is complete or ctx is
// cancelled; a mid-stream failure delivers a terminal error chunk first.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan tts.Chunk, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice.ID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	vs := settingsForVoice(voice)

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text:          " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: vs,
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

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

		// Write text segments to ElevenLabs.
		for {
			select {
			case segment, ok := <-text:
				if !ok {
					// Text channel closed. Send flush command and wait for
					// the reader to drain the remaining audio.
					flush := textMessage{Text: ""}
					flushBytes, _ := json.Marshal(flush)
					if err := conn.Write(ctx, websocket.MessageText, flushBytes); err != nil {
						conn.Close(websocket.StatusInternalError, "flush failed")
						<-readRes
						terminate(fmt.Errorf("elevenlabs: flush: %w", err))
						return
					}
					terminate(<-readRes)
					return
				}
				if segment == "" {
					continue
				}
				payload := textMessage{Text: segment, VoiceSettings: vs}
				// Only send voice settings on the first fragment.
				vs = nil
				msgBytes, _ := json.Marshal(payload)
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					conn.Close(websocket.StatusInternalError, "send failed")
					<-readRes
					terminate(fmt.Errorf("elevenlabs: send text: %w", err))
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

// readLoop drains audio messages into audioCh until the service marks
// the stream final or the connection ends. Returns nil for an orderly
// end, the connection error otherwise.
func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, audioCh chan<- tts.Chunk) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, derr := base64.StdEncoding.DecodeString(resp.Audio)
			if derr == nil && len(pcm) > 0 {
				select {
				case audioCh <- tts.Chunk{PCM: pcm}:
				case <-ctx.Done():
					return nil
				}
			}
		}
		if resp.IsFinal {
			return nil
		}
	}
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return audio.Format{SampleRate: pcmRate(p.outputFormat), Channels: 1}
}

// pcmRate extracts the sample rate from an ElevenLabs output format string
// such as "pcm_24000". Unknown formats fall back to 16 kHz.
func pcmRate(format string) int {
	if rest, ok := strings.CutPrefix(format, "pcm_"); ok {
		if rate, err := strconv.Atoi(rest); err == nil && rate > 0 {
			return rate
		}
	}
	return 16000
}

// settingsForVoice derives voice_settings from a VoiceProfile.
func settingsForVoice(voice types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		vs.Speed = voice.SpeedFactor
	}
	return vs
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the
// configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return convertVoices(vr.Voices), nil
}

// convertVoices maps ElevenLabs voice entries onto VoiceProfile values.
func convertVoices(voices []elevenLabsVoice) []types.VoiceProfile {
	profiles := make([]types.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		meta := make(map[string]string, len(v.Labels)+2)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Name != "" {
			meta["name"] = v.Name
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text
// fragment. Used by tests to verify the payload shape without opening a
// real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and
// model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}

// parseVoicesResponse parses a raw JSON byte slice (matching the
// ElevenLabs /v1/voices response) into a slice of VoiceProfile values.
func parseVoicesResponse(data []byte) ([]types.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	return convertVoices(vr.Voices), nil
}
