// Package sarvam provides a Sarvam-backed STT provider using the Sarvam
// streaming WebSocket API. Sarvam is strong on Indic languages and is the
// default STT choice for sessions with Indian language tags.
package sarvam

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxplane/voxplane/pkg/provider/stt"
	"github.com/voxplane/voxplane/pkg/types"
)

const (
	endpoint        = "wss://api.sarvam.ai/speech-to-text/ws"
	defaultModel    = "saarika:v2.5"
	defaultLanguage = "en-IN"
)

// Option is a functional option for configuring the Sarvam Provider.
type Option func(*Provider)

// WithModel sets the Sarvam STT model (e.g., "saarika:v2.5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider implements stt.Provider backed by the Sarvam streaming API.
type Provider struct {
	apiKey string
	model  string
}

// New creates a new Sarvam Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("sarvam: apiKey must not be empty")
	}
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Sarvam.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("sarvam: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("api-subscription-key", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("sarvam: dial: %w", err)
	}

	sess := &session{
		conn:       conn,
		sampleRate: cfg.SampleRate,
		partials:   make(chan types.Transcript, 64),
		finals:     make(chan types.Transcript, 64),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Sarvam streaming endpoint URL for cfg.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	model := p.model
	if m, ok := cfg.Options["model"].(string); ok && m != "" {
		model = m
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language-code", lang)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// audioMessage is the JSON envelope Sarvam expects for streamed audio.
type audioMessage struct {
	Audio struct {
		Data       string `json:"data"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"audio"`
}

// sarvamResponse is the JSON structure of a Sarvam transcript event.
type sarvamResponse struct {
	Type string `json:"type"`
	Data struct {
		Transcript   string  `json:"transcript"`
		IsFinal      bool    `json:"is_final"`
		LanguageCode string  `json:"language_code"`
		StartSeconds float64 `json:"start_seconds"`
		EndSeconds   float64 `json:"end_seconds"`
	} `json:"data"`
}

// session is a live Sarvam streaming session implementing
// stt.SessionHandle.
type session struct {
	conn       *websocket.Conn
	sampleRate int
	partials   chan types.Transcript
	finals     chan types.Transcript
	audio      chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Sarvam.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// EndUtterance asks Sarvam to flush buffered audio and commit a final.
func (s *session) EndUtterance() error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	return s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"event":"flush"}`))
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"event":"flush"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop encodes queued PCM chunks and sends them to Sarvam.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageText, encodeAudio(chunk, s.sampleRate)); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageText, encodeAudio(chunk, s.sampleRate))
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Sarvam and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseResponse(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// encodeAudio wraps a raw PCM chunk in Sarvam's base64 audio envelope.
func encodeAudio(chunk []byte, sampleRate int) []byte {
	var msg audioMessage
	msg.Audio.Data = base64.StdEncoding.EncodeToString(chunk)
	msg.Audio.Encoding = "audio/x-raw"
	msg.Audio.SampleRate = sampleRate
	b, _ := json.Marshal(msg)
	return b
}

// parseResponse parses a raw Sarvam WebSocket message into a Transcript.
// Returns (zero, false) for messages that should be ignored.
func parseResponse(data []byte) (types.Transcript, bool) {
	var resp sarvamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}
	if resp.Type != "data" {
		return types.Transcript{}, false
	}

	start := time.Duration(resp.Data.StartSeconds * float64(time.Second))
	end := time.Duration(resp.Data.EndSeconds * float64(time.Second))
	dur := end - start
	if dur < 0 {
		dur = 0
	}
	return types.Transcript{
		Text:      resp.Data.Transcript,
		IsFinal:   resp.Data.IsFinal,
		Language:  resp.Data.LanguageCode,
		Timestamp: start,
		Duration:  dur,
	}, true
}
