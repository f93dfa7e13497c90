package sarvam

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/voxplane/voxplane/pkg/types"
)

// makeWAV builds a minimal 44-byte-header WAV file around pcm.
func makeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], 1)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:34], 2)
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

func TestBuildRequest(t *testing.T) {
	p, err := New("key", WithModel("bulbul:v2"), WithSampleRate(22050))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voice := types.VoiceProfile{ID: "anushka", Language: "hi-IN", SpeedFactor: 0.9}
	req := p.buildRequest("Namaste.", voice)

	if req.Text != "Namaste." {
		t.Errorf("text = %q", req.Text)
	}
	if req.TargetLanguageCode != "hi-IN" {
		t.Errorf("target_language_code = %q", req.TargetLanguageCode)
	}
	if req.Speaker != "anushka" {
		t.Errorf("speaker = %q", req.Speaker)
	}
	if req.SpeechSampleRate != 22050 {
		t.Errorf("speech_sample_rate = %d", req.SpeechSampleRate)
	}
	if req.Pace != 0.9 {
		t.Errorf("pace = %v", req.Pace)
	}
}

func TestBuildRequest_Defaults(t *testing.T) {
	p, _ := New("key")
	req := p.buildRequest("Hello.", types.VoiceProfile{ID: "arya"})
	if req.TargetLanguageCode != "en-IN" {
		t.Errorf("default language = %q, want en-IN", req.TargetLanguageCode)
	}
	if req.Pace != 0 {
		t.Errorf("default pace should be omitted, got %v", req.Pace)
	}
	if req.Model != "bulbul:v2" {
		t.Errorf("model = %q", req.Model)
	}
}

func TestDecodeClip(t *testing.T) {
	pcm := []byte{10, 0, 20, 0, 30, 0}
	clip := base64.StdEncoding.EncodeToString(makeWAV(pcm, 16000))

	got, err := decodeClip(synthesizeResponse{Audios: []string{clip}})
	if err != nil {
		t.Fatalf("decodeClip: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("decoded PCM = %v, want %v", got, pcm)
	}
}

func TestDecodeClip_Errors(t *testing.T) {
	if _, err := decodeClip(synthesizeResponse{}); err == nil {
		t.Error("expected error for empty audios")
	}
	if _, err := decodeClip(synthesizeResponse{Audios: []string{"%%%"}}); err == nil {
		t.Error("expected error for invalid base64")
	}
}

type failingTransport struct{ err error }

func (ft failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, ft.err
}

func TestSynthesizeStream_MidStreamFailureEmitsErrorChunk(t *testing.T) {
	p, _ := New("key")
	p.httpClient = &http.Client{Transport: failingTransport{err: errors.New("connection refused")}}

	textCh := make(chan string, 1)
	textCh <- "Hello."
	close(textCh)

	audioCh, err := p.SynthesizeStream(context.Background(), textCh, types.VoiceProfile{ID: "arya"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var last error
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-audioCh:
			if !ok {
				if last == nil {
					t.Fatal("stream closed without a terminal error chunk")
				}
				return
			}
			if chunk.Err != nil {
				last = chunk.Err
				continue
			}
			t.Fatalf("unexpected audio chunk %v from a failing backend", chunk.PCM)
		case <-deadline:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestOutputFormat(t *testing.T) {
	p, _ := New("key")
	if f := p.OutputFormat(); f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("default format = %+v", f)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}
