package gateway

import (
	"encoding/json"
	"testing"

	"github.com/voxplane/voxplane/internal/session"
)

func TestToSpecSilenceTimeout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{
			name: "omitted selects the default",
			body: `{"stt":{"provider":"deepgram"},"llm":{"provider":"openai"},"tts":{"provider":"elevenlabs"}}`,
			want: session.DefaultSilenceTimeoutMs,
		},
		{
			name: "explicit zero is preserved",
			body: `{"silenceTimeoutMs":0,"stt":{"provider":"deepgram"},"llm":{"provider":"openai"},"tts":{"provider":"elevenlabs"}}`,
			want: 0,
		},
		{
			name: "explicit value passes through",
			body: `{"silenceTimeoutMs":1200,"stt":{"provider":"deepgram"},"llm":{"provider":"openai"},"tts":{"provider":"elevenlabs"}}`,
			want: 1200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg SessionConfig
			if err := json.Unmarshal([]byte(tt.body), &cfg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			spec := cfg.ToSpec("tenant-a", "call-1")
			if spec.SilenceTimeoutMs != tt.want {
				t.Errorf("SilenceTimeoutMs = %d, want %d", spec.SilenceTimeoutMs, tt.want)
			}
		})
	}
}
