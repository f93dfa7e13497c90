package energy

import (
	"testing"

	"github.com/voxplane/voxplane/pkg/provider/vad"
)

// tone builds an s16le frame of n samples alternating ±amp.
func tone(n int, amp int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

func newSession(t *testing.T, sensitivity float64) vad.SessionHandle {
	t.Helper()
	s, err := New().NewSession(vad.Config{SampleRate: 16000, Sensitivity: sensitivity})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSpeechStartAndEnd(t *testing.T) {
	t.Parallel()

	s := newSession(t, 0.5)
	loud := tone(320, 8000)
	quiet := tone(320, 10)

	ev, err := s.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.SpeechStart {
		t.Fatalf("first loud frame = %v, want speech_start", ev.Type)
	}

	if ev, _ = s.ProcessFrame(loud); ev.Type != vad.SpeechContinue {
		t.Fatalf("second loud frame = %v, want speech_continue", ev.Type)
	}

	// Hangover: first quiet frames still count as speech.
	for i := 0; i < defaultHangover-1; i++ {
		if ev, _ = s.ProcessFrame(quiet); ev.Type != vad.SpeechContinue {
			t.Fatalf("hangover frame %d = %v, want speech_continue", i, ev.Type)
		}
	}
	if ev, _ = s.ProcessFrame(quiet); ev.Type != vad.SpeechEnd {
		t.Fatalf("final quiet frame = %v, want speech_end", ev.Type)
	}
	if ev, _ = s.ProcessFrame(quiet); ev.Type != vad.Silence {
		t.Fatalf("post-segment frame = %v, want silence", ev.Type)
	}
}

func TestSensitivityZeroDisables(t *testing.T) {
	t.Parallel()

	s := newSession(t, 0)
	ev, err := s.ProcessFrame(tone(320, 32000))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.Silence {
		t.Errorf("sensitivity 0 classified %v, want silence", ev.Type)
	}
}

func TestSensitivityOneFiresAtFloor(t *testing.T) {
	t.Parallel()

	s := newSession(t, 1)
	// Just above the noise floor.
	ev, _ := s.ProcessFrame(tone(320, 300))
	if ev.Type != vad.SpeechStart {
		t.Errorf("floor-level frame at sensitivity 1 = %v, want speech_start", ev.Type)
	}

	s2 := newSession(t, 0.1)
	ev2, _ := s2.ProcessFrame(tone(320, 300))
	if ev2.Type != vad.Silence {
		t.Errorf("floor-level frame at sensitivity 0.1 = %v, want silence", ev2.Type)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	s := newSession(t, 0.8)
	if ev, _ := s.ProcessFrame(tone(320, 8000)); ev.Type != vad.SpeechStart {
		t.Fatalf("expected speech_start, got %v", ev.Type)
	}
	s.Reset()
	if ev, _ := s.ProcessFrame(tone(320, 8000)); ev.Type != vad.SpeechStart {
		t.Errorf("after Reset expected a fresh speech_start, got %v", ev.Type)
	}
}

func TestClosedSession(t *testing.T) {
	t.Parallel()

	s := newSession(t, 0.5)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.ProcessFrame(tone(320, 8000)); err == nil {
		t.Error("ProcessFrame after Close should fail")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	e := New()
	if _, err := e.NewSession(vad.Config{SampleRate: 0, Sensitivity: 0.5}); err == nil {
		t.Error("zero sample rate should be rejected")
	}
	if _, err := e.NewSession(vad.Config{SampleRate: 16000, Sensitivity: 1.5}); err == nil {
		t.Error("sensitivity > 1 should be rejected")
	}
}

func TestMisalignedFrame(t *testing.T) {
	t.Parallel()

	s := newSession(t, 0.5)
	if _, err := s.ProcessFrame([]byte{1, 2, 3}); err == nil {
		t.Error("odd-length frame should be rejected")
	}
}
