package billing

import (
	"testing"
	"time"
)

func TestBilledMinutes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		d    time.Duration
		want int
	}{
		{"zero", 0, 0},
		{"negative", -time.Minute, 0},
		{"one second", time.Second, 1},
		{"sub-second", 300 * time.Millisecond, 1},
		{"exactly one minute", time.Minute, 1},
		{"just over one minute", time.Minute + time.Millisecond, 2},
		{"59 seconds", 59 * time.Second, 1},
		{"61 seconds", 61 * time.Second, 2},
		{"ten minutes", 10 * time.Minute, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := BilledMinutes(tt.d); got != tt.want {
				t.Errorf("BilledMinutes(%v) = %d, want %d", tt.d, got, tt.want)
			}
		})
	}
}

func TestRateCardCompute(t *testing.T) {
	t.Parallel()
	rc := &RateCard{
		STTPerMinute:        map[string]float64{"deepgram": 60},
		TTSPerMinute:        map[string]float64{"sarvam": 90},
		LLMPer1KTokens:      map[string]float64{"openai": 40},
		TelephonyPerMinute:  70,
		DefaultSTTPerMinute: 100,
		DefaultTTSPerMinute: 100,
		DefaultLLMPer1K:     100,
	}

	q := Quantities{
		Duration: 90 * time.Second, // 2 billed minutes
		STTAudio: 30 * time.Second, // 0.5 audio minutes
		TTSAudio: time.Minute,      // 1.0 audio minutes
		Tokens:   500,
	}
	costs := rc.Compute("deepgram", "openai", "sarvam", q)

	if costs.STTMinor != 30 { // 60 * 0.5
		t.Errorf("STT = %d, want 30", costs.STTMinor)
	}
	if costs.TTSMinor != 90 { // 90 * 1.0
		t.Errorf("TTS = %d, want 90", costs.TTSMinor)
	}
	if costs.LLMMinor != 20 { // 40 * 0.5
		t.Errorf("LLM = %d, want 20", costs.LLMMinor)
	}
	if costs.TelephonyMinor != 140 { // 70 * 2
		t.Errorf("telephony = %d, want 140", costs.TelephonyMinor)
	}
	if costs.TotalMinor != 280 {
		t.Errorf("total = %d, want 280", costs.TotalMinor)
	}
}

func TestRateCardUnknownProviderFallsBack(t *testing.T) {
	t.Parallel()
	rc := DefaultRateCard()
	q := Quantities{Duration: time.Minute, STTAudio: time.Minute}
	costs := rc.Compute("some-new-stt", "", "", q)
	if costs.STTMinor != int64(rc.DefaultSTTPerMinute) {
		t.Errorf("STT = %d, want default %v", costs.STTMinor, rc.DefaultSTTPerMinute)
	}
}

func TestRateCardRoundsTotalAfterSummation(t *testing.T) {
	t.Parallel()
	rc := &RateCard{
		STTPerMinute:       map[string]float64{"a": 1},
		TTSPerMinute:       map[string]float64{"b": 1},
		LLMPer1KTokens:     map[string]float64{"c": 0},
		TelephonyPerMinute: 0,
	}
	// 0.4 + 0.4 audio minutes: categories round to 0 each, the total
	// rounds 0.8 -> 1.
	q := Quantities{
		STTAudio: 24 * time.Second,
		TTSAudio: 24 * time.Second,
	}
	costs := rc.Compute("a", "c", "b", q)
	if costs.STTMinor != 0 || costs.TTSMinor != 0 {
		t.Errorf("category costs = %d/%d, want 0/0", costs.STTMinor, costs.TTSMinor)
	}
	if costs.TotalMinor != 1 {
		t.Errorf("total = %d, want 1 (rounded after summation)", costs.TotalMinor)
	}
}
