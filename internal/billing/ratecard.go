package billing

import (
	"math"
	"time"
)

// RateCard holds per-provider prices. STT and TTS are priced per actual
// audio minute (fractional), LLM per 1000 tokens (prompt + completion),
// telephony per billed minute (rounded up). Rates are minor currency
// units and may be fractional; totals round to integers after summation.
type RateCard struct {
	// STTPerMinute maps STT slugs to minor units per audio minute.
	STTPerMinute map[string]float64

	// TTSPerMinute maps TTS slugs to minor units per audio minute.
	TTSPerMinute map[string]float64

	// LLMPer1KTokens maps LLM slugs to minor units per 1000 tokens.
	LLMPer1KTokens map[string]float64

	// TelephonyPerMinute is the per-billed-minute carrier charge.
	TelephonyPerMinute float64

	// Fallback rates for provider slugs absent from the maps.
	DefaultSTTPerMinute float64
	DefaultTTSPerMinute float64
	DefaultLLMPer1K     float64
}

// DefaultRateCard returns the built-in price list, in minor units
// (paise/cents).
func DefaultRateCard() *RateCard {
	return &RateCard{
		STTPerMinute: map[string]float64{
			"deepgram": 60,
			"sarvam":   45,
		},
		TTSPerMinute: map[string]float64{
			"elevenlabs": 240,
			"cartesia":   120,
			"sarvam":     90,
		},
		LLMPer1KTokens: map[string]float64{
			"openai":    40,
			"anthropic": 50,
			"gemini":    25,
			"groq":      10,
		},
		TelephonyPerMinute:  70,
		DefaultSTTPerMinute: 60,
		DefaultTTSPerMinute: 150,
		DefaultLLMPer1K:     40,
	}
}

// Quantities carries the measured usage of one call, as reported by the
// pipeline orchestrator.
type Quantities struct {
	// Duration is the call's wall-clock length; billed minutes and the
	// telephony charge derive from it.
	Duration time.Duration

	// STTAudio is the audio time streamed to the STT provider.
	STTAudio time.Duration

	// TTSAudio is the audio time synthesised by the TTS provider.
	TTSAudio time.Duration

	// Tokens is the LLM prompt + completion token sum.
	Tokens int
}

// Costs is the per-category cost breakdown in integer minor units.
// Total is the rounded sum of the unrounded category costs, so it may
// differ from the sum of the rounded categories by at most one unit.
type Costs struct {
	STTMinor       int64
	LLMMinor       int64
	TTSMinor       int64
	TelephonyMinor int64
	TotalMinor     int64
}

// Compute prices the given quantities for a provider triple.
func (r *RateCard) Compute(sttProvider, llmProvider, ttsProvider string, q Quantities) Costs {
	sttRate := lookup(r.STTPerMinute, sttProvider, r.DefaultSTTPerMinute)
	ttsRate := lookup(r.TTSPerMinute, ttsProvider, r.DefaultTTSPerMinute)
	llmRate := lookup(r.LLMPer1KTokens, llmProvider, r.DefaultLLMPer1K)

	stt := sttRate * q.STTAudio.Minutes()
	tts := ttsRate * q.TTSAudio.Minutes()
	llm := llmRate * float64(q.Tokens) / 1000
	tel := r.TelephonyPerMinute * float64(BilledMinutes(q.Duration))

	return Costs{
		STTMinor:       int64(math.Round(stt)),
		LLMMinor:       int64(math.Round(llm)),
		TTSMinor:       int64(math.Round(tts)),
		TelephonyMinor: int64(math.Round(tel)),
		TotalMinor:     int64(math.Round(stt + tts + llm + tel)),
	}
}

func lookup(m map[string]float64, slug string, fallback float64) float64 {
	if rate, ok := m[slug]; ok {
		return rate
	}
	return fallback
}
