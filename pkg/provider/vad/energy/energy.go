// Package energy implements a dependency-free RMS-energy VAD engine.
//
// The detector computes root-mean-square energy per frame and compares it
// against a threshold derived from the session's sensitivity setting. A
// hangover counter smooths over short energy dips so a single quiet frame
// inside a word does not end the speech segment.
//
// This is deliberately a coarse detector: it is cheap, deterministic, and
// good enough to gate STT forwarding and trigger barge-in. Model-based
// detection belongs to an external provider, not this runtime.
package energy

import (
	"fmt"
	"math"
	"sync"

	"github.com/voxplane/voxplane/pkg/provider/vad"
)

const (
	// noiseFloor is the RMS level (of full-scale int16) below which a
	// frame is never speech, regardless of sensitivity.
	noiseFloor = 250.0

	// thresholdCeiling is the RMS level a frame must exceed to count as
	// speech at the lowest usable sensitivity.
	thresholdCeiling = 6000.0

	// defaultHangover is the number of consecutive sub-threshold frames
	// before speech is considered ended.
	defaultHangover = 3
)

// Engine creates RMS-energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// New returns a new energy VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate %d is invalid", cfg.SampleRate)
	}
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 1 {
		return nil, fmt.Errorf("energy: sensitivity %v outside [0,1]", cfg.Sensitivity)
	}
	hangover := cfg.HangoverFrames
	if hangover <= 0 {
		hangover = defaultHangover
	}
	return &session{
		threshold: threshold(cfg.Sensitivity),
		disabled:  cfg.Sensitivity == 0,
		hangover:  hangover,
	}, nil
}

// threshold maps sensitivity ∈ (0,1] onto an RMS threshold: 1 → the noise
// floor (first audible frame triggers), approaching 0 → the ceiling.
func threshold(sensitivity float64) float64 {
	return thresholdCeiling - sensitivity*(thresholdCeiling-noiseFloor)
}

// session is a live energy-VAD session. Not safe for concurrent use; the
// pipeline owns one per audio stream.
type session struct {
	threshold float64
	disabled  bool
	hangover  int

	mu       sync.Mutex
	inSpeech bool
	quiet    int
	closed   bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, vad.ErrClosed
	}
	if len(frame)%2 != 0 {
		return vad.Event{}, fmt.Errorf("energy: frame length %d is not sample-aligned", len(frame))
	}

	e := rms(frame)
	ev := vad.Event{Energy: e}

	if s.disabled {
		ev.Type = vad.Silence
		return ev, nil
	}

	loud := e >= s.threshold && e >= noiseFloor
	switch {
	case loud && !s.inSpeech:
		s.inSpeech = true
		s.quiet = 0
		ev.Type = vad.SpeechStart
	case loud:
		s.quiet = 0
		ev.Type = vad.SpeechContinue
	case s.inSpeech:
		s.quiet++
		if s.quiet >= s.hangover {
			s.inSpeech = false
			s.quiet = 0
			ev.Type = vad.SpeechEnd
		} else {
			// Inside hangover: still treated as speech.
			ev.Type = vad.SpeechContinue
		}
	default:
		ev.Type = vad.Silence
	}
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.quiet = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rms computes root-mean-square amplitude of an s16le frame.
func rms(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(int16(frame[i*2]) | int16(frame[i*2+1])<<8)
		sum += v * v
	}
	return math.Sqrt(sum / float64(samples))
}
