// Package audio provides the PCM primitives shared by the gateway, the
// pipeline orchestrator, and the provider adapters: frame types, format
// conversion, and WAV header handling.
//
// All PCM in Voxplane is signed 16-bit little-endian. The client-facing
// inbound format is fixed (mono 16 kHz); the outbound format is whatever
// the selected TTS provider emits natively and is advertised to the client
// at session start.
package audio

import "time"

const (
	// ClientSampleRate is the required sample rate for client→server PCM.
	ClientSampleRate = 16000

	// ClientChannels is the required channel count for client→server PCM.
	ClientChannels = 1

	// BytesPerSample is the width of one s16le sample.
	BytesPerSample = 2

	// InboundChunkFrames is the number of samples per inbound chunk the
	// pipeline feeds to VAD and STT (~256 ms at 16 kHz).
	InboundChunkFrames = 4096

	// InboundChunkBytes is InboundChunkFrames in bytes.
	InboundChunkBytes = InboundChunkFrames * BytesPerSample
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
}

// ClientFormat is the fixed client→server PCM format.
var ClientFormat = Format{SampleRate: ClientSampleRate, Channels: ClientChannels}

// Frame represents a single chunk of PCM flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from the
// gateway, classified by VAD, forwarded to STT, and emitted by TTS.
type Frame struct {
	// Data is raw s16le PCM. Sample rate and channel count are carried
	// alongside so conversion stages can be format-agnostic.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was received, relative to session
	// start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / BytesPerSample / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// ValidPCM reports whether data is a plausible s16le payload: non-empty
// and an even number of bytes. The gateway rejects frames failing this
// check before they reach the pipeline.
func ValidPCM(data []byte) bool {
	return len(data) > 0 && len(data)%BytesPerSample == 0
}

// ValidInboundFrame reports whether data is acceptable as one
// client→server frame: valid s16le PCM no larger than
// [InboundChunkBytes].
func ValidInboundFrame(data []byte) bool {
	return ValidPCM(data) && len(data) <= InboundChunkBytes
}
