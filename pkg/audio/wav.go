package audio

import "encoding/binary"

// wavHeaderSize is the size of a canonical PCM WAV header: RIFF chunk
// descriptor (12) + fmt sub-chunk (24) + data sub-chunk header (8).
const wavHeaderSize = 44

// StripWAVHeader removes the leading 44-byte RIFF/WAV header from data if
// one is present and returns the raw PCM payload. Data that does not start
// with a RIFF header is returned unchanged, so the function is safe to
// apply to every chunk of a TTS byte stream — only the first chunk of a
// WAV-emitting provider actually carries a header.
func StripWAVHeader(data []byte) []byte {
	if !hasWAVHeader(data) {
		return data
	}
	return data[wavHeaderSize:]
}

// hasWAVHeader reports whether data begins with a RIFF/WAVE chunk
// descriptor.
func hasWAVHeader(data []byte) bool {
	if len(data) < wavHeaderSize {
		return false
	}
	return string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// WAVSampleRate extracts the sample rate from a WAV header, or 0 if data
// does not carry one. Used by adapters to sanity-check a provider's
// advertised output format against what it actually sends.
func WAVSampleRate(data []byte) int {
	if !hasWAVHeader(data) {
		return 0
	}
	return int(binary.LittleEndian.Uint32(data[24:28]))
}
