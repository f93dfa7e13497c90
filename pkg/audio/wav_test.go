package audio

import (
	"encoding/binary"
	"testing"
)

// makeWAV builds a minimal 44-byte WAV header followed by payload.
func makeWAV(sampleRate int, payload []byte) []byte {
	out := make([]byte, wavHeaderSize+len(payload))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(payload)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], 1) // mono
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:34], 2)
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(payload)))
	copy(out[44:], payload)
	return out
}

func TestStripWAVHeader(t *testing.T) {
	t.Parallel()

	payload := []byte{1, 2, 3, 4, 5, 6}
	wav := makeWAV(22050, payload)

	got := StripWAVHeader(wav)
	if string(got) != string(payload) {
		t.Errorf("StripWAVHeader = %v, want %v", got, payload)
	}
}

func TestStripWAVHeader_RawPassthrough(t *testing.T) {
	t.Parallel()

	raw := []byte{9, 8, 7, 6}
	if got := StripWAVHeader(raw); string(got) != string(raw) {
		t.Errorf("raw PCM should pass through unchanged, got %v", got)
	}
}

func TestStripWAVHeader_ShortInput(t *testing.T) {
	t.Parallel()

	short := []byte("RIFF")
	if got := StripWAVHeader(short); string(got) != string(short) {
		t.Error("input shorter than a header should pass through unchanged")
	}
}

func TestWAVSampleRate(t *testing.T) {
	t.Parallel()

	wav := makeWAV(24000, []byte{0, 0})
	if got := WAVSampleRate(wav); got != 24000 {
		t.Errorf("WAVSampleRate = %d, want 24000", got)
	}
	if got := WAVSampleRate([]byte{1, 2, 3}); got != 0 {
		t.Errorf("WAVSampleRate on raw PCM = %d, want 0", got)
	}
}
