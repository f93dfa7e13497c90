package pipeline

import (
	"strings"
	"unicode/utf8"
)

// Segmenter breaks an incremental LLM token stream into utterance units
// for TTS. A unit ends at a sentence boundary — '.', '!', '?', or '…'
// followed by whitespace, or a hard newline — or immediately after an
// SSML <break/> pause marker. Boundary punctuation trailing the buffer
// is held back until the next token arrives, so abbreviations and
// decimals ("3.14", "Dr. Rao") are not split mid-number.
//
// Not safe for concurrent use; each generation owns its own Segmenter.
type Segmenter struct {
	buf string
}

// Push appends token to the buffer and returns every completed segment,
// trimmed of surrounding whitespace, in order. Returns nil when no
// boundary has been reached yet.
func (s *Segmenter) Push(token string) []string {
	s.buf += token

	var segments []string
	for {
		idx := boundaryIndex(s.buf)
		if idx < 0 {
			break
		}
		seg := strings.TrimSpace(s.buf[:idx])
		s.buf = s.buf[idx:]
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

// Flush returns whatever remains in the buffer as a final segment, or
// "" if the buffer holds only whitespace. Call when the token stream
// ends so trailing text without closing punctuation is still spoken.
func (s *Segmenter) Flush() string {
	seg := strings.TrimSpace(s.buf)
	s.buf = ""
	return seg
}

// Pending reports whether un-flushed text is buffered.
func (s *Segmenter) Pending() bool {
	return strings.TrimSpace(s.buf) != ""
}

// boundaryIndex returns the index just past the first segment boundary
// in s, or -1 when none is complete yet.
func boundaryIndex(s string) int {
	best := -1
	for i, r := range s {
		switch r {
		case '\n':
			best = i + 1
		case '.', '!', '?', '…':
			next := i + utf8.RuneLen(r)
			if next < len(s) && isBoundarySpace(s[next]) {
				best = next
			}
		}
		if best >= 0 {
			break
		}
	}

	// A pause marker is a boundary of its own so the provider receives
	// it at the end of a unit.
	if start := strings.Index(s, "<break"); start >= 0 {
		if end := strings.Index(s[start:], "/>"); end >= 0 {
			markerEnd := start + end + len("/>")
			if best < 0 || markerEnd < best {
				best = markerEnd
			}
		}
	}
	return best
}

func isBoundarySpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
