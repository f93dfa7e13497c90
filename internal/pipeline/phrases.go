package pipeline

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// fuzzyMinLen is the minimum phrase length eligible for edit-distance
// matching. Shorter phrases ("bye") match only exactly, otherwise STT
// noise like "by" would end calls.
const fuzzyMinLen = 4

// PhraseDetector matches final transcripts against an agent's end-call
// phrase list. Matching is case-insensitive substring comparison after
// normalization; single-word phrases of four or more letters also
// accept one edit of Levenshtein distance, absorbing common STT
// misspellings ("goodby", "good-bye").
type PhraseDetector struct {
	phrases []string
}

// NewPhraseDetector builds a detector from the raw phrase list. Empty
// and whitespace-only entries are discarded.
func NewPhraseDetector(raw []string) *PhraseDetector {
	d := &PhraseDetector{}
	for _, p := range raw {
		if n := normalizePhrase(p); n != "" {
			d.phrases = append(d.phrases, n)
		}
	}
	return d
}

// Empty reports whether the detector has no phrases to match.
func (d *PhraseDetector) Empty() bool {
	return len(d.phrases) == 0
}

// Match reports whether text contains any configured end-call phrase.
func (d *PhraseDetector) Match(text string) bool {
	norm := normalizePhrase(text)
	if norm == "" {
		return false
	}

	for _, phrase := range d.phrases {
		if strings.Contains(norm, phrase) {
			return true
		}
		if len(phrase) < fuzzyMinLen || strings.ContainsRune(phrase, ' ') {
			continue
		}
		for _, word := range strings.Fields(norm) {
			if matchr.Levenshtein(word, phrase) <= 1 {
				return true
			}
		}
	}
	return false
}

// normalizePhrase lowercases, strips everything but letters, digits,
// and spaces, and collapses whitespace runs.
func normalizePhrase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
