package pipeline

import "testing"

func TestPhraseDetectorMatch(t *testing.T) {
	t.Parallel()

	d := NewPhraseDetector([]string{"goodbye", "end the call", "bye"})

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"exact word", "goodbye", true},
		{"within sentence", "okay goodbye then", true},
		{"case and punctuation", "Goodbye!", true},
		{"multi word phrase", "please end the call now", true},
		{"hyphenated variant", "good-bye", true},
		{"one edit away", "goodby now", true},
		{"short phrase exact only", "bye", true},
		{"short phrase no fuzz", "by the way", false},
		{"unrelated", "tell me about the weather", false},
		{"two edits away", "goodpie", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := d.Match(tt.text); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestPhraseDetectorEmpty(t *testing.T) {
	t.Parallel()

	d := NewPhraseDetector(nil)
	if !d.Empty() {
		t.Error("Empty() = false for nil phrase list")
	}
	if d.Match("goodbye") {
		t.Error("Match() = true with no phrases configured")
	}

	d = NewPhraseDetector([]string{"  ", "!!!"})
	if !d.Empty() {
		t.Error("Empty() = false when all phrases normalize away")
	}
}
