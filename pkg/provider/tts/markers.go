package tts

import (
	"regexp"
	"strings"
)

// Formatting markers that the LLM may emit inside assistant text. Each
// provider honours a different subset; everything a provider cannot
// render must be removed before the text reaches its adapter, otherwise
// the markers get spoken literally.
var (
	// ssmlBreak matches SSML-style pause tags: <break time="1s"/>.
	ssmlBreak = regexp.MustCompile(`<break\s+time="[^"]*"\s*/?>`)

	// bracketCue matches bracketed delivery cues: [pause], [laughs],
	// [whispering], [sighs].
	bracketCue = regexp.MustCompile(`\[(pause|laughs|laughter|whispering|whispers|sighs|sigh|excited|sad|angry|curious)\]`)

	// spellOut matches spell-out directives: spell(ABC-123).
	spellOut = regexp.MustCompile(`spell\(([^)]*)\)`)

	// rateVolume matches Cartesia-style inline controls: {rate:slow},
	// {volume:loud}, {emotion:positivity}.
	rateVolume = regexp.MustCompile(`\{(rate|volume|emotion):[^}]*\}`)

	multiSpace = regexp.MustCompile(`  +`)
)

// MarkerSupport declares which marker families a provider renders
// natively. Markers outside the supported set are stripped by
// StripMarkers.
type MarkerSupport struct {
	// Breaks indicates SSML <break> tags are honoured.
	Breaks bool

	// BracketCues indicates bracketed cues like [laughs] are honoured.
	BracketCues bool

	// SpellOut indicates spell(...) directives are honoured.
	SpellOut bool

	// InlineControls indicates {rate:...}/{volume:...}/{emotion:...}
	// controls are honoured.
	InlineControls bool
}

// SupportFor returns the marker support set for a known provider slug.
// Unknown providers support nothing, so all markers are stripped.
func SupportFor(provider string) MarkerSupport {
	switch provider {
	case "elevenlabs":
		return MarkerSupport{Breaks: true, BracketCues: true}
	case "cartesia":
		return MarkerSupport{Breaks: true, SpellOut: true, InlineControls: true}
	default:
		return MarkerSupport{}
	}
}

// StripMarkers removes every marker family the given support set does not
// cover. Spell-out directives are replaced by their inner text rather than
// dropped; everything else is deleted. Whitespace runs left behind by a
// removal collapse to a single space.
func StripMarkers(text string, support MarkerSupport) string {
	out := text
	if !support.Breaks {
		out = ssmlBreak.ReplaceAllString(out, " ")
	}
	if !support.BracketCues {
		out = bracketCue.ReplaceAllString(out, " ")
	}
	if !support.SpellOut {
		out = spellOut.ReplaceAllString(out, "$1")
	}
	if !support.InlineControls {
		out = rateVolume.ReplaceAllString(out, " ")
	}
	out = multiSpace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
