package text

import (
	"regexp"
	"time"
)

type abbreviation struct {
	pattern *regexp.Regexp
	spoken  string
}

// Expanded before segmentation so the trailing period is not taken for a
// sentence end.
var abbreviations = []abbreviation{
	{regexp.MustCompile(`\bMr\.`), "Mister"},
	{regexp.MustCompile(`\bMrs\.`), "Misses"},
	{regexp.MustCompile(`\bDr\.`), "Doctor"},
	{regexp.MustCompile(`\bProf\.`), "Professor"},
	{regexp.MustCompile(`\bSr\.`), "Senior"},
	{regexp.MustCompile(`\bJr\.`), "Junior"},
}

// Clean expands common honorific abbreviations and normalizes whitespace.
func Clean(s string) string {
	for _, a := range abbreviations {
		s = a.pattern.ReplaceAllString(s, a.spoken)
	}
	return NormalizeWhitespace(s)
}

// Pauses holds the silence inserted after a chunk depending on how it ends.
type Pauses struct {
	Sentence    time.Duration `yaml:"sentence"`
	Punctuation time.Duration `yaml:"punctuation"`
	Paragraph   time.Duration `yaml:"paragraph"`
}

func DefaultPauses() Pauses {
	return Pauses{
		Sentence:    300 * time.Millisecond,
		Punctuation: 150 * time.Millisecond,
		Paragraph:   600 * time.Millisecond,
	}
}

// PauseAfter returns the pause that should follow chunk. next is nil for the
// final chunk.
func (p Pauses) PauseAfter(chunk TextChunk, next *TextChunk) time.Duration {
	switch {
	case next == nil:
		return p.Paragraph
	case !chunk.IsCompleteSentence:
		return p.Punctuation
	default:
		return p.Sentence
	}
}
