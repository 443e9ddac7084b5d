package text

import (
	"regexp"
	"strings"
)

// DefaultMaxWords mirrors the chunk size the synthesis model was tuned for.
const DefaultMaxWords = 50

// TextChunk is a bounded span of input text sized for one synthesis call.
type TextChunk struct {
	Index              int    `json:"index"`
	Text               string `json:"text"`
	WordCount          int    `json:"word_count"`
	IsCompleteSentence bool   `json:"is_complete_sentence"`
}

var (
	// a run of terminal punctuation, optionally closed by quotes or brackets,
	// that is followed by whitespace or the end of the text
	sentenceEndPattern = regexp.MustCompile(`[.!?]+["'”’)\]]*(\s|$)`)
	trailingEndPattern = regexp.MustCompile(`[.!?]+["'”’)\]]*$`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// NormalizeWhitespace collapses every whitespace run into a single space.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// EndsSentence reports whether s ends with terminal punctuation.
func EndsSentence(s string) bool {
	return trailingEndPattern.MatchString(strings.TrimSpace(s))
}

// CountWords counts whitespace separated words.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// Sentences splits normalized text into sentence spans. Text without terminal
// punctuation is returned as a single sentence.
func Sentences(s string) []string {
	s = NormalizeWhitespace(s)
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for _, loc := range sentenceEndPattern.FindAllStringIndex(s, -1) {
		if sentence := strings.TrimSpace(s[start:loc[1]]); sentence != "" {
			out = append(out, sentence)
		}
		start = loc[1]
	}
	if start < len(s) {
		if rest := strings.TrimSpace(s[start:]); rest != "" {
			out = append(out, rest)
		}
	}
	return out
}

// Segment splits text into ordered chunks of at most maxWords words. Whole
// sentences are packed greedily; a sentence that alone exceeds maxWords is
// split at word boundaries. The result depends only on its inputs.
func Segment(text string, maxWords int) []TextChunk {
	if maxWords < 1 {
		maxWords = 1
	}

	var (
		chunks    []TextChunk
		pending   []string
		pendWords int
	)
	emit := func(body string, words int, complete bool) {
		chunks = append(chunks, TextChunk{
			Index:              len(chunks),
			Text:               body,
			WordCount:          words,
			IsCompleteSentence: complete,
		})
	}
	flush := func() {
		if len(pending) == 0 {
			return
		}
		emit(strings.Join(pending, " "), pendWords, true)
		pending = pending[:0]
		pendWords = 0
	}

	for _, sentence := range Sentences(text) {
		words := strings.Fields(sentence)
		n := len(words)
		if n == 0 {
			continue
		}
		if pendWords+n > maxWords {
			flush()
		}
		if n > maxWords {
			for i := 0; i < n; i += maxWords {
				end := i + maxWords
				if end > n {
					end = n
				}
				body := strings.Join(words[i:end], " ")
				emit(body, end-i, end == n && EndsSentence(body))
			}
			continue
		}
		pending = append(pending, sentence)
		pendWords += n
	}

	if len(pending) > 0 {
		body := strings.Join(pending, " ")
		emit(body, pendWords, EndsSentence(body))
	}
	return chunks
}
