package text

import (
	"reflect"
	"strings"
	"testing"
)

func words(n int, word string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = word
	}
	return strings.Join(parts, " ")
}

func TestSegmentEmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t  \n"} {
		if chunks := Segment(in, 10); len(chunks) != 0 {
			t.Fatalf("expected no chunks for %q, got %v", in, chunks)
		}
	}
}

func TestSegmentPacksSentences(t *testing.T) {
	in := "One two three. Four five six! Seven eight nine? Ten."
	chunks := Segment(in, 6)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "One two three. Four five six!" || chunks[0].WordCount != 6 {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Text != "Seven eight nine? Ten." || chunks[1].WordCount != 4 {
		t.Fatalf("unexpected second chunk: %+v", chunks[1])
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
		if !c.IsCompleteSentence {
			t.Fatalf("chunk %d should end on a sentence", i)
		}
	}
}

func TestSegmentClosingQuotes(t *testing.T) {
	in := `She said "stop." Then she left.`
	sentences := Sentences(in)
	want := []string{`She said "stop."`, "Then she left."}
	if !reflect.DeepEqual(sentences, want) {
		t.Fatalf("got %q, want %q", sentences, want)
	}
}

func TestSegmentNoTerminalPunctuation(t *testing.T) {
	chunks := Segment("a sentence without an ending", 50)
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	if chunks[0].IsCompleteSentence {
		t.Fatalf("chunk without terminal punctuation must not be complete")
	}
	if chunks[0].WordCount != 5 {
		t.Fatalf("expected 5 words, got %d", chunks[0].WordCount)
	}
}

func TestSegmentForceSplitsLongSentence(t *testing.T) {
	in := words(25, "word") + "."
	chunks := Segment(in, 10)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	wantCounts := []int{10, 10, 5}
	for i, c := range chunks {
		if c.WordCount != wantCounts[i] {
			t.Fatalf("chunk %d: expected %d words, got %d", i, wantCounts[i], c.WordCount)
		}
	}
	if chunks[0].IsCompleteSentence || chunks[1].IsCompleteSentence {
		t.Fatalf("forced sub-chunks must not be complete sentences")
	}
	if !chunks[2].IsCompleteSentence {
		t.Fatalf("last sub-chunk should inherit sentence end")
	}
}

func TestSegmentForceSplitWithoutTerminalPunctuation(t *testing.T) {
	chunks := Segment(words(7, "w"), 3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[2].IsCompleteSentence {
		t.Fatalf("trailing sub-chunk without punctuation must not be complete")
	}
}

func TestSegmentClampsMaxWords(t *testing.T) {
	chunks := Segment("alpha beta gamma.", 0)
	if len(chunks) != 3 {
		t.Fatalf("expected one word per chunk, got %+v", chunks)
	}
	for _, c := range chunks {
		if c.WordCount != 1 {
			t.Fatalf("expected clamp to 1 word, got %d", c.WordCount)
		}
	}
}

func TestSegmentBoundsAndReconstruction(t *testing.T) {
	in := "The quick brown fox jumps over the lazy dog. " +
		words(40, "very") + " long indeed! Short one. (Parenthetical aside.) " +
		"Does it work? It should...   Trailing words without end"
	for _, max := range []int{1, 2, 3, 5, 8, 13, 50} {
		chunks := Segment(in, max)
		var rebuilt []string
		for _, c := range chunks {
			if c.WordCount > max {
				t.Fatalf("max=%d: chunk %d has %d words", max, c.Index, c.WordCount)
			}
			if c.WordCount != CountWords(c.Text) {
				t.Fatalf("max=%d: word count mismatch for %q", max, c.Text)
			}
			rebuilt = append(rebuilt, strings.Fields(c.Text)...)
		}
		if !reflect.DeepEqual(rebuilt, strings.Fields(in)) {
			t.Fatalf("max=%d: words lost or reordered", max)
		}
	}
}

func TestSegmentDeterministic(t *testing.T) {
	in := "First. Second sentence here! " + words(30, "x") + "? Last"
	a := Segment(in, 7)
	b := Segment(in, 7)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("segmentation is not deterministic")
	}
}

func TestSegmentHundredTwentyWords(t *testing.T) {
	var sentences []string
	for i := 0; i < 12; i++ {
		sentences = append(sentences, words(10, "word")+".")
	}
	chunks := Segment(strings.Join(sentences, " "), 50)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
}
