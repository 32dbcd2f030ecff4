package knowledge

import (
	"strings"
	"testing"
)

func TestSplitSentencesKeepsTerminators(t *testing.T) {
	sentences := splitSentences("First one. Second one! Is this the third? Unterminated tail")
	want := []string{"First one.", "Second one!", "Is this the third?", "Unterminated tail"}
	if len(sentences) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %v", len(want), len(sentences), sentences)
	}
	for i, sentence := range sentences {
		if sentence != want[i] {
			t.Fatalf("sentence %d: want %q, got %q", i, want[i], sentence)
		}
	}
}

func TestSplitSentencesAbsorbsTerminatorRuns(t *testing.T) {
	sentences := splitSentences("Wait... what?! Done.")
	want := []string{"Wait...", "what?!", "Done."}
	if len(sentences) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %v", len(want), len(sentences), sentences)
	}
	for i, sentence := range sentences {
		if sentence != want[i] {
			t.Fatalf("sentence %d: want %q, got %q", i, want[i], sentence)
		}
	}
}

func TestChunkerRespectsBudget(t *testing.T) {
	c := newChunker(50)
	text := "Alpha sentence number one. Beta sentence two here. Gamma sentence is three. Delta closes it out."
	segments := c.split(text)
	if len(segments) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(segments))
	}
	for i, segment := range segments {
		if got := len([]rune(segment.Text)); got > 50 {
			t.Fatalf("chunk %d exceeds budget: %d runes: %q", i, got, segment.Text)
		}
		if segment.TokenCount <= 0 {
			t.Fatalf("chunk %d has non-positive token count", i)
		}
	}
}

func TestChunkerPreservesAllText(t *testing.T) {
	c := newChunker(40)
	text := "One two three four five. Six seven eight nine ten. Eleven twelve thirteen."
	segments := c.split(text)

	var joined strings.Builder
	for i, segment := range segments {
		if i > 0 {
			joined.WriteByte(' ')
		}
		joined.WriteString(segment.Text)
	}
	if joined.String() != text {
		t.Fatalf("reassembled text differs:\nwant %q\ngot  %q", text, joined.String())
	}
}

func TestChunkerOversizedSentenceBecomesOwnChunk(t *testing.T) {
	c := newChunker(30)
	long := "This single sentence is far longer than the thirty character budget allows."
	text := "Short one. " + long + " Short two."
	segments := c.split(text)

	found := false
	for _, segment := range segments {
		if segment.Text == long {
			found = true
		}
	}
	if !found {
		t.Fatalf("oversized sentence was not kept intact: %v", segments)
	}
}

func TestChunkerEmptyInput(t *testing.T) {
	c := newChunker(100)
	if segments := c.split("   \n\t  "); segments != nil {
		t.Fatalf("expected nil for blank input, got %v", segments)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty text should estimate 0 tokens, got %d", got)
	}
	if got := EstimateTokens("hello world"); got <= 0 {
		t.Fatalf("expected positive estimate, got %d", got)
	}
}
