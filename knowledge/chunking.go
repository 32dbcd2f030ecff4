package knowledge

import "strings"

type chunkInput struct {
	Text       string
	TokenCount int
}

// chunker splits raw text into sentence-aligned segments. Sentences are
// accumulated greedily until adding the next one would exceed maxChars; a
// single sentence longer than the budget becomes its own oversized chunk
// rather than being truncated.
type chunker struct {
	maxChars int
}

func newChunker(maxChars int) *chunker {
	if maxChars <= 0 {
		maxChars = 1000
	}
	return &chunker{maxChars: maxChars}
}

func (c *chunker) split(text string) []chunkInput {
	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}

	sentences := splitSentences(cleaned)
	if len(sentences) == 0 {
		return nil
	}

	segments := make([]chunkInput, 0, len(sentences))
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen == 0 {
			return
		}
		chunkText := strings.TrimSpace(current.String())
		if chunkText != "" {
			segments = append(segments, chunkInput{
				Text:       chunkText,
				TokenCount: EstimateTokens(chunkText),
			})
		}
		current.Reset()
		currentLen = 0
	}

	for _, sentence := range sentences {
		sentenceLen := len([]rune(sentence))
		// +1 for the joining space between sentences.
		if currentLen > 0 && currentLen+1+sentenceLen > c.maxChars {
			flush()
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += sentenceLen
	}
	flush()

	return segments
}

// splitSentences breaks text on sentence terminators, keeping the terminator
// attached to its sentence. Trailing text without a terminator is returned as
// a final sentence so no input is dropped.
func splitSentences(text string) []string {
	runes := []rune(text)
	sentences := make([]string, 0, 8)
	start := 0
	for i, r := range runes {
		if !isSentenceTerminator(r) {
			continue
		}
		// Absorb runs of terminators ("..." or "?!") into one sentence.
		if i+1 < len(runes) && isSentenceTerminator(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	if start < len(runes) {
		tail := strings.TrimSpace(string(runes[start:]))
		if tail != "" {
			sentences = append(sentences, tail)
		}
	}
	return sentences
}

func isSentenceTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	default:
		return false
	}
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return replaced
}

// EstimateTokens gives a cheap token-count approximation used for chunk
// accounting and for the assembler's prompt size estimate.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	wordCount := len(words)
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}
