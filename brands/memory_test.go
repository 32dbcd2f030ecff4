package brands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

func TestParseFactsValid(t *testing.T) {
	raw := `[
		{"key": "founding_year", "value": "2019", "importance": 2},
		{"key": "flagship_product", "value": "reusable bottles", "importance": 5}
	]`
	facts, err := ParseFacts(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(facts))
	}
	if facts[0].Key != "flagship_product" {
		t.Fatalf("facts should be ordered by importance desc, got %q first", facts[0].Key)
	}
}

func TestParseFactsClampsImportance(t *testing.T) {
	raw := `[
		{"key": "too_low", "value": "x", "importance": -3},
		{"key": "too_high", "value": "x", "importance": 11},
		{"key": "rounds", "value": "x", "importance": 3.6}
	]`
	facts, err := ParseFacts(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byKey := map[string]int{}
	for _, fact := range facts {
		byKey[fact.Key] = fact.Importance
	}
	if byKey["too_low"] != 1 {
		t.Fatalf("expected -3 clamped to 1, got %d", byKey["too_low"])
	}
	if byKey["too_high"] != 5 {
		t.Fatalf("expected 11 clamped to 5, got %d", byKey["too_high"])
	}
	if byKey["rounds"] != 4 {
		t.Fatalf("expected 3.6 rounded to 4, got %d", byKey["rounds"])
	}
}

func TestParseFactsFiltersMalformedEntries(t *testing.T) {
	raw := `[
		{"key": 42, "value": "numeric key"},
		{"key": "no_value"},
		{"key": "bad_importance", "value": "x", "importance": "high"},
		{"key": "good", "value": "kept"}
	]`
	facts, err := ParseFacts(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != 1 || facts[0].Key != "good" {
		t.Fatalf("expected only the well-formed entry, got %+v", facts)
	}
	if facts[0].Importance != defaultFactImportance {
		t.Fatalf("missing importance should default to %d, got %d", defaultFactImportance, facts[0].Importance)
	}
}

func TestParseFactsCapsAtTwenty(t *testing.T) {
	var entries []string
	for i := 0; i < 30; i++ {
		entries = append(entries, fmt.Sprintf(`{"key": "fact_%d", "value": "v", "importance": %d}`, i, i%5+1))
	}
	facts, err := ParseFacts("[" + strings.Join(entries, ",") + "]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != maxMemoryFacts {
		t.Fatalf("expected cap of %d facts, got %d", maxMemoryFacts, len(facts))
	}
	// 30 entries split evenly across importance 1..5; the cap keeps the top
	// 20, so nothing with importance 1 survives.
	for _, fact := range facts {
		if fact.Importance < 2 {
			t.Fatalf("cap should drop the lowest importance entries, found importance %d", fact.Importance)
		}
	}
}

func TestParseFactsRejectsNonArray(t *testing.T) {
	if _, err := ParseFacts(`{"key": "not an array"}`); err == nil {
		t.Fatalf("expected error for non-array response")
	}
}

func TestExtractFallsBackToSmallerWindow(t *testing.T) {
	stub := &sequenceCompleter{responses: []stubReply{
		{content: "garbage, not json"},
		{content: `[{"key": "from_retry", "value": "worked", "importance": 3}]`},
	}}
	extractor := NewMemoryExtractor(stub)

	facts := extractor.Extract(context.Background(), DefaultStyleProfile(), []string{"brand material"})
	if len(facts) != 1 || facts[0].Key != "from_retry" {
		t.Fatalf("expected facts from retry window, got %+v", facts)
	}
	if stub.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", stub.calls)
	}
}

func TestExtractFallsBackToProfileFacts(t *testing.T) {
	stub := &sequenceCompleter{responses: []stubReply{
		{err: errors.New("down")},
		{err: errors.New("still down")},
	}}
	extractor := NewMemoryExtractor(stub)

	profile := DefaultStyleProfile()
	facts := extractor.Extract(context.Background(), profile, []string{"brand material"})
	if len(facts) == 0 {
		t.Fatalf("expected synthesized facts, got none")
	}
	found := false
	for _, fact := range facts {
		if fact.Key == "brand_tone" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected brand_tone fact from profile, got %+v", facts)
	}
}

func TestExtractEmptySourcesSkipsModel(t *testing.T) {
	stub := &sequenceCompleter{}
	extractor := NewMemoryExtractor(stub)

	facts := extractor.Extract(context.Background(), DefaultStyleProfile(), nil)
	if stub.calls != 0 {
		t.Fatalf("model should not be called for empty sources")
	}
	if len(facts) == 0 {
		t.Fatalf("expected default facts")
	}
}

type stubReply struct {
	content string
	err     error
}

// sequenceCompleter returns queued replies in order, repeating the last one.
type sequenceCompleter struct {
	responses []stubReply
	calls     int
}

func (s *sequenceCompleter) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.ChatResult, error) {
	return s.ChatWithOptions(ctx, messages, llm.ChatOptions{})
}

func (s *sequenceCompleter) ChatWithOptions(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.ChatResult, error) {
	var reply stubReply
	if len(s.responses) > 0 {
		idx := s.calls
		if idx >= len(s.responses) {
			idx = len(s.responses) - 1
		}
		reply = s.responses[idx]
	}
	s.calls++
	if reply.err != nil {
		return llm.ChatResult{}, reply.err
	}
	return llm.ChatResult{Content: reply.content, Model: "stub"}, nil
}
