package brands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

const (
	maxMemoryFacts        = 20
	minFactImportance     = 1
	maxFactImportance     = 5
	defaultFactImportance = 3
	maxMemoryInputChars   = 24000
	fallbackWindowChars   = 4000
)

// Fact is one extracted long-term memory entry before persistence.
type Fact struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Importance int    `json:"importance"`
}

const memorySystemPrompt = `You extract durable facts about a brand from its source material. Return a JSON array of at most 20 objects shaped as {"key": "...", "value": "...", "importance": 3}. Keys are short snake_case identifiers such as founding_year, flagship_product, or target_market. Values are concise factual statements. Importance is an integer from 1 (minor detail) to 5 (core identity). Only include facts the material supports. Respond with the JSON array only.`

// MemoryExtractor derives long-term brand facts from source documents using
// the chat model.
type MemoryExtractor struct {
	client llm.Completer
}

func NewMemoryExtractor(client llm.Completer) *MemoryExtractor {
	return &MemoryExtractor{client: client}
}

// Extract pulls facts out of the sources. Extraction never fails outright: a
// bad model response triggers a retry over a truncated window, and if that
// also fails a small set of facts is synthesized from the style profile.
func (e *MemoryExtractor) Extract(ctx context.Context, profile *StyleProfile, sources []string) []Fact {
	material := joinSources(sources, maxMemoryInputChars)
	if material == "" || e == nil || e.client == nil {
		return defaultFacts(profile)
	}

	facts, err := e.requestFacts(ctx, material, 1024)
	if err == nil && len(facts) > 0 {
		return facts
	}
	if err != nil {
		log.Printf("brands: memory extraction failed, retrying with smaller window: %v", err)
	}

	window := material
	if runes := []rune(window); len(runes) > fallbackWindowChars {
		window = string(runes[:fallbackWindowChars])
	}
	facts, err = e.requestFacts(ctx, window, 512)
	if err == nil && len(facts) > 0 {
		return facts
	}
	if err != nil {
		log.Printf("brands: memory extraction fallback failed: %v", err)
	}
	return defaultFacts(profile)
}

func (e *MemoryExtractor) requestFacts(ctx context.Context, material string, maxTokens int) ([]Fact, error) {
	temperature := 0.2
	result, err := e.client.ChatWithOptions(ctx, []llm.ChatMessage{
		{Role: "system", Content: memorySystemPrompt},
		{Role: "user", Content: material},
	}, llm.ChatOptions{Temperature: &temperature, MaxTokens: maxTokens})
	if err != nil {
		return nil, err
	}
	return ParseFacts(result.Content)
}

// ParseFacts decodes a model response into usable facts. Entries with
// non-string keys or values are dropped, importance is rounded and clamped
// into [1,5], and at most 20 facts survive, ordered by importance descending.
func ParseFacts(raw string) ([]Fact, error) {
	payload := extractJSONArray(raw)
	if payload == "" {
		return nil, errors.New("brands: memory response contains no JSON array")
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, fmt.Errorf("brands: decode memory facts: %w", err)
	}

	facts := make([]Fact, 0, len(entries))
	for _, entry := range entries {
		key, keyOK := entry["key"].(string)
		value, valueOK := entry["value"].(string)
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !keyOK || !valueOK || key == "" || value == "" {
			continue
		}
		importance := defaultFactImportance
		if rawImportance, present := entry["importance"]; present {
			parsed, ok := rawImportance.(float64)
			if !ok {
				continue
			}
			importance = clampImportance(parsed)
		}
		facts = append(facts, Fact{Key: key, Value: value, Importance: importance})
	}

	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].Importance > facts[j].Importance
	})
	if len(facts) > maxMemoryFacts {
		facts = facts[:maxMemoryFacts]
	}
	return facts, nil
}

func clampImportance(value float64) int {
	rounded := int(math.Round(value))
	if rounded < minFactImportance {
		return minFactImportance
	}
	if rounded > maxFactImportance {
		return maxFactImportance
	}
	return rounded
}

// defaultFacts synthesizes a minimal memory set from the style profile so a
// brand always has something to ground generation on.
func defaultFacts(profile *StyleProfile) []Fact {
	if profile == nil {
		profile = DefaultStyleProfile()
	}
	facts := make([]Fact, 0, 4)
	if len(profile.Voice.Tone) > 0 {
		facts = append(facts, Fact{
			Key:        "brand_tone",
			Value:      strings.Join(profile.Voice.Tone, ", "),
			Importance: 4,
		})
	}
	if len(profile.Content.Themes) > 0 {
		facts = append(facts, Fact{
			Key:        "core_themes",
			Value:      strings.Join(profile.Content.Themes, ", "),
			Importance: 4,
		})
	}
	if len(profile.Audience.Demographics) > 0 {
		facts = append(facts, Fact{
			Key:        "target_audience",
			Value:      strings.Join(profile.Audience.Demographics, ", "),
			Importance: 3,
		})
	}
	if len(facts) == 0 {
		facts = append(facts, Fact{
			Key:        "brand_positioning",
			Value:      "professional and friendly brand voice",
			Importance: 3,
		})
	}
	return facts
}
