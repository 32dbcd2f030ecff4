package brands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

const maxProfileInputChars = 24000

// StyleProfile captures how a brand writes: voice, content rules, structural
// habits, and target audience. It is stored verbatim on the brand row and
// serialized into every generation prompt.
type StyleProfile struct {
	Voice     VoiceProfile     `json:"voice"`
	Content   ContentProfile   `json:"content"`
	Structure StructureProfile `json:"structure"`
	Audience  AudienceProfile  `json:"audience"`
}

type VoiceProfile struct {
	Tone        []string `json:"tone"`
	Personality []string `json:"personality"`
	Cadence     string   `json:"cadence"`
}

type BrandRules struct {
	Do   []string `json:"do"`
	Dont []string `json:"dont"`
}

type ContentProfile struct {
	Themes      []string   `json:"themes"`
	Keywords    []string   `json:"keywords"`
	BrandRules  BrandRules `json:"brandRules"`
	BannedWords []string   `json:"bannedWords"`
}

type StructureProfile struct {
	PreferredFormats  []string `json:"preferredFormats"`
	AvgSentenceLength string   `json:"avgSentenceLength"`
	UsesEmoji         bool     `json:"usesEmoji"`
	HashtagStyle      string   `json:"hashtagStyle"`
}

type AudienceProfile struct {
	Demographics []string `json:"demographics"`
	PainPoints   []string `json:"painPoints"`
	Interests    []string `json:"interests"`
}

// DefaultStyleProfile is the neutral fallback used whenever a profile cannot
// be built or parsed. Generation must always have a profile to work from.
func DefaultStyleProfile() *StyleProfile {
	return &StyleProfile{
		Voice: VoiceProfile{
			Tone:        []string{"professional", "friendly"},
			Personality: []string{"helpful", "clear"},
			Cadence:     "medium-length sentences with a conversational flow",
		},
		Content: ContentProfile{
			Themes:      []string{"brand value", "customer benefit"},
			Keywords:    []string{},
			BrandRules:  BrandRules{Do: []string{"be clear and direct"}, Dont: []string{"overpromise"}},
			BannedWords: []string{},
		},
		Structure: StructureProfile{
			PreferredFormats:  []string{"short paragraphs"},
			AvgSentenceLength: "medium",
			UsesEmoji:         false,
			HashtagStyle:      "minimal",
		},
		Audience: AudienceProfile{
			Demographics: []string{"general audience"},
			PainPoints:   []string{},
			Interests:    []string{},
		},
	}
}

var profileSections = map[string][]string{
	"voice":     {"tone", "personality"},
	"content":   {"themes", "keywords", "bannedWords"},
	"structure": {"preferredFormats"},
	"audience":  {"demographics", "painPoints", "interests"},
}

// ParseStyleProfile decodes a model response into a StyleProfile. The four
// top-level sections must all be present and every array-typed field must be
// a JSON array; anything else is rejected so a half-formed profile never
// replaces the default.
func ParseStyleProfile(raw string) (*StyleProfile, error) {
	payload := extractJSONObject(raw)
	if payload == "" {
		return nil, errors.New("brands: profile response contains no JSON object")
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &sections); err != nil {
		return nil, fmt.Errorf("brands: decode profile: %w", err)
	}

	for name, arrayFields := range profileSections {
		sectionRaw, ok := sections[name]
		if !ok {
			return nil, fmt.Errorf("brands: profile missing %q section", name)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(sectionRaw, &fields); err != nil {
			return nil, fmt.Errorf("brands: profile section %q is not an object: %w", name, err)
		}
		for _, field := range arrayFields {
			fieldRaw, ok := fields[field]
			if !ok {
				return nil, fmt.Errorf("brands: profile field %s.%s is missing", name, field)
			}
			var values []string
			if err := json.Unmarshal(fieldRaw, &values); err != nil {
				return nil, fmt.Errorf("brands: profile field %s.%s is not a string array", name, field)
			}
		}
	}

	var profile StyleProfile
	if err := json.Unmarshal([]byte(payload), &profile); err != nil {
		return nil, fmt.Errorf("brands: decode profile: %w", err)
	}
	normalizeProfile(&profile)
	return &profile, nil
}

func normalizeProfile(profile *StyleProfile) {
	ensure := func(values *[]string) {
		if *values == nil {
			*values = []string{}
		}
	}
	ensure(&profile.Voice.Tone)
	ensure(&profile.Voice.Personality)
	ensure(&profile.Content.Themes)
	ensure(&profile.Content.Keywords)
	ensure(&profile.Content.BrandRules.Do)
	ensure(&profile.Content.BrandRules.Dont)
	ensure(&profile.Content.BannedWords)
	ensure(&profile.Structure.PreferredFormats)
	ensure(&profile.Audience.Demographics)
	ensure(&profile.Audience.PainPoints)
	ensure(&profile.Audience.Interests)
}

// extractJSONObject trims markdown fences and returns the outermost JSON
// object in the response, or "" when none is found.
func extractJSONObject(raw string) string {
	cleaned := stripCodeFence(raw)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return ""
	}
	return cleaned[start : end+1]
}

// extractJSONArray returns the outermost JSON array in the response.
func extractJSONArray(raw string) string {
	cleaned := stripCodeFence(raw)
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start < 0 || end <= start {
		return ""
	}
	return cleaned[start : end+1]
}

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.Index(trimmed, "\n"); newline >= 0 {
		trimmed = trimmed[newline+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

const profileSystemPrompt = `You are a brand voice analyst. Study the provided brand source material and produce a style profile as a single JSON object with exactly this shape:
{
  "voice": {"tone": ["..."], "personality": ["..."], "cadence": "..."},
  "content": {"themes": ["..."], "keywords": ["..."], "brandRules": {"do": ["..."], "dont": ["..."]}, "bannedWords": ["..."]},
  "structure": {"preferredFormats": ["..."], "avgSentenceLength": "...", "usesEmoji": true, "hashtagStyle": "..."},
  "audience": {"demographics": ["..."], "painPoints": ["..."], "interests": ["..."]}
}
Base every field on evidence from the material. Use empty arrays when the material gives no signal. Respond with the JSON object only, no commentary.`

// ProfileBuilder derives a StyleProfile from a brand's source documents using
// the chat model.
type ProfileBuilder struct {
	client llm.Completer
}

func NewProfileBuilder(client llm.Completer) *ProfileBuilder {
	return &ProfileBuilder{client: client}
}

// Build analyses the sources and returns the resulting profile. It never
// fails: empty sources skip the model call entirely, and any model or parse
// failure falls back to DefaultStyleProfile.
func (b *ProfileBuilder) Build(ctx context.Context, sources []string) *StyleProfile {
	material := joinSources(sources, maxProfileInputChars)
	if material == "" {
		return DefaultStyleProfile()
	}
	if b == nil || b.client == nil {
		return DefaultStyleProfile()
	}

	temperature := 0.2
	result, err := b.client.ChatWithOptions(ctx, []llm.ChatMessage{
		{Role: "system", Content: profileSystemPrompt},
		{Role: "user", Content: material},
	}, llm.ChatOptions{Temperature: &temperature, MaxTokens: 1024})
	if err != nil {
		log.Printf("brands: profile build request failed: %v", err)
		return DefaultStyleProfile()
	}

	profile, err := ParseStyleProfile(result.Content)
	if err != nil {
		log.Printf("brands: profile parse failed: %v", err)
		return DefaultStyleProfile()
	}
	return profile
}

// PromptLines renders the profile as compact directives for a system prompt.
func (p *StyleProfile) PromptLines() []string {
	if p == nil {
		return nil
	}
	lines := make([]string, 0, 12)
	appendList := func(label string, values []string) {
		if len(values) > 0 {
			lines = append(lines, label+": "+strings.Join(values, ", "))
		}
	}
	appendList("Tone", p.Voice.Tone)
	appendList("Personality", p.Voice.Personality)
	if p.Voice.Cadence != "" {
		lines = append(lines, "Cadence: "+p.Voice.Cadence)
	}
	appendList("Themes", p.Content.Themes)
	appendList("Keywords", p.Content.Keywords)
	appendList("Always", p.Content.BrandRules.Do)
	appendList("Never", p.Content.BrandRules.Dont)
	appendList("Banned words", p.Content.BannedWords)
	appendList("Preferred formats", p.Structure.PreferredFormats)
	if p.Structure.AvgSentenceLength != "" {
		lines = append(lines, "Sentence length: "+p.Structure.AvgSentenceLength)
	}
	if p.Structure.UsesEmoji {
		lines = append(lines, "Emoji: used sparingly where natural")
	} else {
		lines = append(lines, "Emoji: avoid")
	}
	if p.Structure.HashtagStyle != "" {
		lines = append(lines, "Hashtags: "+p.Structure.HashtagStyle)
	}
	appendList("Audience", p.Audience.Demographics)
	appendList("Audience pain points", p.Audience.PainPoints)
	appendList("Audience interests", p.Audience.Interests)
	return lines
}

func joinSources(sources []string, limit int) string {
	parts := make([]string, 0, len(sources))
	for _, source := range sources {
		trimmed := strings.TrimSpace(source)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	joined := strings.Join(parts, "\n\n---\n\n")
	if limit > 0 {
		runes := []rune(joined)
		if len(runes) > limit {
			joined = string(runes[:limit])
		}
	}
	return joined
}
