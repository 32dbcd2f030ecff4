package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/RomandemAi/emerlya-mvp-sub000/brands"
	"github.com/RomandemAi/emerlya-mvp-sub000/knowledge"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

var ErrThreadOwnership = errors.New("chat: thread does not belong to user")

const (
	topFactsLimit        = 10
	recentMessagesLimit  = 15
	retrievedChunksLimit = 5
	chunkExcerptChars    = 500
)

// Assembler builds the full model prompt for one generation turn: brand
// profile, top memory facts, retrieved knowledge chunks, the rolling summary,
// pinned messages, and the recent window, in a fixed deterministic order.
type Assembler struct {
	db        *gorm.DB
	brands    *brands.Service
	retriever *knowledge.Retriever
}

func NewAssembler(db *gorm.DB, brandService *brands.Service, retriever *knowledge.Retriever) *Assembler {
	return &Assembler{db: db, brands: brandService, retriever: retriever}
}

// AssembleRequest carries the inputs for one prompt build. ExcludeMessageID
// names the already-persisted copy of UserMessage so the recent window does
// not repeat it.
type AssembleRequest struct {
	Thread           *ChatThread
	UserMessage      string
	ContentType      string
	WordCount        int
	ExcludeMessageID uint64
}

// Prompt is the assembled context ready to send to the chat model.
type Prompt struct {
	Messages      []llm.ChatMessage
	TokenEstimate int
}

// Assemble gathers every context source concurrently and renders the prompt.
// Individual sources degrade independently: a failed fetch is logged and its
// section is skipped (the profile falls back to the default), so generation
// stays available while parts of the system are down.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*Prompt, error) {
	if req.Thread == nil {
		return nil, errors.New("chat: thread is required")
	}
	userMessage := strings.TrimSpace(req.UserMessage)
	if userMessage == "" {
		return nil, errors.New("chat: user message is required")
	}

	brandID := req.Thread.BrandID
	threadID := req.Thread.ID

	var (
		wg      sync.WaitGroup
		profile *brands.StyleProfile
		facts   []brands.BrandMemory
		summary *ChatSummary
		pinned  []ChatMessage
		recent  []ChatMessage
		chunks  []knowledge.ScoredChunk
	)

	wg.Add(6)
	go func() {
		defer wg.Done()
		loaded, err := a.brands.Profile(ctx, brandID)
		if err != nil {
			log.Printf("chat: load profile for brand %d failed: %v", brandID, err)
			loaded = brands.DefaultStyleProfile()
		}
		profile = loaded
	}()
	go func() {
		defer wg.Done()
		loaded, err := a.brands.TopFacts(ctx, brandID, topFactsLimit)
		if err != nil {
			log.Printf("chat: load memory for brand %d failed: %v", brandID, err)
			return
		}
		facts = loaded
	}()
	go func() {
		defer wg.Done()
		var row ChatSummary
		err := a.db.WithContext(ctx).First(&row, "thread_id = ?", threadID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return
		}
		if err != nil {
			log.Printf("chat: load summary for thread %d failed: %v", threadID, err)
			return
		}
		summary = &row
	}()
	go func() {
		defer wg.Done()
		err := a.db.WithContext(ctx).
			Where("thread_id = ? AND is_pinned = ?", threadID, true).
			Order("seq ASC").
			Find(&pinned).Error
		if err != nil {
			log.Printf("chat: load pinned messages for thread %d failed: %v", threadID, err)
			pinned = nil
		}
	}()
	go func() {
		defer wg.Done()
		err := a.db.WithContext(ctx).
			Where("thread_id = ? AND is_pinned = ?", threadID, false).
			Order("seq DESC").
			Limit(recentMessagesLimit).
			Find(&recent).Error
		if err != nil {
			log.Printf("chat: load recent messages for thread %d failed: %v", threadID, err)
			recent = nil
			return
		}
		sort.SliceStable(recent, func(i, j int) bool { return recent[i].Seq < recent[j].Seq })
	}()
	go func() {
		defer wg.Done()
		retrieved, err := a.retriever.Retrieve(ctx, brandID, userMessage, retrievedChunksLimit)
		if err != nil {
			log.Printf("chat: retrieve chunks for brand %d failed: %v", brandID, err)
			return
		}
		chunks = retrieved
	}()
	wg.Wait()

	if profile == nil {
		profile = brands.DefaultStyleProfile()
	}

	messages := make([]llm.ChatMessage, 0, len(pinned)+len(recent)+4)
	messages = append(messages, llm.ChatMessage{
		Role:    RoleSystem,
		Content: a.renderSystemPrompt(req, profile, facts, chunks),
	})
	if summary != nil && strings.TrimSpace(summary.Content) != "" {
		messages = append(messages, llm.ChatMessage{
			Role:    RoleSystem,
			Content: "Conversation so far (summary): " + summary.Content,
		})
	}

	seen := make(map[uint64]struct{}, len(pinned)+1)
	if req.ExcludeMessageID != 0 {
		seen[req.ExcludeMessageID] = struct{}{}
	}
	for _, message := range pinned {
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		messages = append(messages, llm.ChatMessage{Role: message.Role, Content: message.Content})
	}
	for _, message := range recent {
		if _, dup := seen[message.ID]; dup {
			continue
		}
		seen[message.ID] = struct{}{}
		messages = append(messages, llm.ChatMessage{Role: message.Role, Content: message.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: RoleUser, Content: userMessage})

	estimate := 0
	for _, message := range messages {
		estimate += knowledge.EstimateTokens(message.Content)
	}
	return &Prompt{Messages: messages, TokenEstimate: estimate}, nil
}

func (a *Assembler) renderSystemPrompt(req AssembleRequest, profile *brands.StyleProfile, facts []brands.BrandMemory, chunks []knowledge.ScoredChunk) string {
	var builder strings.Builder
	builder.WriteString("You write as the brand itself, never as an outside observer. Stay strictly within the brand voice described below.")

	if lines := profile.PromptLines(); len(lines) > 0 {
		builder.WriteString("\n\nBrand style:")
		for _, line := range lines {
			builder.WriteString("\n- ")
			builder.WriteString(line)
		}
	}

	if len(facts) > 0 {
		builder.WriteString("\n\nBrand facts:")
		for _, fact := range facts {
			builder.WriteString(fmt.Sprintf("\n- %s: %s (importance: %d)", fact.Key, fact.Value, fact.Importance))
		}
	}

	if len(chunks) > 0 {
		builder.WriteString("\n\nRelevant brand material:")
		for _, chunk := range chunks {
			builder.WriteString("\n- ")
			builder.WriteString(truncateRunes(chunk.Text, chunkExcerptChars))
		}
	}

	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "reply"
	}
	if req.WordCount > 0 {
		builder.WriteString(fmt.Sprintf("\n\nProduce a %s of roughly %d words.", contentType, req.WordCount))
	} else {
		builder.WriteString(fmt.Sprintf("\n\nProduce a %s.", contentType))
	}
	return builder.String()
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
