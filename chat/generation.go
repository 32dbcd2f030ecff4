package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/RomandemAi/emerlya-mvp-sub000/knowledge"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

const backgroundTaskTimeout = 30 * time.Second

// GenerateRequest carries one generation turn.
type GenerateRequest struct {
	Thread      *ChatThread
	UserMessage string
	ContentType string
	WordCount   int
}

// GenerateResult is the persisted outcome of a turn.
type GenerateResult struct {
	UserMessage      ChatMessage    `json:"user_message"`
	AssistantMessage ChatMessage    `json:"assistant_message"`
	Model            string         `json:"model"`
	Usage            *llm.ChatUsage `json:"usage,omitempty"`
	TokenEstimate    int            `json:"token_estimate"`
}

// Generate runs one full turn: persist the user message, assemble the
// context, call the model (streaming deltas through onDelta when set),
// persist the reply, and kick off the background embedding and summary work.
// The user message stays persisted even when generation fails, so the turn
// can be retried without losing input.
func (s *Service) Generate(ctx context.Context, req GenerateRequest, onDelta func(llm.ChatStreamDelta) error) (*GenerateResult, error) {
	if req.Thread == nil {
		return nil, errors.New("chat: thread is required")
	}
	userContent := strings.TrimSpace(req.UserMessage)
	if userContent == "" {
		return nil, errors.New("chat: message is required")
	}

	var userMessage *ChatMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := appendMessage(tx, req.Thread.ID, RoleUser, userContent)
		if err != nil {
			return err
		}
		userMessage = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.invalidate(ctx, req.Thread.ID)

	prompt, err := s.assembler.Assemble(ctx, AssembleRequest{
		Thread:           req.Thread,
		UserMessage:      userContent,
		ContentType:      req.ContentType,
		WordCount:        req.WordCount,
		ExcludeMessageID: userMessage.ID,
	})
	if err != nil {
		return nil, err
	}

	var result llm.ChatResult
	if onDelta != nil {
		result, err = s.client.ChatStream(ctx, prompt.Messages, onDelta)
	} else {
		result, err = s.client.Chat(ctx, prompt.Messages)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: generation for thread %d: %w", req.Thread.ID, err)
	}
	assistantContent := strings.TrimSpace(result.Content)
	if assistantContent == "" {
		return nil, fmt.Errorf("chat: generation for thread %d: empty reply", req.Thread.ID)
	}

	var assistantMessage *ChatMessage
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := appendMessage(tx, req.Thread.ID, RoleAssistant, assistantContent)
		if err != nil {
			return err
		}
		assistantMessage = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.cache.invalidate(ctx, req.Thread.ID)

	go s.embedMessages(*userMessage, *assistantMessage)
	go s.maybeSummarize(req.Thread.ID)

	return &GenerateResult{
		UserMessage:      *userMessage,
		AssistantMessage: *assistantMessage,
		Model:            result.Model,
		Usage:            result.Usage,
		TokenEstimate:    prompt.TokenEstimate,
	}, nil
}

// embedMessages backfills embeddings for the turn's messages. Failures are
// logged and dropped: message embeddings are an enrichment, not part of the
// turn contract.
func (s *Service) embedMessages(messages ...ChatMessage) {
	if s.embedder == nil || len(messages) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTaskTimeout)
	defer cancel()

	texts := make([]string, 0, len(messages))
	for _, message := range messages {
		texts = append(texts, message.Content)
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		log.Printf("chat: embed messages failed: %v", err)
		return
	}
	if len(vectors) != len(messages) {
		log.Printf("chat: embed messages returned %d vectors for %d inputs", len(vectors), len(messages))
		return
	}

	for i, message := range messages {
		encoded, err := knowledge.EncodeVector(vectors[i])
		if err != nil {
			log.Printf("chat: encode message embedding failed: %v", err)
			continue
		}
		err = s.db.WithContext(ctx).
			Model(&ChatMessage{}).
			Where("id = ?", message.ID).
			Update("embedding", encoded).Error
		if err != nil {
			log.Printf("chat: store message embedding failed: %v", err)
		}
	}
}

// maybeSummarize refreshes the rolling summary once enough new messages have
// accumulated since the last one.
func (s *Service) maybeSummarize(threadID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTaskTimeout)
	defer cancel()

	var summary ChatSummary
	lastCovered := uint64(0)
	err := s.db.WithContext(ctx).First(&summary, "thread_id = ?", threadID).Error
	if err == nil {
		lastCovered = summary.LastMessageID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("chat: load summary for thread %d failed: %v", threadID, err)
		return
	}

	var pending int64
	err = s.db.WithContext(ctx).
		Model(&ChatMessage{}).
		Where("thread_id = ? AND id > ?", threadID, lastCovered).
		Count(&pending).Error
	if err != nil {
		log.Printf("chat: count pending messages for thread %d failed: %v", threadID, err)
		return
	}
	if pending < summaryTriggerCount {
		return
	}

	if _, err := s.summarizer.Summarize(ctx, threadID); err != nil {
		log.Printf("chat: background summarize thread %d failed: %v", threadID, err)
	}
}
