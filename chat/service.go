package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/RomandemAi/emerlya-mvp-sub000/brands"
	"github.com/RomandemAi/emerlya-mvp-sub000/cache"
	"github.com/RomandemAi/emerlya-mvp-sub000/knowledge"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

var ErrThreadNotFound = errors.New("chat: thread not found")

// Generator is the model surface the chat service needs: batch completion
// plus streaming. llm.ChatClient satisfies it; tests substitute fakes.
type Generator interface {
	llm.Completer
	ChatStream(ctx context.Context, messages []llm.ChatMessage, handler func(llm.ChatStreamDelta) error) (llm.ChatResult, error)
}

// Service owns threads, messages, and the generation pipeline.
type Service struct {
	db         *gorm.DB
	client     Generator
	assembler  *Assembler
	summarizer *Summarizer
	embedder   knowledge.Embedder
	cache      *messageCache
}

func NewService(db *gorm.DB, client Generator, brandService *brands.Service, retriever *knowledge.Retriever, embedder knowledge.Embedder) *Service {
	redisClient, err := cache.GetRedisClient()
	if err != nil {
		redisClient = nil
	}
	return &Service{
		db:         db,
		client:     client,
		assembler:  NewAssembler(db, brandService, retriever),
		summarizer: NewSummarizer(db, client),
		embedder:   embedder,
		cache:      newMessageCache(redisClient),
	}
}

func (s *Service) AutoMigrate() error {
	if err := s.db.AutoMigrate(&ChatThread{}, &ChatMessage{}, &ChatSummary{}); err != nil {
		return fmt.Errorf("chat: migrate: %w", err)
	}
	return nil
}

// Summarizer exposes the thread summarizer for the HTTP surface.
func (s *Service) Summarizer() *Summarizer {
	return s.summarizer
}

func (s *Service) CreateThread(ctx context.Context, ownerID, brandID uint64, title string) (*ChatThread, error) {
	thread := &ChatThread{
		BrandID: brandID,
		OwnerID: ownerID,
		Title:   strings.TrimSpace(title),
	}
	if thread.Title == "" {
		thread.Title = "New conversation"
	}
	if err := s.db.WithContext(ctx).Create(thread).Error; err != nil {
		return nil, fmt.Errorf("chat: create thread: %w", err)
	}
	return thread, nil
}

func (s *Service) ListThreads(ctx context.Context, ownerID, brandID uint64) ([]ChatThread, error) {
	var threads []ChatThread
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND brand_id = ?", ownerID, brandID).
		Order("id DESC").
		Find(&threads).Error
	if err != nil {
		return nil, fmt.Errorf("chat: list threads: %w", err)
	}
	return threads, nil
}

func (s *Service) GetThread(ctx context.Context, threadID uint64) (*ChatThread, error) {
	var thread ChatThread
	err := s.db.WithContext(ctx).First(&thread, "id = ?", threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load thread %d: %w", threadID, err)
	}
	return &thread, nil
}

func (s *Service) DeleteThread(ctx context.Context, threadID uint64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("thread_id = ?", threadID).Delete(&ChatMessage{}).Error; err != nil {
			return fmt.Errorf("chat: delete messages: %w", err)
		}
		if err := tx.Where("thread_id = ?", threadID).Delete(&ChatSummary{}).Error; err != nil {
			return fmt.Errorf("chat: delete summary: %w", err)
		}
		if err := tx.Delete(&ChatThread{}, "id = ?", threadID).Error; err != nil {
			return fmt.Errorf("chat: delete thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(ctx, threadID)
	return nil
}

// ListMessages returns the thread history in chronological order, served from
// the short-lived cache when possible.
func (s *Service) ListMessages(ctx context.Context, threadID uint64) ([]ChatMessage, error) {
	if cached, err := s.cache.get(ctx, threadID); err == nil {
		return cached, nil
	}

	var messages []ChatMessage
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}

	s.cache.store(ctx, threadID, messages)
	return messages, nil
}

// SetPinned toggles the pinned flag on a message in the thread.
func (s *Service) SetPinned(ctx context.Context, threadID, messageID uint64, pinned bool) (*ChatMessage, error) {
	var message ChatMessage
	err := s.db.WithContext(ctx).
		First(&message, "id = ? AND thread_id = ?", messageID, threadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gorm.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load message %d: %w", messageID, err)
	}

	if message.IsPinned != pinned {
		err = s.db.WithContext(ctx).
			Model(&ChatMessage{}).
			Where("id = ?", messageID).
			Update("is_pinned", pinned).Error
		if err != nil {
			return nil, fmt.Errorf("chat: update pin: %w", err)
		}
		message.IsPinned = pinned
	}
	s.cache.invalidate(ctx, threadID)
	return &message, nil
}

// appendMessage inserts a message with the next sequence number for the
// thread. Must run inside a transaction so concurrent turns cannot claim the
// same seq.
func appendMessage(tx *gorm.DB, threadID uint64, role, content string) (*ChatMessage, error) {
	var maxSeq int
	err := tx.Model(&ChatMessage{}).
		Where("thread_id = ?", threadID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return nil, fmt.Errorf("chat: next seq: %w", err)
	}

	message := &ChatMessage{
		ThreadID: threadID,
		Seq:      maxSeq + 1,
		Role:     role,
		Content:  content,
	}
	if err := tx.Create(message).Error; err != nil {
		return nil, fmt.Errorf("chat: insert message: %w", err)
	}
	return message, nil
}
