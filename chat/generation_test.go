package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/RomandemAi/emerlya-mvp-sub000/brands"
	"github.com/RomandemAi/emerlya-mvp-sub000/knowledge"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, db *gorm.DB, generator *stubGenerator) *Service {
	t.Helper()
	brandService := brands.NewService(db, generator)
	retriever := knowledge.NewRetriever(db, &stubEmbedder{})
	return NewService(db, generator, brandService, retriever, &stubEmbedder{})
}

func seedGenerationThread(t *testing.T, db *gorm.DB) *ChatThread {
	t.Helper()
	brand := brands.Brand{Name: "Acme", OwnerID: 3}
	if err := db.Create(&brand).Error; err != nil {
		t.Fatalf("seed brand: %v", err)
	}
	thread := ChatThread{BrandID: brand.ID, OwnerID: 3}
	if err := db.Create(&thread).Error; err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	return &thread
}

func TestGeneratePersistsBothMessages(t *testing.T) {
	db := openChatTestDB(t)
	thread := seedGenerationThread(t, db)
	generator := &stubGenerator{response: "Here is your launch post."}
	service := newTestService(t, db, generator)

	result, err := service.Generate(context.Background(), GenerateRequest{
		Thread:      thread,
		UserMessage: "write a launch post",
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if result.UserMessage.Role != RoleUser || result.UserMessage.Seq != 1 {
		t.Fatalf("unexpected user message: %+v", result.UserMessage)
	}
	if result.AssistantMessage.Role != RoleAssistant || result.AssistantMessage.Seq != 2 {
		t.Fatalf("unexpected assistant message: %+v", result.AssistantMessage)
	}
	if result.AssistantMessage.Content != "Here is your launch post." {
		t.Fatalf("unexpected reply content: %q", result.AssistantMessage.Content)
	}
	if result.TokenEstimate <= 0 {
		t.Fatalf("expected positive token estimate")
	}

	var count int64
	db.Model(&ChatMessage{}).Where("thread_id = ?", thread.ID).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", count)
	}
}

func TestGenerateFailureKeepsUserMessage(t *testing.T) {
	db := openChatTestDB(t)
	thread := seedGenerationThread(t, db)
	generator := &stubGenerator{err: errGenerationDown}
	service := newTestService(t, db, generator)

	_, err := service.Generate(context.Background(), GenerateRequest{
		Thread:      thread,
		UserMessage: "write a launch post",
	}, nil)
	if err == nil {
		t.Fatalf("expected generation error")
	}

	var messages []ChatMessage
	if err := db.Where("thread_id = ?", thread.ID).Find(&messages).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != RoleUser {
		t.Fatalf("user message should survive a failed turn, got %+v", messages)
	}
}

func TestGenerateStreamsDeltas(t *testing.T) {
	db := openChatTestDB(t)
	thread := seedGenerationThread(t, db)
	generator := &stubGenerator{deltas: []string{"Hello", " world"}}
	service := newTestService(t, db, generator)

	var received []string
	result, err := service.Generate(context.Background(), GenerateRequest{
		Thread:      thread,
		UserMessage: "say hello",
	}, func(delta llm.ChatStreamDelta) error {
		received = append(received, delta.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if strings.Join(received, "") != "Hello world" {
		t.Fatalf("unexpected deltas: %v", received)
	}
	if result.AssistantMessage.Content != "Hello world" {
		t.Fatalf("persisted reply should match streamed content, got %q", result.AssistantMessage.Content)
	}
}

func TestGenerateSequencesSuccessiveTurns(t *testing.T) {
	db := openChatTestDB(t)
	thread := seedGenerationThread(t, db)
	generator := &stubGenerator{response: "reply"}
	service := newTestService(t, db, generator)

	for turn := 0; turn < 2; turn++ {
		if _, err := service.Generate(context.Background(), GenerateRequest{
			Thread:      thread,
			UserMessage: "another turn",
		}, nil); err != nil {
			t.Fatalf("turn %d: %v", turn, err)
		}
	}

	var messages []ChatMessage
	if err := db.Where("thread_id = ?", thread.ID).Order("seq ASC").Find(&messages).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	for i, message := range messages {
		if message.Seq != i+1 {
			t.Fatalf("message %d has seq %d", i, message.Seq)
		}
	}
}

var errGenerationDown = errors.New("provider down")
