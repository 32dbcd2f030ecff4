package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/RomandemAi/emerlya-mvp-sub000/brands"
	"github.com/RomandemAi/emerlya-mvp-sub000/knowledge"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

func openChatTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&brands.Brand{}, &brands.BrandMemory{},
		&knowledge.Document{}, &knowledge.Chunk{},
		&ChatThread{}, &ChatMessage{}, &ChatSummary{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type stubEmbedder struct {
	vector []float32
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vector := s.vector
	if vector == nil {
		vector = []float32{1, 0}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = vector
	}
	return out, nil
}

type stubGenerator struct {
	response string
	err      error
	deltas   []string
	calls    int
}

func (s *stubGenerator) Chat(ctx context.Context, messages []llm.ChatMessage) (llm.ChatResult, error) {
	return s.ChatWithOptions(ctx, messages, llm.ChatOptions{})
}

func (s *stubGenerator) ChatWithOptions(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (llm.ChatResult, error) {
	s.calls++
	if s.err != nil {
		return llm.ChatResult{}, s.err
	}
	return llm.ChatResult{Content: s.response, Model: "stub"}, nil
}

func (s *stubGenerator) ChatStream(ctx context.Context, messages []llm.ChatMessage, handler func(llm.ChatStreamDelta) error) (llm.ChatResult, error) {
	s.calls++
	if s.err != nil {
		return llm.ChatResult{}, s.err
	}
	var full strings.Builder
	for _, delta := range s.deltas {
		full.WriteString(delta)
		if handler != nil {
			if err := handler(llm.ChatStreamDelta{Content: delta, FullContent: full.String()}); err != nil {
				return llm.ChatResult{}, err
			}
		}
	}
	content := full.String()
	if content == "" {
		content = s.response
	}
	return llm.ChatResult{Content: content, Model: "stub"}, nil
}

func seedAssemblerFixture(t *testing.T, db *gorm.DB) (*brands.Service, *ChatThread) {
	t.Helper()

	profile := brands.DefaultStyleProfile()
	profile.Voice.Tone = []string{"sharp"}
	encoded, err := json.Marshal(profile)
	if err != nil {
		t.Fatalf("encode profile: %v", err)
	}
	brand := brands.Brand{Name: "Acme", OwnerID: 9, Profile: encoded}
	if err := db.Create(&brand).Error; err != nil {
		t.Fatalf("seed brand: %v", err)
	}

	memories := []brands.BrandMemory{
		{BrandID: brand.ID, Key: "flagship_product", Value: "anvils", Importance: 5},
		{BrandID: brand.ID, Key: "founding_year", Value: "1949", Importance: 2},
	}
	if err := db.Create(&memories).Error; err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	vector, err := knowledge.EncodeVector([]float32{1, 0})
	if err != nil {
		t.Fatalf("encode vector: %v", err)
	}
	chunk := knowledge.Chunk{DocumentID: 1, BrandID: brand.ID, ChunkIndex: 0, Text: "Acme anvils are forged from recycled steel.", Embedding: vector}
	if err := db.Create(&chunk).Error; err != nil {
		t.Fatalf("seed chunk: %v", err)
	}

	thread := ChatThread{BrandID: brand.ID, OwnerID: 9, Title: "campaign"}
	if err := db.Create(&thread).Error; err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	messages := []ChatMessage{
		{ThreadID: thread.ID, Seq: 1, Role: RoleUser, Content: "message A"},
		{ThreadID: thread.ID, Seq: 2, Role: RoleAssistant, Content: "message B"},
		{ThreadID: thread.ID, Seq: 3, Role: RoleUser, Content: "message C", IsPinned: true},
		{ThreadID: thread.ID, Seq: 4, Role: RoleAssistant, Content: "message D"},
	}
	if err := db.Create(&messages).Error; err != nil {
		t.Fatalf("seed messages: %v", err)
	}

	summary := ChatSummary{ThreadID: thread.ID, Content: "They discussed anvil marketing.", LastMessageID: messages[3].ID}
	if err := db.Create(&summary).Error; err != nil {
		t.Fatalf("seed summary: %v", err)
	}

	return brands.NewService(db, &stubGenerator{}), &thread
}

func newTestAssembler(db *gorm.DB, brandService *brands.Service) *Assembler {
	retriever := knowledge.NewRetriever(db, &stubEmbedder{})
	return NewAssembler(db, brandService, retriever)
}

func TestAssembleOrdering(t *testing.T) {
	db := openChatTestDB(t)
	brandService, thread := seedAssemblerFixture(t, db)
	assembler := newTestAssembler(db, brandService)

	prompt, err := assembler.Assemble(context.Background(), AssembleRequest{
		Thread:      thread,
		UserMessage: "draft a product launch post",
		ContentType: "social post",
		WordCount:   120,
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	messages := prompt.Messages
	if len(messages) != 7 {
		t.Fatalf("expected 7 messages, got %d: %+v", len(messages), messages)
	}

	if messages[0].Role != RoleSystem {
		t.Fatalf("first message must be the system prompt")
	}
	system := messages[0].Content
	for _, want := range []string{"Tone: sharp", "flagship_product: anvils (importance: 5)", "recycled steel", "social post", "120 words"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, system)
		}
	}

	if messages[1].Role != RoleSystem || !strings.Contains(messages[1].Content, "anvil marketing") {
		t.Fatalf("second message must carry the summary, got %+v", messages[1])
	}

	// Pinned message first, then the remaining history in seq order, then the
	// new user message.
	wantOrder := []string{"message C", "message A", "message B", "message D", "draft a product launch post"}
	for i, want := range wantOrder {
		if messages[i+2].Content != want {
			t.Fatalf("position %d: want %q, got %q", i+2, want, messages[i+2].Content)
		}
	}

	if prompt.TokenEstimate <= 0 {
		t.Fatalf("expected positive token estimate")
	}
}

func TestAssembleDeterministic(t *testing.T) {
	db := openChatTestDB(t)
	brandService, thread := seedAssemblerFixture(t, db)
	assembler := newTestAssembler(db, brandService)

	req := AssembleRequest{Thread: thread, UserMessage: "same input"}
	first, err := assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("first assemble: %v", err)
	}
	second, err := assembler.Assemble(context.Background(), req)
	if err != nil {
		t.Fatalf("second assemble: %v", err)
	}

	if len(first.Messages) != len(second.Messages) {
		t.Fatalf("message counts differ: %d vs %d", len(first.Messages), len(second.Messages))
	}
	for i := range first.Messages {
		if first.Messages[i] != second.Messages[i] {
			t.Fatalf("message %d differs:\n%+v\n%+v", i, first.Messages[i], second.Messages[i])
		}
	}
}

func TestAssembleEmptyThread(t *testing.T) {
	db := openChatTestDB(t)

	brand := brands.Brand{Name: "Bare", OwnerID: 1}
	if err := db.Create(&brand).Error; err != nil {
		t.Fatalf("seed brand: %v", err)
	}
	thread := ChatThread{BrandID: brand.ID, OwnerID: 1}
	if err := db.Create(&thread).Error; err != nil {
		t.Fatalf("seed thread: %v", err)
	}

	assembler := newTestAssembler(db, brands.NewService(db, &stubGenerator{}))
	prompt, err := assembler.Assemble(context.Background(), AssembleRequest{
		Thread:      &thread,
		UserMessage: "hello",
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	if len(prompt.Messages) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(prompt.Messages))
	}
	if prompt.Messages[0].Role != RoleSystem || prompt.Messages[1].Role != RoleUser {
		t.Fatalf("unexpected roles: %+v", prompt.Messages)
	}
	if prompt.Messages[1].Content != "hello" {
		t.Fatalf("user message must come last")
	}
}

func TestAssembleExcludesPersistedUserMessage(t *testing.T) {
	db := openChatTestDB(t)
	brandService, thread := seedAssemblerFixture(t, db)

	persisted := ChatMessage{ThreadID: thread.ID, Seq: 5, Role: RoleUser, Content: "fresh question"}
	if err := db.Create(&persisted).Error; err != nil {
		t.Fatalf("seed persisted message: %v", err)
	}

	assembler := newTestAssembler(db, brandService)
	prompt, err := assembler.Assemble(context.Background(), AssembleRequest{
		Thread:           thread,
		UserMessage:      "fresh question",
		ExcludeMessageID: persisted.ID,
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	occurrences := 0
	for _, message := range prompt.Messages {
		if message.Content == "fresh question" {
			occurrences++
		}
	}
	if occurrences != 1 {
		t.Fatalf("persisted user message duplicated: %d occurrences", occurrences)
	}
}

func TestAssembleRejectsEmptyMessage(t *testing.T) {
	db := openChatTestDB(t)
	brandService, thread := seedAssemblerFixture(t, db)
	assembler := newTestAssembler(db, brandService)

	if _, err := assembler.Assemble(context.Background(), AssembleRequest{Thread: thread, UserMessage: "  "}); err == nil {
		t.Fatalf("expected error for blank user message")
	}
}
