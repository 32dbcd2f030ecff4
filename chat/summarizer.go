package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

const (
	summaryTriggerCount  = 30
	maxSummaryInputChars = 24000
)

const summarySystemPrompt = `Summarize the conversation below in at most 250 words. Capture the topics discussed, decisions made, and any facts about the brand or its audience that came up. Write in third person prose, no bullet points, no preamble.`

// Summarizer maintains the rolling per-thread conversation summary.
type Summarizer struct {
	db     *gorm.DB
	client llm.Completer
}

func NewSummarizer(db *gorm.DB, client llm.Completer) *Summarizer {
	return &Summarizer{db: db, client: client}
}

// Summarize rebuilds the summary for a thread from its full history. An
// empty thread is a no-op, and a rerun over an unchanged thread recognizes
// the stored LastMessageID and returns without calling the model, which makes
// the operation idempotent.
func (s *Summarizer) Summarize(ctx context.Context, threadID uint64) (*ChatSummary, error) {
	var messages []ChatMessage
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load thread %d messages: %w", threadID, err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	latestID := messages[len(messages)-1].ID
	var existing ChatSummary
	err = s.db.WithContext(ctx).First(&existing, "thread_id = ?", threadID).Error
	if err == nil && existing.LastMessageID == latestID {
		return &existing, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("chat: load summary for thread %d: %w", threadID, err)
	}

	transcript := renderTranscript(messages, maxSummaryInputChars)
	result, err := s.client.Chat(ctx, []llm.ChatMessage{
		{Role: RoleSystem, Content: summarySystemPrompt},
		{Role: RoleUser, Content: transcript},
	})
	if err != nil {
		return nil, fmt.Errorf("chat: summarize thread %d: %w", threadID, err)
	}
	content := strings.TrimSpace(result.Content)
	if content == "" {
		return nil, fmt.Errorf("chat: summarize thread %d: empty summary", threadID)
	}

	summary := ChatSummary{
		ThreadID:      threadID,
		Content:       content,
		LastMessageID: latestID,
		UpdatedAt:     time.Now().UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "thread_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "last_message_id", "updated_at"}),
		}).
		Create(&summary).Error
	if err != nil {
		return nil, fmt.Errorf("chat: save summary for thread %d: %w", threadID, err)
	}
	return &summary, nil
}

// renderTranscript flattens messages into Human/Assistant lines, trimming the
// oldest content when the transcript exceeds the input budget.
func renderTranscript(messages []ChatMessage, limit int) string {
	lines := make([]string, 0, len(messages))
	for _, message := range messages {
		label := "Human"
		if message.Role == RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, label+": "+message.Content)
	}
	transcript := strings.Join(lines, "\n")
	runes := []rune(transcript)
	if limit > 0 && len(runes) > limit {
		transcript = string(runes[len(runes)-limit:])
	}
	return transcript
}
