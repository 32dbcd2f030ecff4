package chat

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatThread is one conversation scoped to a brand.
type ChatThread struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	BrandID   uint64    `gorm:"not null;index" json:"brand_id"`
	OwnerID   uint64    `gorm:"not null;index" json:"owner_id"`
	Title     string    `gorm:"size:200" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChatThread) TableName() string {
	return "chat_threads"
}

// ChatMessage is one turn in a thread. Seq is assigned per thread in strictly
// increasing order and fixes the chronological ordering everywhere else in
// the pipeline. The embedding column is filled best-effort after the turn
// completes.
type ChatMessage struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	ThreadID  uint64         `gorm:"not null;index:idx_chat_messages_thread_seq" json:"thread_id"`
	Seq       int            `gorm:"not null;index:idx_chat_messages_thread_seq" json:"seq"`
	Role      string         `gorm:"size:20;not null" json:"role"`
	Content   string         `gorm:"type:text;not null" json:"content"`
	IsPinned  bool           `gorm:"not null;default:false" json:"is_pinned"`
	Embedding datatypes.JSON `gorm:"type:json" json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// ChatSummary is the rolling conversation summary, one row per thread.
// LastMessageID records the newest message the summary covers so reruns can
// be recognized as no-ops.
type ChatSummary struct {
	ThreadID      uint64    `gorm:"primaryKey" json:"thread_id"`
	Content       string    `gorm:"type:text;not null" json:"content"`
	LastMessageID uint64    `gorm:"not null" json:"last_message_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ChatSummary) TableName() string {
	return "chat_summaries"
}
