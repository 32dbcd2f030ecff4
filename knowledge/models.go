package knowledge

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	DocumentStatusPending   = "pending"
	DocumentStatusProcessed = "processed"
	DocumentStatusError     = "error"
)

// Document holds the raw source text a brand's knowledge is indexed from.
// Lifecycle: pending -> processed | error; reprocessing resets it to pending.
type Document struct {
	ID          uint64     `gorm:"primaryKey" json:"id"`
	BrandID     uint64     `gorm:"not null;index:idx_brand_document" json:"brand_id"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Content     string     `gorm:"type:text;not null" json:"content"`
	ObjectKey   *string    `gorm:"size:255" json:"object_key,omitempty"`
	Status      string     `gorm:"size:16;not null;default:'pending'" json:"status"`
	ErrMsg      *string    `gorm:"size:500" json:"err_msg,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Document) TableName() string {
	return "brand_documents"
}

// Chunk is one bounded segment of a document's text. ChunkIndex is the 0-based
// position within the parent document and preserves reading order.
type Chunk struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	DocumentID uint64         `gorm:"not null;index:idx_document_chunk" json:"document_id"`
	BrandID    uint64         `gorm:"not null;index" json:"brand_id"`
	ChunkIndex int            `gorm:"not null;index:idx_document_chunk" json:"chunk_index"`
	Text       string         `gorm:"type:text;not null" json:"text"`
	Embedding  datatypes.JSON `gorm:"type:json" json:"-"`
	TokenCount int            `gorm:"not null;default:0" json:"token_count"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Chunk) TableName() string {
	return "brand_document_chunks"
}

// ScoredChunk pairs a chunk with its query similarity.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// EncodeVector serializes an embedding for the chunk's JSON column.
func EncodeVector(vector []float32) (datatypes.JSON, error) {
	raw, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// DecodeVector restores an embedding from its serialized form. A missing or
// malformed column yields nil, which ranking treats as zero similarity.
func DecodeVector(raw datatypes.JSON) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil
	}
	return vector
}
