package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Service owns the document indexing pipeline: chunk the text, embed every
// chunk, persist chunks incrementally, and track per-document status.
type Service struct {
	db       *gorm.DB
	embedder Embedder
	chunker  *chunker
}

// NewServiceFromEnv wires the indexing service with an env-configured
// embedder. KNOWLEDGE_CHUNK_MAX_CHARS overrides the 1000-char chunk budget.
func NewServiceFromEnv(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}

	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}

	chunkMax := 1000
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHUNK_MAX_CHARS")); raw != "" {
		if parsed, convErr := strconv.Atoi(raw); convErr == nil && parsed > 0 {
			chunkMax = parsed
		}
	}

	return NewService(db, embedder, chunkMax), nil
}

// NewService wires the indexing service with explicit collaborators.
func NewService(db *gorm.DB, embedder Embedder, maxChunkChars int) *Service {
	return &Service{
		db:       db,
		embedder: embedder,
		chunker:  newChunker(maxChunkChars),
	}
}

// Embedder exposes the configured embedding client so other modules can
// share it.
func (s *Service) Embedder() Embedder {
	return s.embedder
}

func (s *Service) AutoMigrate() error {
	if s.db == nil {
		return errors.New("knowledge: database connection is not configured")
	}
	return s.db.AutoMigrate(&Document{}, &Chunk{})
}

// CreateDocument stores a new pending document. Indexing happens later, when
// the processing webhook lands on IndexDocument.
func (s *Service) CreateDocument(ctx context.Context, brandID uint64, title, content string, objectKey *string) (*Document, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" {
		return nil, errors.New("knowledge: title is required")
	}
	if content == "" {
		return nil, errors.New("knowledge: content is required")
	}

	doc := Document{
		BrandID:   brandID,
		Title:     title,
		Content:   content,
		ObjectKey: objectKey,
		Status:    DocumentStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, brandID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("brand_id = ?", brandID).
		Order("id ASC").
		Find(&docs).Error
	return docs, err
}

func (s *Service) GetDocument(ctx context.Context, brandID, docID uint64) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).
		Where("id = ? AND brand_id = ?", docID, brandID).
		Take(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// IndexDocument chunks and embeds one document. The operation is idempotent
// by document id: existing chunks are cleared first so a re-run never
// duplicates. A failed chunk embedding marks the document error but leaves
// the chunks persisted so far in place; sibling documents are unaffected.
func (s *Service) IndexDocument(ctx context.Context, brandID, docID uint64) error {
	doc, err := s.GetDocument(ctx, brandID, docID)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Where("document_id = ?", doc.ID).
		Delete(&Chunk{}).Error; err != nil {
		return fmt.Errorf("knowledge: clear chunks for document %d: %w", doc.ID, err)
	}

	segments := s.chunker.split(doc.Content)
	if len(segments) == 0 {
		return s.markDocumentError(ctx, doc.ID, "content is too short to chunk")
	}

	for i, segment := range segments {
		vectors, embedErr := s.embedder.Embed(ctx, []string{segment.Text})
		if embedErr != nil || len(vectors) != 1 {
			if embedErr == nil {
				embedErr = fmt.Errorf("knowledge: embedding count mismatch (expected 1, got %d)", len(vectors))
			}
			if markErr := s.markDocumentError(ctx, doc.ID, embedErr.Error()); markErr != nil {
				return markErr
			}
			return fmt.Errorf("knowledge: index document %d chunk %d: %w", doc.ID, i, embedErr)
		}

		encoded, encErr := EncodeVector(vectors[0])
		if encErr != nil {
			if markErr := s.markDocumentError(ctx, doc.ID, encErr.Error()); markErr != nil {
				return markErr
			}
			return fmt.Errorf("knowledge: encode vector for document %d chunk %d: %w", doc.ID, i, encErr)
		}

		chunk := Chunk{
			DocumentID: doc.ID,
			BrandID:    brandID,
			ChunkIndex: i,
			Text:       segment.Text,
			Embedding:  encoded,
			TokenCount: segment.TokenCount,
		}
		if err := s.db.WithContext(ctx).Create(&chunk).Error; err != nil {
			if markErr := s.markDocumentError(ctx, doc.ID, err.Error()); markErr != nil {
				return markErr
			}
			return fmt.Errorf("knowledge: persist chunk %d of document %d: %w", i, doc.ID, err)
		}
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", doc.ID).
		Updates(map[string]any{
			"status":       DocumentStatusProcessed,
			"err_msg":      gorm.Expr("NULL"),
			"processed_at": now,
			"updated_at":   now,
		}).Error
}

// ResetDocument puts a document back to pending and drops its chunks, so an
// operator can trigger a clean re-processing run.
func (s *Service) ResetDocument(ctx context.Context, brandID, docID uint64) error {
	doc, err := s.GetDocument(ctx, brandID, docID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Model(&Document{}).
			Where("id = ?", doc.ID).
			Updates(map[string]any{
				"status":       DocumentStatusPending,
				"err_msg":      gorm.Expr("NULL"),
				"processed_at": gorm.Expr("NULL"),
				"updated_at":   time.Now().UTC(),
			}).Error
	})
}

func (s *Service) DeleteDocument(ctx context.Context, brandID, docID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		if err := tx.Where("id = ? AND brand_id = ?", docID, brandID).Take(&doc).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Document{}, doc.ID).Error
	})
}

// SourceContents returns the raw text of every document owned by the brand,
// oldest first. Used as extraction input for profile and memory rebuilds.
func (s *Service) SourceContents(ctx context.Context, brandID uint64) ([]string, error) {
	var contents []string
	err := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("brand_id = ?", brandID).
		Order("id ASC").
		Pluck("content", &contents).Error
	return contents, err
}

func (s *Service) markDocumentError(ctx context.Context, docID uint64, reason string) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	return s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", docID).
		Updates(map[string]any{
			"status":     DocumentStatusError,
			"err_msg":    reason,
			"updated_at": time.Now().UTC(),
		}).Error
}
