package brands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrBrandNotFound = errors.New("brands: brand not found")

// Service owns the brand lifecycle: CRUD, style profile rebuilds, and
// long-term memory rebuilds.
type Service struct {
	db        *gorm.DB
	builder   *ProfileBuilder
	extractor *MemoryExtractor
}

func NewService(db *gorm.DB, client llm.Completer) *Service {
	return &Service{
		db:        db,
		builder:   NewProfileBuilder(client),
		extractor: NewMemoryExtractor(client),
	}
}

func (s *Service) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Brand{}, &BrandMemory{}); err != nil {
		return fmt.Errorf("brands: migrate: %w", err)
	}
	return nil
}

func (s *Service) CreateBrand(ctx context.Context, ownerID uint64, name string) (*Brand, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, errors.New("brands: name is required")
	}
	brand := &Brand{Name: trimmed, OwnerID: ownerID}
	if err := s.db.WithContext(ctx).Create(brand).Error; err != nil {
		return nil, fmt.Errorf("brands: create brand: %w", err)
	}
	return brand, nil
}

func (s *Service) ListBrands(ctx context.Context, ownerID uint64) ([]Brand, error) {
	var brands []Brand
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id ASC").
		Find(&brands).Error
	if err != nil {
		return nil, fmt.Errorf("brands: list brands: %w", err)
	}
	return brands, nil
}

func (s *Service) GetBrand(ctx context.Context, brandID uint64) (*Brand, error) {
	var brand Brand
	err := s.db.WithContext(ctx).First(&brand, "id = ?", brandID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBrandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("brands: load brand %d: %w", brandID, err)
	}
	return &brand, nil
}

// DeleteBrand removes the brand and everything derived from it: documents,
// chunks, memory, threads, messages, and summaries.
func (s *Service) DeleteBrand(ctx context.Context, brandID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var threadIDs []uint64
		if err := tx.Table("chat_threads").Where("brand_id = ?", brandID).Pluck("id", &threadIDs).Error; err != nil {
			return fmt.Errorf("brands: collect threads: %w", err)
		}
		if len(threadIDs) > 0 {
			if err := tx.Exec("DELETE FROM chat_messages WHERE thread_id IN ?", threadIDs).Error; err != nil {
				return fmt.Errorf("brands: delete messages: %w", err)
			}
			if err := tx.Exec("DELETE FROM chat_summaries WHERE thread_id IN ?", threadIDs).Error; err != nil {
				return fmt.Errorf("brands: delete summaries: %w", err)
			}
		}
		if err := tx.Exec("DELETE FROM chat_threads WHERE brand_id = ?", brandID).Error; err != nil {
			return fmt.Errorf("brands: delete threads: %w", err)
		}
		if err := tx.Exec("DELETE FROM brand_document_chunks WHERE brand_id = ?", brandID).Error; err != nil {
			return fmt.Errorf("brands: delete chunks: %w", err)
		}
		if err := tx.Exec("DELETE FROM brand_documents WHERE brand_id = ?", brandID).Error; err != nil {
			return fmt.Errorf("brands: delete documents: %w", err)
		}
		if err := tx.Where("brand_id = ?", brandID).Delete(&BrandMemory{}).Error; err != nil {
			return fmt.Errorf("brands: delete memory: %w", err)
		}
		if err := tx.Delete(&Brand{}, "id = ?", brandID).Error; err != nil {
			return fmt.Errorf("brands: delete brand: %w", err)
		}
		return nil
	})
}

// Profile decodes the stored style profile. A brand without a built profile
// yields the default so callers never handle a nil profile.
func (s *Service) Profile(ctx context.Context, brandID uint64) (*StyleProfile, error) {
	brand, err := s.GetBrand(ctx, brandID)
	if err != nil {
		return nil, err
	}
	return decodeProfile(brand), nil
}

func decodeProfile(brand *Brand) *StyleProfile {
	if brand == nil || len(brand.Profile) == 0 {
		return DefaultStyleProfile()
	}
	var profile StyleProfile
	if err := json.Unmarshal(brand.Profile, &profile); err != nil {
		log.Printf("brands: stored profile for brand %d is unreadable: %v", brand.ID, err)
		return DefaultStyleProfile()
	}
	normalizeProfile(&profile)
	return &profile
}

// sourceContents loads the document bodies for a brand in insertion order.
// The documents table is read directly to keep this package independent of
// the indexing pipeline.
func (s *Service) sourceContents(ctx context.Context, brandID uint64) ([]string, error) {
	var contents []string
	err := s.db.WithContext(ctx).
		Table("brand_documents").
		Where("brand_id = ?", brandID).
		Order("id ASC").
		Pluck("content", &contents).Error
	if err != nil {
		return nil, fmt.Errorf("brands: load sources: %w", err)
	}
	return contents, nil
}

// RebuildProfile regenerates the style profile from the brand's current
// documents and persists it.
func (s *Service) RebuildProfile(ctx context.Context, brandID uint64) (*StyleProfile, error) {
	if _, err := s.GetBrand(ctx, brandID); err != nil {
		return nil, err
	}
	sources, err := s.sourceContents(ctx, brandID)
	if err != nil {
		return nil, err
	}

	profile := s.builder.Build(ctx, sources)
	encoded, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("brands: encode profile: %w", err)
	}

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).
		Model(&Brand{}).
		Where("id = ?", brandID).
		Updates(map[string]any{
			"profile":            datatypes.JSON(encoded),
			"profile_updated_at": &now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("brands: save profile: %w", err)
	}
	return profile, nil
}

// RebuildMemory re-extracts long-term facts from the brand's documents and
// replaces the stored set atomically.
func (s *Service) RebuildMemory(ctx context.Context, brandID uint64) ([]BrandMemory, error) {
	brand, err := s.GetBrand(ctx, brandID)
	if err != nil {
		return nil, err
	}
	sources, err := s.sourceContents(ctx, brandID)
	if err != nil {
		return nil, err
	}

	facts := s.extractor.Extract(ctx, decodeProfile(brand), sources)
	rows := make([]BrandMemory, 0, len(facts))
	for _, fact := range facts {
		rows = append(rows, BrandMemory{
			BrandID:    brandID,
			Key:        fact.Key,
			Value:      fact.Value,
			Importance: fact.Importance,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("brand_id = ?", brandID).Delete(&BrandMemory{}).Error; err != nil {
			return fmt.Errorf("brands: clear memory: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("brands: insert memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TopFacts returns the highest-importance memory entries for a brand, oldest
// first within equal importance.
func (s *Service) TopFacts(ctx context.Context, brandID uint64, limit int) ([]BrandMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []BrandMemory
	err := s.db.WithContext(ctx).
		Where("brand_id = ?", brandID).
		Order("importance DESC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("brands: load memory: %w", err)
	}
	return rows, nil
}

// ListMemory returns every stored fact for a brand in ranking order.
func (s *Service) ListMemory(ctx context.Context, brandID uint64) ([]BrandMemory, error) {
	var rows []BrandMemory
	err := s.db.WithContext(ctx).
		Where("brand_id = ?", brandID).
		Order("importance DESC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("brands: load memory: %w", err)
	}
	return rows, nil
}
