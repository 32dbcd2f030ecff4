package brands

import (
	"time"

	"gorm.io/datatypes"
)

// Brand is the owning entity for documents, memory, and chat threads. The
// Profile column holds the serialized StyleProfile and stays NULL until the
// first successful profile build.
type Brand struct {
	ID               uint64         `gorm:"primaryKey" json:"id"`
	Name             string         `gorm:"size:100;not null" json:"name"`
	OwnerID          uint64         `gorm:"not null;index" json:"owner_id"`
	Profile          datatypes.JSON `gorm:"type:json" json:"profile,omitempty"`
	ProfileUpdatedAt *time.Time     `json:"profile_updated_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Brand) TableName() string {
	return "brands"
}

// BrandMemory is one durable fact about a brand. Keys are not unique; the
// store may hold multiple facts per key. Ranking always uses importance
// descending with insertion order breaking ties (oldest first).
type BrandMemory struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	BrandID    uint64    `gorm:"not null;index" json:"brand_id"`
	Key        string    `gorm:"size:100;not null" json:"key"`
	Value      string    `gorm:"size:500;not null" json:"value"`
	Importance int       `gorm:"not null;default:3" json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

func (BrandMemory) TableName() string {
	return "brand_memories"
}
