package brands

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/RomandemAi/emerlya-mvp-sub000/authorization"
	"github.com/RomandemAi/emerlya-mvp-sub000/cache"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

const rebuildLockTTL = 2 * time.Minute

// Module bundles the brand HTTP surface: CRUD plus profile and memory
// rebuilds.
type Module struct {
	db      *gorm.DB
	service *Service
}

func RegisterRoutes(router *gin.Engine, db *gorm.DB, client llm.Completer, guard *authorization.Guard) (*Module, error) {
	service := NewService(db, client)
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{db: db, service: service}

	group := router.Group("/brands", guard.RequireAuthenticated())
	group.POST("", module.handleCreateBrand)
	group.GET("", module.handleListBrands)
	group.GET("/:brandID", module.handleGetBrand)
	group.DELETE("/:brandID", module.handleDeleteBrand)
	group.POST("/:brandID/profile/rebuild", module.handleRebuildProfile)
	group.POST("/:brandID/memory/rebuild", module.handleRebuildMemory)
	group.GET("/:brandID/memory", module.handleListMemory)

	return module, nil
}

// Service exposes the brand service for other modules.
func (m *Module) Service() *Service {
	return m.service
}

type createBrandRequest struct {
	Name string `json:"name" binding:"required"`
}

func (m *Module) handleCreateBrand(c *gin.Context) {
	userID, ok := authorization.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req createBrandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	brand, err := m.service.CreateBrand(c.Request.Context(), userID, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, brand)
}

func (m *Module) handleListBrands(c *gin.Context) {
	userID, ok := authorization.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	brands, err := m.service.ListBrands(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list brands"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"brands": brands})
}

func (m *Module) handleGetBrand(c *gin.Context) {
	brand, ok := m.requireOwnedBrand(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, brand)
}

func (m *Module) handleDeleteBrand(c *gin.Context) {
	brand, ok := m.requireOwnedBrand(c)
	if !ok {
		return
	}
	if err := m.service.DeleteBrand(c.Request.Context(), brand.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete brand"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": brand.ID})
}

// handleRebuildProfile regenerates the style profile. Rebuilds for the same
// brand are serialized with an advisory lock so concurrent requests cannot
// interleave their writes.
func (m *Module) handleRebuildProfile(c *gin.Context) {
	brand, ok := m.requireOwnedBrand(c)
	if !ok {
		return
	}

	release, acquired := cache.AcquireLock(c.Request.Context(), rebuildLockKey(brand.ID), rebuildLockTTL)
	if !acquired {
		c.JSON(http.StatusConflict, gin.H{"error": "a rebuild is already running for this brand", "code": "REBUILD_IN_PROGRESS"})
		return
	}
	defer release()

	profile, err := m.service.RebuildProfile(c.Request.Context(), brand.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rebuild profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

func (m *Module) handleRebuildMemory(c *gin.Context) {
	brand, ok := m.requireOwnedBrand(c)
	if !ok {
		return
	}

	release, acquired := cache.AcquireLock(c.Request.Context(), rebuildLockKey(brand.ID), rebuildLockTTL)
	if !acquired {
		c.JSON(http.StatusConflict, gin.H{"error": "a rebuild is already running for this brand", "code": "REBUILD_IN_PROGRESS"})
		return
	}
	defer release()

	rows, err := m.service.RebuildMemory(c.Request.Context(), brand.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rebuild memory"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memory": rows, "count": len(rows)})
}

func (m *Module) handleListMemory(c *gin.Context) {
	brand, ok := m.requireOwnedBrand(c)
	if !ok {
		return
	}
	rows, err := m.service.ListMemory(c.Request.Context(), brand.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load memory"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"memory": rows})
}

func rebuildLockKey(brandID uint64) string {
	return fmt.Sprintf("brand:rebuild:%d", brandID)
}

func (m *Module) requireOwnedBrand(c *gin.Context) (*Brand, bool) {
	brandID, err := parseID(c.Param("brandID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid brand id"})
		return nil, false
	}

	userID, ok := authorization.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}

	brand, err := m.service.GetBrand(c.Request.Context(), brandID)
	if err != nil {
		if errors.Is(err, ErrBrandNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "brand not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load brand"})
		return nil, false
	}
	if brand.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "brand access denied", "code": "OWNERSHIP_VIOLATION"})
		return nil, false
	}
	return brand, true
}

func parseID(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}
