package knowledge

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/RomandemAi/emerlya-mvp-sub000/authorization"
	"github.com/RomandemAi/emerlya-mvp-sub000/storage"
)

const maxInlineSourceBytes int64 = 2 * 1024 * 1024

// Module bundles the knowledge HTTP surface: document intake, the processing
// webhook receiver, and chunk search.
type Module struct {
	db        *gorm.DB
	service   *Service
	retriever *Retriever
	trigger   *ProcessTrigger
	assets    *storage.SourceStorage
	guard     *authorization.Guard
}

// RegisterRoutes mounts document and retrieval endpoints. The webhook
// receiver at /knowledge/process authenticates with the shared secret
// instead of the JWT guard.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, guard *authorization.Guard, assets *storage.SourceStorage) (*Module, error) {
	service, err := NewServiceFromEnv(db)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{
		db:        db,
		service:   service,
		retriever: NewRetriever(db, service.embedder),
		trigger:   NewProcessTriggerFromEnv(),
		assets:    assets,
		guard:     guard,
	}

	group := router.Group("/brands/:brandID", guard.RequireAuthenticated())
	group.POST("/documents", module.handleCreateDocument)
	group.POST("/documents/import", module.handleImportArchive)
	group.GET("/documents", module.handleListDocuments)
	group.POST("/documents/:docID/reprocess", module.handleReprocessDocument)
	group.DELETE("/documents/:docID", module.handleDeleteDocument)
	group.GET("/chunks/search", module.handleSearchChunks)

	router.POST("/knowledge/process", module.handleProcessWebhook)

	return module, nil
}

// Service exposes the indexing service for other modules.
func (m *Module) Service() *Service {
	return m.service
}

// Retriever exposes the chunk retriever for the context assembler.
func (m *Module) Retriever() *Retriever {
	return m.retriever
}

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (m *Module) handleCreateDocument(c *gin.Context) {
	brandID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}

	var title, content string
	var objectKey *string

	contentType := strings.ToLower(c.ContentType())
	if strings.Contains(contentType, "multipart/form-data") {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fileHeader.Size > maxInlineSourceBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file too large"})
			return
		}
		src, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
			return
		}
		data, err := io.ReadAll(io.LimitReader(src, maxInlineSourceBytes+1))
		src.Close()
		if err != nil || int64(len(data)) > maxInlineSourceBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
			return
		}
		content = string(data)
		title = strings.TrimSpace(c.PostForm("title"))
		if title == "" {
			title = fileHeader.Filename
		}

		// Raw asset retention is best-effort; the text content is what gets
		// indexed.
		if m.assets != nil {
			key, upErr := m.assets.Upload(c.Request.Context(), fileHeader, brandID)
			if upErr != nil {
				log.Printf("knowledge: store raw source failed: %v", upErr)
			} else {
				objectKey = &key
			}
		}
	} else {
		var req createDocumentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title and content are required"})
			return
		}
		title = req.Title
		content = req.Content
	}

	doc, err := m.service.CreateDocument(c.Request.Context(), brandID, title, content, objectKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m.trigger.Fire(brandID, doc.ID)
	c.JSON(http.StatusCreated, doc)
}

func (m *Module) handleImportArchive(c *gin.Context) {
	brandID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}

	entries, err := ExtractArchive(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created := make([]Document, 0, len(entries))
	for _, entry := range entries {
		doc, createErr := m.service.CreateDocument(c.Request.Context(), brandID, entry.Title, entry.Content, nil)
		if createErr != nil {
			log.Printf("knowledge: import entry %q failed: %v", entry.Title, createErr)
			continue
		}
		m.trigger.Fire(brandID, doc.ID)
		created = append(created, *doc)
	}

	c.JSON(http.StatusCreated, gin.H{"documents": created, "imported": len(created)})
}

func (m *Module) handleListDocuments(c *gin.Context) {
	brandID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}
	docs, err := m.service.ListDocuments(c.Request.Context(), brandID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) handleReprocessDocument(c *gin.Context) {
	brandID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}
	docID, err := parseID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	if err := m.service.ResetDocument(c.Request.Context(), brandID, docID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset document"})
		return
	}

	m.trigger.Fire(brandID, docID)
	c.JSON(http.StatusAccepted, gin.H{"status": DocumentStatusPending})
}

func (m *Module) handleDeleteDocument(c *gin.Context) {
	brandID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}
	docID, err := parseID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	doc, err := m.service.GetDocument(c.Request.Context(), brandID, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}

	if err := m.service.DeleteDocument(c.Request.Context(), brandID, docID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete document"})
		return
	}
	if m.assets != nil && doc.ObjectKey != nil {
		if err := m.assets.Remove(c.Request.Context(), *doc.ObjectKey); err != nil {
			log.Printf("knowledge: remove raw source %s failed: %v", *doc.ObjectKey, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": docID})
}

func (m *Module) handleSearchChunks(c *gin.Context) {
	brandID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	k := 5
	if raw := strings.TrimSpace(c.Query("k")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			k = parsed
		}
	}

	chunks, err := m.retriever.Retrieve(c.Request.Context(), brandID, query, k)
	if err != nil {
		var embedErr *EmbeddingError
		if errors.As(err, &embedErr) {
			log.Printf("knowledge: search embedding failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "retrieval unavailable", "code": "EMBEDDING_FAILED"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

type processWebhookRequest struct {
	BrandID    uint64 `json:"brand_id" binding:"required"`
	DocumentID uint64 `json:"document_id" binding:"required"`
	RequestID  string `json:"request_id"`
}

func (m *Module) handleProcessWebhook(c *gin.Context) {
	valid, err := VerifyProcessSecret(c.GetHeader(SecretHeader))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "processing is not configured"})
		return
	}
	if !valid {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	var req processWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "brand_id and document_id are required"})
		return
	}

	if err := m.service.IndexDocument(c.Request.Context(), req.BrandID, req.DocumentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		log.Printf("knowledge: index document %d failed: %v", req.DocumentID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "indexing failed", "code": "INDEXING_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": DocumentStatusProcessed})
}

// requireBrandAccess resolves :brandID and checks the authenticated user owns
// the brand. Ownership violations surface immediately with no retry.
func (m *Module) requireBrandAccess(c *gin.Context) (uint64, bool) {
	brandID, err := parseID(c.Param("brandID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid brand id"})
		return 0, false
	}

	userID, ok := authorization.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return 0, false
	}

	var result struct {
		OwnerID uint64
	}
	err = m.db.WithContext(c.Request.Context()).
		Table("brands").
		Select("owner_id").
		Where("id = ?", brandID).
		Take(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "brand not found"})
			return 0, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load brand"})
		return 0, false
	}
	if result.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "brand access denied", "code": "OWNERSHIP_VIOLATION"})
		return 0, false
	}
	return brandID, true
}

func parseID(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}
