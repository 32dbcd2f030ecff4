package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/RomandemAi/emerlya-mvp-sub000/authorization"
	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

// Module bundles the chat HTTP surface: thread CRUD, message listing,
// pinning, summaries, and the generation endpoint in both batch and
// streaming form.
type Module struct {
	db      *gorm.DB
	service *Service
}

func RegisterRoutes(router *gin.Engine, db *gorm.DB, service *Service, guard *authorization.Guard) (*Module, error) {
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{db: db, service: service}

	group := router.Group("/brands/:brandID/threads", guard.RequireAuthenticated())
	group.POST("", module.handleCreateThread)
	group.GET("", module.handleListThreads)
	group.DELETE("/:threadID", module.handleDeleteThread)
	group.GET("/:threadID/messages", module.handleListMessages)
	group.POST("/:threadID/messages", module.handleGenerate)
	group.POST("/:threadID/messages/:messageID/pin", module.handlePinMessage)
	group.POST("/:threadID/messages/:messageID/unpin", module.handleUnpinMessage)
	group.POST("/:threadID/summarize", module.handleSummarize)
	group.GET("/:threadID/ws", module.handleWebSocket)

	return module, nil
}

type createThreadRequest struct {
	Title string `json:"title"`
}

func (m *Module) handleCreateThread(c *gin.Context) {
	brandID, userID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}

	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	thread, err := m.service.CreateThread(c.Request.Context(), userID, brandID, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create thread"})
		return
	}
	c.JSON(http.StatusCreated, thread)
}

func (m *Module) handleListThreads(c *gin.Context) {
	brandID, userID, ok := m.requireBrandAccess(c)
	if !ok {
		return
	}
	threads, err := m.service.ListThreads(c.Request.Context(), userID, brandID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

func (m *Module) handleDeleteThread(c *gin.Context) {
	thread, ok := m.requireOwnedThread(c)
	if !ok {
		return
	}
	if err := m.service.DeleteThread(c.Request.Context(), thread.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete thread"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": thread.ID})
}

func (m *Module) handleListMessages(c *gin.Context) {
	thread, ok := m.requireOwnedThread(c)
	if !ok {
		return
	}
	messages, err := m.service.ListMessages(c.Request.Context(), thread.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type generateRequest struct {
	Message     string `json:"message" binding:"required"`
	ContentType string `json:"content_type"`
	WordCount   int    `json:"word_count"`
}

func (m *Module) handleGenerate(c *gin.Context) {
	thread, ok := m.requireOwnedThread(c)
	if !ok {
		return
	}

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	request := GenerateRequest{
		Thread:      thread,
		UserMessage: req.Message,
		ContentType: req.ContentType,
		WordCount:   req.WordCount,
	}

	if wantsEventStream(c) {
		m.generateStream(c, request)
		return
	}

	result, err := m.service.Generate(c.Request.Context(), request, nil)
	if err != nil {
		log.Printf("chat: generate for thread %d failed: %v", thread.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation failed", "code": "GENERATION_FAILED"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// generateStream relays model deltas over SSE and finishes with a "done"
// event carrying the persisted result.
func (m *Module) generateStream(c *gin.Context, request GenerateRequest) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	onDelta := func(delta llm.ChatStreamDelta) error {
		if delta.Content == "" {
			return nil
		}
		writeSSE(c, "delta", gin.H{"content": delta.Content})
		return nil
	}

	result, err := m.service.Generate(c.Request.Context(), request, onDelta)
	if err != nil {
		log.Printf("chat: generate for thread %d failed: %v", request.Thread.ID, err)
		writeSSE(c, "error", gin.H{"error": "generation failed", "code": "GENERATION_FAILED"})
		return
	}
	writeSSE(c, "done", result)
}

func writeSSE(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("chat: marshal sse payload failed: %v", err)
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}

func (m *Module) handlePinMessage(c *gin.Context) {
	m.setPinned(c, true)
}

func (m *Module) handleUnpinMessage(c *gin.Context) {
	m.setPinned(c, false)
}

func (m *Module) setPinned(c *gin.Context, pinned bool) {
	thread, ok := m.requireOwnedThread(c)
	if !ok {
		return
	}
	messageID, err := parseID(c.Param("messageID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	message, err := m.service.SetPinned(c.Request.Context(), thread.ID, messageID, pinned)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update message"})
		return
	}
	c.JSON(http.StatusOK, message)
}

func (m *Module) handleSummarize(c *gin.Context) {
	thread, ok := m.requireOwnedThread(c)
	if !ok {
		return
	}
	summary, err := m.service.Summarizer().Summarize(c.Request.Context(), thread.ID)
	if err != nil {
		log.Printf("chat: summarize thread %d failed: %v", thread.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "summarization failed", "code": "SUMMARIZATION_FAILED"})
		return
	}
	if summary == nil {
		c.JSON(http.StatusOK, gin.H{"summary": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

func wantsEventStream(c *gin.Context) bool {
	if strings.Contains(strings.ToLower(c.GetHeader("Accept")), "text/event-stream") {
		return true
	}
	stream := strings.ToLower(strings.TrimSpace(c.Query("stream")))
	return stream == "1" || stream == "true"
}

// requireBrandAccess resolves :brandID and checks ownership against the
// brands table directly.
func (m *Module) requireBrandAccess(c *gin.Context) (uint64, uint64, bool) {
	brandID, err := parseID(c.Param("brandID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid brand id"})
		return 0, 0, false
	}

	userID, ok := authorization.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return 0, 0, false
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
			return 0, 0, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load brand"})
		return 0, 0, false
	}
	if result.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "brand access denied", "code": "OWNERSHIP_VIOLATION"})
		return 0, 0, false
	}
	return brandID, userID, true
}

// requireOwnedThread resolves :threadID within the brand and verifies both
// brand and thread ownership.
func (m *Module) requireOwnedThread(c *gin.Context) (*ChatThread, bool) {
	brandID, userID, ok := m.requireBrandAccess(c)
	if !ok {
		return nil, false
	}
	threadID, err := parseID(c.Param("threadID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread id"})
		return nil, false
	}

	thread, err := m.service.GetThread(c.Request.Context(), threadID)
	if err != nil {
		if errors.Is(err, ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return nil, false
	}
	if thread.BrandID != brandID || thread.OwnerID != userID {
		log.Printf("chat: thread access denied: %v", ErrThreadOwnership)
		c.JSON(http.StatusForbidden, gin.H{"error": "thread access denied", "code": "OWNERSHIP_VIOLATION"})
		return nil, false
	}
	return thread, true
}

func parseID(raw string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
}
