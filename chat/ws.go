package chat

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/RomandemAi/emerlya-mvp-sub000/llm"
)

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsGenerateRequest struct {
	Message     string `json:"message"`
	ContentType string `json:"content_type"`
	WordCount   int    `json:"word_count"`
}

type wsFrame struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Code    string          `json:"code,omitempty"`
	Result  *GenerateResult `json:"result,omitempty"`
}

// handleWebSocket runs one generation turn over a WebSocket: the client sends
// a single request frame, receives delta frames while the model streams, and
// a final done frame with the persisted result.
func (m *Module) handleWebSocket(c *gin.Context) {
	thread, ok := m.requireOwnedThread(c)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("chat: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var req wsGenerateRequest
	if err := conn.ReadJSON(&req); err != nil {
		writeWSFrame(conn, wsFrame{Type: "error", Content: "invalid request frame", Code: "BAD_REQUEST"})
		return
	}
	if req.Message == "" {
		writeWSFrame(conn, wsFrame{Type: "error", Content: "message is required", Code: "BAD_REQUEST"})
		return
	}

	onDelta := func(delta llm.ChatStreamDelta) error {
		if delta.Content == "" {
			return nil
		}
		return writeWSFrame(conn, wsFrame{Type: "delta", Content: delta.Content})
	}

	result, err := m.service.Generate(c.Request.Context(), GenerateRequest{
		Thread:      thread,
		UserMessage: req.Message,
		ContentType: req.ContentType,
		WordCount:   req.WordCount,
	}, onDelta)
	if err != nil {
		log.Printf("chat: websocket generate for thread %d failed: %v", thread.ID, err)
		writeWSFrame(conn, wsFrame{Type: "error", Content: "generation failed", Code: "GENERATION_FAILED"})
		return
	}

	writeWSFrame(conn, wsFrame{Type: "done", Result: result})
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func writeWSFrame(conn *websocket.Conn, frame wsFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(frame)
}
