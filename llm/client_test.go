package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(server *httptest.Server, fallback string) *ChatClient {
	return &ChatClient{
		httpClient:      server.Client(),
		baseURL:         server.URL,
		apiKey:          "test-key",
		modelID:         "primary",
		fallbackModelID: fallback,
	}
}

func decodeRequestModel(t *testing.T, r *http.Request) string {
	t.Helper()
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return payload.Model
}

func completionBody(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, content)
}

func TestChatUsesPrimaryModel(t *testing.T) {
	var requestedModels []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedModels = append(requestedModels, decodeRequestModel(t, r))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("primary reply"))
	}))
	defer server.Close()

	client := newTestClient(server, "backup")
	result, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if result.Content != "primary reply" || result.Model != "primary" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(requestedModels) != 1 || requestedModels[0] != "primary" {
		t.Fatalf("unexpected model requests: %v", requestedModels)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 15 {
		t.Fatalf("usage not decoded: %+v", result.Usage)
	}
}

func TestChatFallsBackToSecondaryModel(t *testing.T) {
	var requestedModels []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		model := decodeRequestModel(t, r)
		requestedModels = append(requestedModels, model)
		if model == "primary" {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("backup reply"))
	}))
	defer server.Close()

	client := newTestClient(server, "backup")
	result, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if result.Content != "backup reply" || result.Model != "backup" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(requestedModels) != 2 {
		t.Fatalf("expected primary then fallback, got %v", requestedModels)
	}
}

func TestChatSurfacesErrorWhenBothModelsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body.Close()
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server, "backup")
	if _, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatalf("expected error when both models fail")
	}
}

func TestChatWithExplicitModelSkipsFallback(t *testing.T) {
	var requestedModels []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedModels = append(requestedModels, decodeRequestModel(t, r))
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server, "backup")
	_, err := client.ChatWithOptions(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}},
		ChatOptions{Model: "pinned"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(requestedModels) != 1 || requestedModels[0] != "pinned" {
		t.Fatalf("explicit model must not fall back: %v", requestedModels)
	}
}

func TestChatStreamCollectsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server, "")
	var deltas []string
	result, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}},
		func(delta ChatStreamDelta) error {
			if delta.Content != "" {
				deltas = append(deltas, delta.Content)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Content != "Hello" {
		t.Fatalf("unexpected full content: %q", result.Content)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Fatalf("unexpected deltas: %v", deltas)
	}
}

func TestChatStreamFallsBackBeforeFirstDelta(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		model := decodeRequestModel(t, r)
		if model == "primary" {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server, "backup")
	result, err := client.ChatStream(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Content != "ok" || result.Model != "backup" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSanitizeMessages(t *testing.T) {
	if _, err := sanitizeMessages(nil); err == nil {
		t.Fatalf("expected error for empty messages")
	}
	if _, err := sanitizeMessages([]ChatMessage{{Role: "user", Content: "   "}}); err == nil {
		t.Fatalf("expected error when all contents are blank")
	}

	sanitized, err := sanitizeMessages([]ChatMessage{
		{Role: "", Content: "hello"},
		{Role: "assistant", Content: "  "},
		{Role: "system", Content: "rules"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected blank message dropped, got %d", len(sanitized))
	}
	if sanitized[0].Role != "user" {
		t.Fatalf("empty role should default to user, got %q", sanitized[0].Role)
	}
}
