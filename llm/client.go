package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL         = "https://api.openai.com/v1"
	defaultModelID         = "gpt-4o"
	defaultFallbackModelID = "gpt-4o-mini"
)

// ChatClient wraps the HTTP calls to an OpenAI compatible chat completions API.
// Every request is attempted against the primary model first; on transport or
// provider failure the same request is retried once against the fallback model
// before the error is surfaced.
type ChatClient struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	modelID         string
	fallbackModelID string
}

// Completer is the completion surface consumed by the extraction and chat
// services. ChatClient satisfies it; tests substitute fakes.
type Completer interface {
	Chat(ctx context.Context, messages []ChatMessage) (ChatResult, error)
	ChatWithOptions(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatResult, error)
}

// NewChatClientFromEnv constructs a ChatClient using environment variables.
//
// Expected variables:
//   - LLM_API_KEY: required API key for the provider
//   - LLM_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - LLM_MODEL_ID: optional override for the primary model (defaults to defaultModelID)
//   - LLM_FALLBACK_MODEL_ID: optional secondary model tried when the primary fails
func NewChatClientFromEnv() (*ChatClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("llm: LLM_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("llm: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	fallbackModelID := strings.TrimSpace(os.Getenv("LLM_FALLBACK_MODEL_ID"))
	if fallbackModelID == "" {
		fallbackModelID = defaultFallbackModelID
	}
	if fallbackModelID == modelID {
		fallbackModelID = ""
	}

	timeout := 60 * time.Second
	if raw := strings.TrimSpace(os.Getenv("LLM_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}

	return &ChatClient{
		httpClient:      &http.Client{Timeout: timeout},
		baseURL:         baseURL,
		apiKey:          apiKey,
		modelID:         modelID,
		fallbackModelID: fallbackModelID,
	}, nil
}

// ChatMessage represents a single turn in a chat conversation payload.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatOptions carries per-request overrides for the completion call. When
// Model is set the fallback chain is skipped and only that model is tried.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

// chatCompletionMessage matches the API payload structure for messages.
type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest represents the request body sent to the model.
type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Stream      bool                    `json:"stream"`
	Temperature *float64                `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Messages    []chatCompletionMessage `json:"messages"`
}

// chatCompletionUsage captures token accounting returned by the API.
type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatCompletionResponse captures the subset of fields we consume.
type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

type ChatStreamDelta struct {
	Content      string
	FullContent  string
	FinishReason string
	Done         bool
}

// chatStreamChunk mirrors the streaming delta payload from the provider.
type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

// ChatUsage captures token usage metrics returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult represents the content, usage, and serving model for a completion.
type ChatResult struct {
	Content string
	Model   string
	Usage   *ChatUsage
}

// Chat sends the provided messages to the primary model and returns the first
// assistant reply, falling back to the secondary model on failure.
func (c *ChatClient) Chat(ctx context.Context, messages []ChatMessage) (ChatResult, error) {
	return c.ChatWithOptions(ctx, messages, ChatOptions{})
}

// ChatWithOptions behaves like Chat with per-request overrides applied.
func (c *ChatClient) ChatWithOptions(ctx context.Context, messages []ChatMessage, opts ChatOptions) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("llm: client is nil")
	}
	sanitized, err := sanitizeMessages(messages)
	if err != nil {
		return ChatResult{}, err
	}

	if model := strings.TrimSpace(opts.Model); model != "" {
		return c.chatOnce(ctx, model, sanitized, opts)
	}

	result, primaryErr := c.chatOnce(ctx, c.modelID, sanitized, opts)
	if primaryErr == nil {
		return result, nil
	}
	if c.fallbackModelID == "" || ctx.Err() != nil {
		return ChatResult{}, primaryErr
	}
	result, fallbackErr := c.chatOnce(ctx, c.fallbackModelID, sanitized, opts)
	if fallbackErr != nil {
		return ChatResult{}, fmt.Errorf("llm: primary model %s failed (%v); fallback %s failed: %w",
			c.modelID, primaryErr, c.fallbackModelID, fallbackErr)
	}
	return result, nil
}

func (c *ChatClient) chatOnce(ctx context.Context, model string, messages []chatCompletionMessage, opts ChatOptions) (ChatResult, error) {
	payload := chatCompletionRequest{
		Model:       model,
		Stream:      false,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Messages:    messages,
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return ChatResult{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ChatResult{}, fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResult{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResult{}, errors.New("llm: response contains no choices")
	}

	return ChatResult{
		Content: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Model:   model,
		Usage:   convertUsage(decoded.Usage),
	}, nil
}

// ChatStream sends the provided messages with streaming enabled and invokes
// handler for each delta. The model fallback applies only while no delta has
// been delivered yet; once streaming started the error is surfaced as-is.
func (c *ChatClient) ChatStream(ctx context.Context, messages []ChatMessage, handler func(ChatStreamDelta) error) (ChatResult, error) {
	if c == nil {
		return ChatResult{}, errors.New("llm: client is nil")
	}
	sanitized, err := sanitizeMessages(messages)
	if err != nil {
		return ChatResult{}, err
	}

	delivered := false
	wrapped := func(delta ChatStreamDelta) error {
		delivered = true
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	result, primaryErr := c.streamOnce(ctx, c.modelID, sanitized, wrapped)
	if primaryErr == nil {
		return result, nil
	}
	if delivered || c.fallbackModelID == "" || ctx.Err() != nil {
		return ChatResult{}, primaryErr
	}
	result, fallbackErr := c.streamOnce(ctx, c.fallbackModelID, sanitized, wrapped)
	if fallbackErr != nil {
		return ChatResult{}, fmt.Errorf("llm: primary model %s failed (%v); fallback %s failed: %w",
			c.modelID, primaryErr, c.fallbackModelID, fallbackErr)
	}
	return result, nil
}

func (c *ChatClient) streamOnce(ctx context.Context, model string, messages []chatCompletionMessage, handler func(ChatStreamDelta) error) (ChatResult, error) {
	payload := chatCompletionRequest{
		Model:    model,
		Stream:   true,
		Messages: messages,
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return ChatResult{}, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("llm: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return ChatResult{}, fmt.Errorf("llm: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		var decoded chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return ChatResult{}, fmt.Errorf("llm: decode response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return ChatResult{}, errors.New("llm: response contains no choices")
		}
		full := strings.TrimSpace(decoded.Choices[0].Message.Content)
		if full != "" {
			if err := handler(ChatStreamDelta{Content: full, FullContent: full}); err != nil {
				return ChatResult{}, err
			}
		}
		if err := handler(ChatStreamDelta{FullContent: full, Done: true}); err != nil {
			return ChatResult{}, err
		}
		return ChatResult{Content: full, Model: model, Usage: convertUsage(decoded.Usage)}, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var builder strings.Builder
	var usage *chatCompletionUsage

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			if err := handler(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
				return ChatResult{}, err
			}
			return ChatResult{Content: builder.String(), Model: model, Usage: convertUsage(usage)}, nil
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			deltaText := choice.Delta.Content
			if deltaText != "" {
				builder.WriteString(deltaText)
				if err := handler(ChatStreamDelta{
					Content:      deltaText,
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return ChatResult{}, err
				}
			}
			if deltaText == "" && choice.FinishReason != "" {
				if err := handler(ChatStreamDelta{
					FullContent:  builder.String(),
					FinishReason: choice.FinishReason,
				}); err != nil {
					return ChatResult{}, err
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return ChatResult{}, fmt.Errorf("llm: read stream: %w", err)
	}

	if err := handler(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{Content: builder.String(), Model: model, Usage: convertUsage(usage)}, nil
}

func sanitizeMessages(messages []ChatMessage) ([]chatCompletionMessage, error) {
	if len(messages) == 0 {
		return nil, errors.New("llm: messages cannot be empty")
	}
	sanitized := make([]chatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		sanitized = append(sanitized, chatCompletionMessage{Role: role, Content: content})
	}
	if len(sanitized) == 0 {
		return nil, errors.New("llm: messages contain no content")
	}
	return sanitized, nil
}

func convertUsage(raw *chatCompletionUsage) *ChatUsage {
	if raw == nil {
		return nil
	}
	return &ChatUsage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}
