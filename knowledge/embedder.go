package knowledge

import (
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

// Embedder turns text into fixed-dimension vectors via a remote endpoint.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbeddingError wraps any transport or provider failure from the embedding
// endpoint. The embedder performs no retries itself; retry policy belongs to
// the caller.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return "knowledge: embedding failed: " + e.Err.Error()
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

type httpEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	maxBatch   int
	expectDim  int
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewHTTPEmbedderFromEnv builds an Embedder against an OpenAI compatible
// embeddings endpoint. EMBEDDING_API_KEY falls back to LLM_API_KEY, and
// EMBEDDING_BASE_URL to LLM_BASE_URL, so a single provider can serve both.
func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("knowledge: embedding API key is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL_ID"))
	if modelID == "" {
		modelID = "text-embedding-3-small"
	}

	maxBatch := 16
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_MAX_BATCH")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxBatch = parsed
		}
	}

	expectDim := 0
	if raw := strings.TrimSpace(os.Getenv("EMBEDDING_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			expectDim = parsed
		}
	}

	return &httpEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		maxBatch:   maxBatch,
		expectDim:  expectDim,
	}, nil
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, &EmbeddingError{Err: errors.New("embedder is not configured")}
	}
	sanitized := make([]string, 0, len(inputs))
	for _, item := range inputs {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		sanitized = append(sanitized, trimmed)
	}
	if len(sanitized) == 0 {
		return nil, nil
	}

	maxBatch := e.maxBatch
	if maxBatch <= 0 {
		maxBatch = 16
	}

	var results [][]float32
	for start := 0; start < len(sanitized); start += maxBatch {
		end := start + maxBatch
		if end > len(sanitized) {
			end = len(sanitized)
		}
		batchVectors, err := e.embedBatch(ctx, sanitized[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batchVectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(embeddingRequest{Model: e.modelID, Input: batch}); err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", body)
	if err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &EmbeddingError{Err: fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))}
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &EmbeddingError{Err: fmt.Errorf("decode response: %w", err)}
	}

	if len(decoded.Data) != len(batch) {
		return nil, &EmbeddingError{Err: fmt.Errorf("response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))}
	}

	vectors := make([][]float32, len(decoded.Data))
	for i, item := range decoded.Data {
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.expectDim > 0 && len(vector) != e.expectDim {
			return nil, &EmbeddingError{Err: fmt.Errorf("vector length %d does not match expected %d", len(vector), e.expectDim)}
		}
		vectors[i] = vector
	}

	return vectors, nil
}
