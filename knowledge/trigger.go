package knowledge

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const triggerTimeout = 10 * time.Second

// SecretHeader carries the shared secret on processing webhook calls.
const SecretHeader = "X-Processor-Secret"

// ProcessTrigger fires the asynchronous document-processing webhook after an
// upload. Calls are fire-and-forget: the uploading request has already
// committed its writes, so a webhook failure is logged and never rolled back.
type ProcessTrigger struct {
	httpClient *http.Client
	url        string
	secret     string
}

type triggerPayload struct {
	BrandID    uint64 `json:"brand_id"`
	DocumentID uint64 `json:"document_id"`
	RequestID  string `json:"request_id"`
}

// NewProcessTriggerFromEnv reads PROCESSOR_WEBHOOK_URL and
// PROCESSOR_WEBHOOK_SECRET. An empty URL disables the trigger, in which case
// documents wait for an explicit processing call.
func NewProcessTriggerFromEnv() *ProcessTrigger {
	url := strings.TrimSpace(os.Getenv("PROCESSOR_WEBHOOK_URL"))
	secret := strings.TrimSpace(os.Getenv("PROCESSOR_WEBHOOK_SECRET"))
	if url == "" {
		return nil
	}
	return &ProcessTrigger{
		httpClient: &http.Client{Timeout: triggerTimeout},
		url:        url,
		secret:     secret,
	}
}

// Fire posts the processing request in the background, bounded by the
// trigger timeout. Safe to call on a nil trigger.
func (t *ProcessTrigger) Fire(brandID, docID uint64) {
	if t == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()

		payload := triggerPayload{
			BrandID:    brandID,
			DocumentID: docID,
			RequestID:  uuid.NewString(),
		}
		body := &bytes.Buffer{}
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			log.Printf("knowledge: encode trigger payload: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, body)
		if err != nil {
			log.Printf("knowledge: create trigger request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if t.secret != "" {
			req.Header.Set(SecretHeader, t.secret)
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			log.Printf("knowledge: processing trigger for document %d failed: %v", docID, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			log.Printf("knowledge: processing trigger for document %d status %s: %s",
				docID, resp.Status, strings.TrimSpace(string(snippet)))
		}
	}()
}

// VerifyProcessSecret compares the webhook secret header in constant time.
func VerifyProcessSecret(header string) (bool, error) {
	secret := strings.TrimSpace(os.Getenv("PROCESSOR_WEBHOOK_SECRET"))
	if secret == "" {
		return false, fmt.Errorf("knowledge: PROCESSOR_WEBHOOK_SECRET is not configured")
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(header)), []byte(secret)) == 1, nil
}
