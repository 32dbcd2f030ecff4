package knowledge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyProcessSecret(t *testing.T) {
	t.Setenv("PROCESSOR_WEBHOOK_SECRET", "s3cret")

	ok, err := VerifyProcessSecret("s3cret")
	if err != nil || !ok {
		t.Fatalf("matching secret rejected: ok=%v err=%v", ok, err)
	}
	ok, err = VerifyProcessSecret("wrong")
	if err != nil || ok {
		t.Fatalf("mismatched secret accepted: ok=%v err=%v", ok, err)
	}
}

func TestVerifyProcessSecretUnconfigured(t *testing.T) {
	t.Setenv("PROCESSOR_WEBHOOK_SECRET", "")
	if _, err := VerifyProcessSecret("anything"); err == nil {
		t.Fatalf("expected error when secret is not configured")
	}
}

func TestFirePostsPayloadWithSecret(t *testing.T) {
	received := make(chan triggerPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(SecretHeader); got != "s3cret" {
			t.Errorf("unexpected secret header %q", got)
		}
		var payload triggerPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	trigger := &ProcessTrigger{
		httpClient: server.Client(),
		url:        server.URL,
		secret:     "s3cret",
	}
	trigger.Fire(7, 42)

	select {
	case payload := <-received:
		if payload.BrandID != 7 || payload.DocumentID != 42 {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		if payload.RequestID == "" {
			t.Fatalf("request_id must be set")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("webhook was never called")
	}
}

func TestFireOnNilTriggerIsNoOp(t *testing.T) {
	var trigger *ProcessTrigger
	trigger.Fire(1, 2)
}

func TestNewProcessTriggerFromEnvDisabledWithoutURL(t *testing.T) {
	t.Setenv("PROCESSOR_WEBHOOK_URL", "")
	if trigger := NewProcessTriggerFromEnv(); trigger != nil {
		t.Fatalf("expected nil trigger when URL is unset")
	}
}
