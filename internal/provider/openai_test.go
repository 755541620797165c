package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("unexpected model %q", req.Model)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "An answer."}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 5*time.Second)
	res, err := c.Generate(context.Background(), "What is X?", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "An answer." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.InputTokens != 12 || res.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", res.InputTokens, res.OutputTokens)
	}
}

func TestOpenAIGenerateNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 5*time.Second)
	_, err := c.Generate(context.Background(), "q", "gpt-4o-mini")
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *provider.Error", err)
	}
	if provErr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", provErr.Status)
	}
	if !strings.Contains(provErr.Body, "rate limited") {
		t.Errorf("Body = %q, missing response body", provErr.Body)
	}
}

func TestErrorBodyTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	c := NewOpenAI("test-key", srv.URL, 5*time.Second)
	_, err := c.Generate(context.Background(), "q", "gpt-4o-mini")
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *provider.Error", err)
	}
	if len(provErr.Body) > maxErrorBody {
		t.Errorf("Body length %d exceeds cap %d", len(provErr.Body), maxErrorBody)
	}
}

func TestMockGenerateIsEmptyAndOffline(t *testing.T) {
	res, err := NewMock().Generate(context.Background(), "any prompt", "mock")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "" || res.InputTokens != 0 || res.OutputTokens != 0 {
		t.Errorf("mock result not empty: %+v", res)
	}
}
