package azure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adrielmoraes/consult"
)

func TestProviderCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("Expected api-key header, got %s", r.Header.Get("api-key"))
		}
		if r.URL.Path != "/openai/deployments/test-deployment/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != "2024-06-01" {
			t.Errorf("expected default api version, got %s", got)
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != consult.RoleSystem {
			t.Errorf("expected system and user messages, got %+v", req.Messages)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected JSON mode, got %+v", req.ResponseFormat)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletionResponse{
			ID:    "test-id",
			Model: "gpt-4o-mini",
			Choices: []choice{{
				Message:      message{Role: "assistant", Content: `{"synthesis":"ok","suggestions":[]}`},
				FinishReason: "stop",
			}},
			Usage: usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
		})
	}))
	defer server.Close()

	provider := New(Config{
		Endpoint:   server.URL + "/",
		APIKey:     "test-key",
		Deployment: "test-deployment",
	})

	resp, err := provider.Call(context.Background(), []consult.Message{
		{Role: consult.RoleSystem, Content: "persona"},
		{Role: consult.RoleUser, Content: "synthesize"},
	}, 0.3)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if resp.Model != "gpt-4o-mini" || resp.Usage.Prompt != 12 || resp.Usage.Completion != 8 {
		t.Errorf("unexpected response %+v", resp)
	}
	if provider.Name() != "azure" {
		t.Errorf("expected name azure, got %s", provider.Name())
	}
}

func TestProviderCallErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		kind     error
		wantCode string
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"code":"429","message":"Rate limit is exceeded"}}`, consult.ErrProviderRateLimit, "429"},
		{"auth", http.StatusUnauthorized, `{"error":{"code":"401","message":"Access denied"}}`, consult.ErrProviderAuth, "401"},
		{"content filter", http.StatusBadRequest, `{"error":{"code":"content_filter","message":"filtered"}}`, consult.ErrProviderTransient, "content_filter"},
		{"no body", http.StatusServiceUnavailable, ``, consult.ErrProviderTransient, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := New(Config{Endpoint: server.URL, APIKey: "k", Deployment: "d"})
			_, err := provider.Call(context.Background(), []consult.Message{{Role: consult.RoleUser, Content: "x"}}, 0)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			var perr *consult.ProviderError
			if !errors.As(err, &perr) || perr.StatusCode != tt.status || perr.Type != tt.wantCode {
				t.Errorf("unexpected provider error %#v", err)
			}
		})
	}
}

func TestProviderCallNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer server.Close()

	provider := New(Config{Endpoint: server.URL, APIKey: "k", Deployment: "d"})
	_, err := provider.Call(context.Background(), []consult.Message{{Role: consult.RoleUser, Content: "x"}}, 0)
	if !errors.Is(err, consult.ErrProviderTransient) {
		t.Errorf("expected transient error, got %v", err)
	}
}
