package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/adrielmoraes/consult"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
)

func TestSplitMessages(t *testing.T) {
	system, history, last := splitMessages([]consult.Message{
		{Role: consult.RoleSystem, Content: "You are a Neurologist."},
		{Role: consult.RoleSystem, Content: "Answer in JSON."},
		{Role: consult.RoleUser, Content: "first"},
		{Role: consult.RoleAssistant, Content: "reply"},
		{Role: consult.RoleUser, Content: "exam"},
	})

	if system != "You are a Neurologist.\n\nAnswer in JSON." {
		t.Errorf("unexpected system instruction %q", system)
	}
	if len(history) != 2 || history[1].Role != "model" {
		t.Errorf("expected user/model history, got %+v", history)
	}
	if last == nil || last.Role != "user" || last.Parts[0] != genai.Text("exam") {
		t.Errorf("unexpected last message %+v", last)
	}

	if _, _, last := splitMessages([]consult.Message{{Role: consult.RoleSystem, Content: "x"}}); last != nil {
		t.Error("expected no user message")
	}
}

func TestFirstTextAndUsage(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"priority":`), genai.Text(`"urgent"}`)}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 40, CandidatesTokenCount: 8, TotalTokenCount: 48},
	}

	if got := firstText(resp); got != `{"priority":"urgent"}` {
		t.Errorf("unexpected text %q", got)
	}
	if u := usageOf(resp); u.Prompt != 40 || u.Completion != 8 || u.Total != 48 {
		t.Errorf("unexpected usage %+v", u)
	}

	if firstText(&genai.GenerateContentResponse{}) != "" {
		t.Error("expected empty text without candidates")
	}
	if u := usageOf(&genai.GenerateContentResponse{}); u.Total != 0 {
		t.Errorf("expected zero usage, got %+v", u)
	}
}

const invalidKeyMessage = "API key not valid. Please pass a valid API key."

// invalidKeyBody is what the Gemini REST API returns for a wrong key.
const invalidKeyBody = `{
  "error": {
    "code": 400,
    "message": "API key not valid. Please pass a valid API key.",
    "status": "INVALID_ARGUMENT",
    "details": [
      {
        "@type": "type.googleapis.com/google.rpc.ErrorInfo",
        "reason": "API_KEY_INVALID",
        "domain": "googleapis.com",
        "metadata": {"service": "generativelanguage.googleapis.com"}
      }
    ]
  }
}`

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid key", &googleapi.Error{Code: 400, Message: invalidKeyMessage, Body: invalidKeyBody}, consult.ErrProviderAuth},
		{"invalid key without body", &googleapi.Error{Code: 400, Message: invalidKeyMessage}, consult.ErrProviderAuth},
		{"bad request", &googleapi.Error{Code: 400, Message: "Invalid JSON payload received."}, consult.ErrProviderTransient},
		{"unauthorized", &googleapi.Error{Code: 401}, consult.ErrProviderAuth},
		{"permission", fmt.Errorf("rpc: %w", &googleapi.Error{Code: 403}), consult.ErrProviderAuth},
		{"quota", &googleapi.Error{Code: 429, Message: "quota"}, consult.ErrProviderRateLimit},
		{"unavailable", &googleapi.Error{Code: 503}, consult.ErrProviderTransient},
		{"other", errors.New("connection reset"), consult.ErrProviderTransient},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), context.DeadlineExceeded},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error for empty api key")
	}
}
