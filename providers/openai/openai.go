// Package openai adapts the OpenAI chat completions API, and compatible
// endpoints, to consult.Provider.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adrielmoraes/consult"
)

// Provider implements consult.Provider for the OpenAI API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	name       string
}

// Config holds configuration for the OpenAI provider.
type Config struct {
	APIKey  string
	Model   string        // e.g. "gpt-4o", "gpt-4o-mini"
	BaseURL string        // Optional, defaults to "https://api.openai.com/v1"
	Name    string        // Optional, defaults to "openai"; set for compatible gateways
	Timeout time.Duration // Optional, defaults to 30s
}

// New creates a new OpenAI provider.
func New(config Config) *Provider {
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Name == "" {
		config.Name = "openai"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Provider{
		apiKey:  config.APIKey,
		model:   config.Model,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		name:    config.Name,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Call sends messages to OpenAI and returns the response with usage stats.
// JSON mode is always enabled.
func (p *Provider) Call(ctx context.Context, messages []consult.Message, temperature float32) (*consult.ProviderResponse, error) {
	apiMessages := make([]message, len(messages))
	for i, msg := range messages {
		apiMessages[i] = message{Role: msg.Role, Content: msg.Content}
	}

	requestBody := chatCompletionRequest{
		Model:          p.model,
		Messages:       apiMessages,
		Temperature:    temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp.StatusCode, body)
	}

	var completionResp chatCompletionResponse
	if err := json.Unmarshal(body, &completionResp); err != nil {
		return nil, &consult.ProviderError{
			Provider: p.name,
			Kind:     consult.ErrProviderTransient,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}
	if len(completionResp.Choices) == 0 {
		return nil, &consult.ProviderError{
			Provider: p.name,
			Kind:     consult.ErrProviderTransient,
			Message:  "no response choices returned",
		}
	}

	model := completionResp.Model
	if model == "" {
		model = p.model
	}
	return &consult.ProviderResponse{
		Content: completionResp.Choices[0].Message.Content,
		Model:   model,
		Usage: consult.TokenUsage{
			Prompt:     completionResp.Usage.PromptTokens,
			Completion: completionResp.Usage.CompletionTokens,
			Total:      completionResp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) statusError(status int, body []byte) error {
	var errorResp errorResponse
	msg := fmt.Sprintf("status %d", status)
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		msg = errorResp.Error.Message
	}
	err := consult.ClassifyStatus(p.name, status, msg)
	if perr, ok := err.(*consult.ProviderError); ok {
		perr.Type = errorResp.Error.Type
	}
	return err
}

// Request/Response types for OpenAI API

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
