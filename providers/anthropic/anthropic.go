// Package anthropic adapts the Anthropic Messages API to consult.Provider.
package anthropic

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

const providerName = "anthropic"

// Provider implements consult.Provider for the Anthropic API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey    string
	Model     string        // e.g. "claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"
	BaseURL   string        // Optional, defaults to "https://api.anthropic.com"
	MaxTokens int           // Optional, defaults to 4096
	Timeout   time.Duration // Optional, defaults to 30s
}

// New creates a new Anthropic provider.
func New(config Config) *Provider {
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.anthropic.com"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Provider{
		apiKey:    config.APIKey,
		model:     config.Model,
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		maxTokens: config.MaxTokens,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider identifier.
func (*Provider) Name() string {
	return providerName
}

// Call sends messages to Anthropic and returns the response with usage stats.
// System messages are lifted into the top-level system field.
func (p *Provider) Call(ctx context.Context, messages []consult.Message, temperature float32) (*consult.ProviderResponse, error) {
	var systemParts []string
	apiMessages := make([]message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == consult.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		apiMessages = append(apiMessages, message{Role: msg.Role, Content: msg.Content})
	}

	requestBody := messagesRequest{
		Model:       p.model,
		Messages:    apiMessages,
		MaxTokens:   p.maxTokens,
		Temperature: temperature,
		System:      strings.Join(systemParts, "\n\n"),
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var messagesResp messagesResponse
	if err := json.Unmarshal(body, &messagesResp); err != nil {
		return nil, &consult.ProviderError{
			Provider: providerName,
			Kind:     consult.ErrProviderTransient,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}

	var content strings.Builder
	for _, block := range messagesResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, &consult.ProviderError{
			Provider: providerName,
			Kind:     consult.ErrProviderTransient,
			Message:  "no text content in response",
		}
	}

	model := messagesResp.Model
	if model == "" {
		model = p.model
	}
	return &consult.ProviderResponse{
		Content: content.String(),
		Model:   model,
		Usage: consult.TokenUsage{
			Prompt:     messagesResp.Usage.InputTokens,
			Completion: messagesResp.Usage.OutputTokens,
			Total:      messagesResp.Usage.InputTokens + messagesResp.Usage.OutputTokens,
		},
	}, nil
}

func statusError(status int, body []byte) error {
	var errorResp errorResponse
	msg := fmt.Sprintf("status %d", status)
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		msg = errorResp.Error.Message
	}
	err := consult.ClassifyStatus(providerName, status, msg)
	if perr, ok := err.(*consult.ProviderError); ok {
		perr.Type = errorResp.Error.Type
	}
	return err
}

// Request/Response types for Anthropic API

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
