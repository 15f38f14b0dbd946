// Package azure adapts Azure OpenAI Service deployments to consult.Provider.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adrielmoraes/consult"
)

const providerName = "azure"

// Provider implements consult.Provider for Azure OpenAI Service.
type Provider struct {
	endpoint   string
	apiKey     string
	deployment string
	apiVersion string
	httpClient *http.Client
}

// Config holds configuration for the Azure provider.
type Config struct {
	Endpoint   string        // Your Azure OpenAI endpoint (https://{your-resource}.openai.azure.com)
	APIKey     string        // Your Azure API key
	Deployment string        // Your deployment name
	APIVersion string        // API version, defaults to "2024-06-01"
	Timeout    time.Duration // Optional, defaults to 30s
}

// New creates a new Azure OpenAI provider.
func New(config Config) *Provider {
	if config.APIVersion == "" {
		config.APIVersion = "2024-06-01"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Provider{
		endpoint:   strings.TrimRight(config.Endpoint, "/"),
		apiKey:     config.APIKey,
		deployment: config.Deployment,
		apiVersion: config.APIVersion,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider identifier.
func (*Provider) Name() string {
	return providerName
}

// Call sends messages to the deployment and returns the response with usage stats.
// The model reported is the one behind the deployment, so usage is priced by model.
func (p *Provider) Call(ctx context.Context, messages []consult.Message, temperature float32) (*consult.ProviderResponse, error) {
	apiMessages := make([]message, len(messages))
	for i, msg := range messages {
		apiMessages[i] = message{Role: msg.Role, Content: msg.Content}
	}

	requestBody := chatCompletionRequest{
		Messages:       apiMessages,
		Temperature:    temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, url.PathEscape(p.deployment), url.QueryEscape(p.apiVersion))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var completionResp chatCompletionResponse
	if err := json.Unmarshal(body, &completionResp); err != nil {
		return nil, &consult.ProviderError{
			Provider: providerName,
			Kind:     consult.ErrProviderTransient,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}
	if len(completionResp.Choices) == 0 {
		// Azure answers a content-filtered prompt with no choices.
		return nil, &consult.ProviderError{
			Provider: providerName,
			Kind:     consult.ErrProviderTransient,
			Message:  "no response choices returned",
		}
	}

	model := completionResp.Model
	if model == "" {
		model = p.deployment
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

func statusError(status int, body []byte) error {
	var errorResp errorResponse
	msg := fmt.Sprintf("status %d", status)
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		msg = errorResp.Error.Message
	}
	err := consult.ClassifyStatus(providerName, status, msg)
	if perr, ok := err.(*consult.ProviderError); ok {
		perr.Type = errorResp.Error.Code
	}
	return err
}

// Request/Response types (compatible with OpenAI)

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
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
