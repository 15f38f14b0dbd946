// Package gemini adapts Google Gemini, through the generative-ai-go SDK, to
// consult.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/adrielmoraes/consult"
	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const providerName = "gemini"

// Provider implements consult.Provider for the Gemini API.
// It holds one SDK client for its lifetime; call Close when done.
type Provider struct {
	client *genai.Client
	model  string
}

// Config holds configuration for the Gemini provider.
type Config struct {
	APIKey  string
	Model   string                // e.g. "gemini-1.5-flash", "gemini-1.5-pro"
	Options []option.ClientOption // Extra client options, e.g. option.WithEndpoint
}

// New creates a new Gemini provider.
func New(ctx context.Context, config Config) (*Provider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("gemini: api key is empty")
	}
	if config.Model == "" {
		config.Model = "gemini-1.5-flash"
	}

	opts := append([]option.ClientOption{option.WithAPIKey(config.APIKey)}, config.Options...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: config.Model}, nil
}

// Name returns the provider identifier.
func (*Provider) Name() string {
	return providerName
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Call sends messages to Gemini and returns the response with usage stats.
// System messages become the system instruction; earlier turns are replayed
// as chat history.
func (p *Provider) Call(ctx context.Context, messages []consult.Message, temperature float32) (*consult.ProviderResponse, error) {
	system, history, last := splitMessages(messages)
	if last == nil {
		return nil, errors.New("gemini: no user message")
	}

	m := p.client.GenerativeModel(p.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	}
	if system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := m.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, classify(err)
	}

	text := firstText(resp)
	if text == "" {
		return nil, &consult.ProviderError{
			Provider: providerName,
			Kind:     consult.ErrProviderTransient,
			Message:  "empty response",
		}
	}
	return &consult.ProviderResponse{
		Content: text,
		Model:   p.model,
		Usage:   usageOf(resp),
	}, nil
}

func splitMessages(messages []consult.Message) (string, []*genai.Content, *genai.Content) {
	var systemParts []string
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case consult.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case consult.RoleAssistant:
			// Gemini uses "model" instead of "assistant".
			contents = append(contents, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(contents) == 0 {
		return strings.Join(systemParts, "\n\n"), nil, nil
	}
	return strings.Join(systemParts, "\n\n"), contents[:len(contents)-1], contents[len(contents)-1]
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String())
}

func usageOf(resp *genai.GenerateContentResponse) consult.TokenUsage {
	if resp == nil || resp.UsageMetadata == nil {
		return consult.TokenUsage{}
	}
	u := resp.UsageMetadata
	return consult.TokenUsage{
		Prompt:     int(u.PromptTokenCount),
		Completion: int(u.CandidatesTokenCount),
		Total:      int(u.TotalTokenCount),
	}
}

// classify maps SDK errors onto the consult failure classes.
// Context errors pass through untouched.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if invalidKey(gerr) {
			return &consult.ProviderError{
				Provider:   providerName,
				StatusCode: gerr.Code,
				Kind:       consult.ErrProviderAuth,
				Message:    gerr.Message,
			}
		}
		return consult.ClassifyStatus(providerName, gerr.Code, gerr.Message)
	}
	return &consult.ProviderError{
		Provider: providerName,
		Kind:     consult.ErrProviderTransient,
		Message:  err.Error(),
	}
}

// invalidKey reports whether gerr is Gemini's rejection of the API key,
// which arrives as a 400 rather than a 401.
func invalidKey(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusBadRequest {
		return false
	}
	if ae, ok := apierror.ParseError(gerr, false); ok && ae.Reason() == "API_KEY_INVALID" {
		return true
	}
	return strings.Contains(gerr.Message, "API key not valid")
}
