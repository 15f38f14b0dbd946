package consult

import (
	"context"
	"fmt"
	"strings"
)

// MockModel is the model name reported by mock providers.
const MockModel = "mock-model"

// MockProvider simulates model behavior for testing.
// It returns deterministic, well-formed responses based on prompt patterns.
type MockProvider struct {
	name      string
	available bool
}

// NewMockProvider creates a new mock provider for testing.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:      "mock",
		available: true,
	}
}

// NewMockProviderWithName creates a new mock provider with a specific name.
func NewMockProviderWithName(name string) *MockProvider {
	return &MockProvider{
		name:      name,
		available: true,
	}
}

// Call simulates a model call with deterministic responses.
func (m *MockProvider) Call(_ context.Context, messages []Message, _ float32) (*ProviderResponse, error) {
	if !m.available {
		return nil, &ProviderError{Provider: m.name, Kind: ErrProviderTransient, Message: "provider unavailable"}
	}
	return &ProviderResponse{
		Content: m.generateResponse(lastUserMessage(messages)),
		Model:   MockModel,
	}, nil
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	return m.name
}

// SetAvailable sets the availability status (for testing failures).
func (m *MockProvider) SetAvailable(available bool) {
	m.available = available
}

// generateResponse creates a response based on prompt patterns.
func (*MockProvider) generateResponse(prompt string) string {
	switch {
	case strings.Contains(prompt, "Categories:"):
		return `{"priority": "normal", "reasoning": "Mock triage: no red flags"}`
	case strings.Contains(prompt, "Specialist findings:"):
		return `{"synthesis": "Mock synthesis of specialist findings", "suggestions": ["Routine follow-up"]}`
	case strings.Contains(prompt, "Return JSON:"):
		return `{"findings": "Mock analysis: no significant abnormality", "clinicalAssessment": "normal", "recommendations": "Routine follow-up"}`
	default:
		return "Mock response"
	}
}

// lastUserMessage returns the content of the final user message.
func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// systemMessage returns the content of the system message, if any.
func systemMessage(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// NewMockProviderWithResponse creates a mock that always returns a specific response.
func NewMockProviderWithResponse(response string) Provider {
	return &mockProviderFixed{response: response}
}

// NewMockProviderWithCallback creates a mock that calls a function to generate responses.
// The callback receives the system instruction and the rendered prompt.
func NewMockProviderWithCallback(callback func(system, prompt string) (string, error)) Provider {
	return &mockProviderCallback{callback: callback}
}

// NewMockProviderWithError creates a mock that always fails with err.
func NewMockProviderWithError(err error) Provider {
	return &mockProviderCallback{callback: func(_, _ string) (string, error) {
		return "", err
	}}
}

// mockProviderFixed always returns a fixed response.
type mockProviderFixed struct {
	response string
}

func (m *mockProviderFixed) Call(_ context.Context, _ []Message, _ float32) (*ProviderResponse, error) {
	return &ProviderResponse{Content: m.response, Model: MockModel}, nil
}

func (*mockProviderFixed) Name() string {
	return "mock-fixed"
}

// mockProviderCallback uses a callback to generate responses.
type mockProviderCallback struct {
	callback func(system, prompt string) (string, error)
}

func (m *mockProviderCallback) Call(_ context.Context, messages []Message, _ float32) (*ProviderResponse, error) {
	content, err := m.callback(systemMessage(messages), lastUserMessage(messages))
	if err != nil {
		return nil, fmt.Errorf("mock callback: %w", err)
	}
	return &ProviderResponse{Content: content, Model: MockModel}, nil
}

func (*mockProviderCallback) Name() string {
	return "mock-callback"
}
