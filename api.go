// Package consult runs a patient's exam data past a roster of specialist
// analyzers concurrently and turns their opinions into one diagnosis.
//
// Every specialist is a typed LLM call behind a composable pipz pipeline
// (per-attempt timeout, transient retry, optional rate limiting and circuit
// breaking). The fan-out coordinator dispatches the whole roster at once and
// always returns one finding per specialist, substituting a fallback finding
// for any call that fails. The aggregator merges the findings into a synthesis,
// the triage classifier assigns an urgency level, and every model call is
// metered into the usage ledger.
//
// Basic usage:
//
//	provider := anthropic.New(anthropic.Config{APIKey: key})
//	ledger := consult.NewLedger(store, consult.DefaultPrices())
//	pipeline, _ := consult.NewPipeline(provider, consult.DefaultRoster(), ledger, consult.PipelineConfig{})
//	result, err := pipeline.Run(ctx, consult.ConsultationContext{PatientID: "p-1", ExamResults: exams})
//	fmt.Println(result.Priority, result.Synthesis)
package consult

import "context"

// Provider defines the interface for model providers.
// Providers accept conversation messages and return responses with usage stats.
type Provider interface {
	// Call sends messages to the model and returns the response with usage stats.
	// Failures should be classified with ClassifyStatus or wrapped in a *ProviderError
	// so the pipeline can tell transient failures from fatal ones.
	Call(ctx context.Context, messages []Message, temperature float32) (*ProviderResponse, error)

	// Name returns the provider identifier (e.g., "openai", "anthropic")
	Name() string
}

// Validator defines the interface for response validation.
// All response types must implement this to ensure model outputs are valid.
type Validator interface {
	Validate() error
}

// TokenUsage contains token counts from a provider response.
type TokenUsage struct {
	Prompt     int // Tokens used by the prompt/messages
	Completion int // Tokens used by the completion/response
	Total      int // Total tokens used
}

// ProviderResponse contains the response from a model provider.
type ProviderResponse struct {
	Content string     // The text response content
	Model   string     // Model identifier that served the call
	Usage   TokenUsage // Token usage statistics, zero when the provider does not report it
}

// Message represents a single message in a conversation.
type Message struct {
	Role    string // RoleUser, RoleAssistant, or RoleSystem
	Content string // The message content
}

// Role constants for message types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Default temperature constants for the call types in a consultation.
const (
	// TemperatureUnset indicates that no temperature has been explicitly set.
	// A zero-value float32 (0.0) is also treated as unset.
	TemperatureUnset float32 = -1

	// TemperatureZero provides an explicitly near-zero temperature for maximum determinism.
	TemperatureZero float32 = 0.0001

	// DefaultTemperatureClassification is used for triage, where the answer
	// must come from a closed vocabulary.
	DefaultTemperatureClassification float32 = 0.1

	// DefaultTemperatureAnalytical is used for specialist opinions.
	DefaultTemperatureAnalytical float32 = 0.2

	// DefaultTemperatureNarrative is used for the synthesis narrative.
	DefaultTemperatureNarrative float32 = 0.3
)

// Feature labels identify the kind of model call in events and usage records.
const (
	FeatureSpecialist = "specialist"
	FeatureSynthesis  = "synthesis"
	FeatureTriage     = "triage"
)

// SynapseRequest flows through the pipz pipeline.
// It contains the prompt, parameters, accounting metadata, and response data.
type SynapseRequest struct {
	// Input fields
	Prompt      *Prompt // The structured prompt to send to the model
	System      string  // Optional system instruction (specialist persona)
	Temperature float32 // Temperature parameter for response generation

	// Metadata fields
	RequestID      string // Unique identifier for this request
	ConsultationID string // Consultation the call belongs to
	PatientID      string // Patient the call is about, copied into usage records
	Feature        string // FeatureSpecialist, FeatureSynthesis, or FeatureTriage
	Subject        string // Specialist id for specialist calls, empty otherwise
	ProviderName   string // Name of the provider being used

	// Output fields (populated by pipeline)
	Response string      // Raw text response from provider
	Model    string      // Model reported by the provider
	Usage    *TokenUsage // Token usage from provider response
	Attempts int         // Number of provider attempts made
}

// FeatureLabel returns the label written to usage records, e.g. "specialist:cardiologist".
func (r *SynapseRequest) FeatureLabel() string {
	if r.Subject == "" {
		return r.Feature
	}
	return r.Feature + ":" + r.Subject
}
