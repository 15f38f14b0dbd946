package consult

import "github.com/zoobzio/capitan"

// Signals for hook events.
var (
	RequestStarted        = capitan.NewSignal("llm.request.started", "")
	RequestCompleted      = capitan.NewSignal("llm.request.completed", "")
	RequestFailed         = capitan.NewSignal("llm.request.failed", "")
	RequestRetried        = capitan.NewSignal("llm.request.retried", "")
	ProviderCallStarted   = capitan.NewSignal("llm.provider.call.started", "")
	ProviderCallCompleted = capitan.NewSignal("llm.provider.call.completed", "")
	ProviderCallFailed    = capitan.NewSignal("llm.provider.call.failed", "")
	ResponseParseFailed   = capitan.NewSignal("llm.response.failed", "")

	ConsultationStarted   = capitan.NewSignal("consult.started", "")
	ConsultationCompleted = capitan.NewSignal("consult.completed", "")
	ConsultationFailed    = capitan.NewSignal("consult.failed", "")

	SpecialistCompleted = capitan.NewSignal("consult.specialist.completed", "")
	SpecialistFallback  = capitan.NewSignal("consult.specialist.fallback", "")
	FanOutCompleted     = capitan.NewSignal("consult.fanout.completed", "")

	SynthesisCompleted = capitan.NewSignal("consult.synthesis.completed", "")
	SynthesisDegraded  = capitan.NewSignal("consult.synthesis.degraded", "")

	TriageCompleted  = capitan.NewSignal("consult.triage.classified", "")
	TriageDefaulted  = capitan.NewSignal("consult.triage.defaulted", "")

	UsageRecorded = capitan.NewSignal("consult.usage.recorded", "")
	UsageFailed   = capitan.NewSignal("consult.usage.failed", "")
)

// Keys for hook event fields.
var (
	// Request identification.
	RequestIDKey   = capitan.NewStringKey("llm.request.id")
	FeatureKey     = capitan.NewStringKey("llm.feature")
	PromptTaskKey  = capitan.NewStringKey("llm.prompt.task")
	TemperatureKey = capitan.NewFloat64Key("llm.temperature")
	AttemptKey     = capitan.NewIntKey("llm.attempt")

	// Response data.
	ResponseKey = capitan.NewStringKey("llm.response")

	// Error information.
	ErrorKey     = capitan.NewStringKey("llm.error")
	ErrorTypeKey = capitan.NewStringKey("llm.error.type")

	// Provider information.
	ProviderKey = capitan.NewStringKey("llm.provider")
	ModelKey    = capitan.NewStringKey("llm.model")

	// Provider metrics.
	PromptTokensKey     = capitan.NewIntKey("llm.tokens.prompt")
	CompletionTokensKey = capitan.NewIntKey("llm.tokens.completion")
	TotalTokensKey      = capitan.NewIntKey("llm.tokens.total")
	DurationMsKey       = capitan.NewIntKey("llm.duration.ms")

	// HTTP/API metadata.
	HTTPStatusCodeKey = capitan.NewIntKey("llm.http.status.code")
	APIErrorTypeKey   = capitan.NewStringKey("llm.api.error.type")

	// Consultation data.
	ConsultationIDKey  = capitan.NewStringKey("consult.id")
	PatientIDKey       = capitan.NewStringKey("consult.patient.id")
	SpecialistKey      = capitan.NewStringKey("consult.specialist")
	AssessmentKey      = capitan.NewStringKey("consult.assessment")
	ReasonKey          = capitan.NewStringKey("consult.reason")
	RosterSizeKey      = capitan.NewIntKey("consult.roster.size")
	FallbackCountKey   = capitan.NewIntKey("consult.fallback.count")
	PriorityKey        = capitan.NewStringKey("consult.priority")
	TriageStateKey     = capitan.NewStringKey("consult.triage.state")
	CostUnitsKey       = capitan.NewIntKey("consult.usage.cost")
	TokenSourceKey     = capitan.NewStringKey("consult.usage.token.source")
	UsageRecordIDKey   = capitan.NewStringKey("consult.usage.id")
	PriceMissingKey    = capitan.NewStringKey("consult.usage.price.missing")
	SynthesisSourceKey = capitan.NewStringKey("consult.synthesis.source")
)
