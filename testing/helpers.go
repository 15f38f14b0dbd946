// Package testing provides utilities for testing consultation pipelines.
package testing

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adrielmoraes/consult"
)

// Provider name constants for test helpers.
const (
	SequencedProviderName = "sequenced-mock"
	FailingProviderName   = "failing-mock"
	ScriptedProviderName  = "scripted-mock"
)

// Model is the model reported by the helper providers. It is priced in
// consult.DefaultPrices, so usage records carry a real cost.
const Model = "gpt-4o-mini"

// Usage is the token usage reported by the helper providers for every call.
var Usage = consult.TokenUsage{Prompt: 100, Completion: 50, Total: 150}

// ResponseBuilder provides a fluent interface for constructing mock model responses.
type ResponseBuilder struct {
	data map[string]any
}

// NewResponseBuilder creates a new ResponseBuilder.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{
		data: make(map[string]any),
	}
}

// WithFindings sets the findings field (specialist responses).
func (b *ResponseBuilder) WithFindings(findings string) *ResponseBuilder {
	b.data["findings"] = findings
	return b
}

// WithAssessment sets the clinicalAssessment field (specialist responses).
func (b *ResponseBuilder) WithAssessment(assessment consult.ClinicalAssessment) *ResponseBuilder {
	b.data["clinicalAssessment"] = string(assessment)
	return b
}

// WithRecommendations sets the recommendations field (specialist responses).
func (b *ResponseBuilder) WithRecommendations(recommendations string) *ResponseBuilder {
	b.data["recommendations"] = recommendations
	return b
}

// WithSynthesis sets the synthesis field (synthesis responses).
func (b *ResponseBuilder) WithSynthesis(synthesis string) *ResponseBuilder {
	b.data["synthesis"] = synthesis
	return b
}

// WithSuggestions sets the suggestions field (synthesis responses).
func (b *ResponseBuilder) WithSuggestions(suggestions ...string) *ResponseBuilder {
	if suggestions == nil {
		suggestions = []string{}
	}
	b.data["suggestions"] = suggestions
	return b
}

// WithPriority sets the priority field (triage responses).
func (b *ResponseBuilder) WithPriority(priority string) *ResponseBuilder {
	b.data["priority"] = priority
	return b
}

// WithReasoning sets the reasoning field (triage responses).
func (b *ResponseBuilder) WithReasoning(reasoning string) *ResponseBuilder {
	b.data["reasoning"] = reasoning
	return b
}

// WithField sets an arbitrary field.
func (b *ResponseBuilder) WithField(key string, value any) *ResponseBuilder {
	b.data[key] = value
	return b
}

// Build returns the JSON string representation of the response.
func (b *ResponseBuilder) Build() string {
	return string(b.BuildBytes())
}

// BuildBytes returns the JSON bytes of the response.
func (b *ResponseBuilder) BuildBytes() []byte {
	jsonBytes, err := json.Marshal(b.data)
	if err != nil {
		return []byte("{}")
	}
	return jsonBytes
}

// SpecialistResponse returns a valid specialist response.
func SpecialistResponse(findings string, assessment consult.ClinicalAssessment) string {
	return NewResponseBuilder().
		WithFindings(findings).
		WithAssessment(assessment).
		WithRecommendations("Routine follow-up").
		Build()
}

// SynthesisResponse returns a valid synthesis response.
func SynthesisResponse(synthesis string, suggestions ...string) string {
	return NewResponseBuilder().WithSynthesis(synthesis).WithSuggestions(suggestions...).Build()
}

// TriageResponse returns a valid triage response.
func TriageResponse(priority consult.UrgencyLevel) string {
	return NewResponseBuilder().WithPriority(string(priority)).WithReasoning("scripted").Build()
}

func respond(content string) *consult.ProviderResponse {
	return &consult.ProviderResponse{Content: content, Model: Model, Usage: Usage}
}

// SequencedProvider returns responses in sequence.
// After all responses are exhausted, it returns the last response repeatedly.
type SequencedProvider struct {
	responses []string
	index     atomic.Int64
}

// NewSequencedProvider creates a provider that returns responses in order.
func NewSequencedProvider(responses ...string) *SequencedProvider {
	if len(responses) == 0 {
		responses = []string{`{"error": "no responses configured"}`}
	}
	return &SequencedProvider{
		responses: responses,
	}
}

// Call returns the next response in sequence.
func (p *SequencedProvider) Call(_ context.Context, _ []consult.Message, _ float32) (*consult.ProviderResponse, error) {
	idx := p.index.Add(1) - 1
	if int(idx) >= len(p.responses) {
		idx = int64(len(p.responses) - 1)
	}
	return respond(p.responses[idx]), nil
}

// Name returns the provider identifier.
func (*SequencedProvider) Name() string {
	return SequencedProviderName
}

// CallCount returns the number of calls made.
func (p *SequencedProvider) CallCount() int {
	return int(p.index.Load())
}

// Reset resets the call counter.
func (p *SequencedProvider) Reset() {
	p.index.Store(0)
}

// FailingProvider fails a specified number of times before succeeding.
type FailingProvider struct {
	failCount    int
	currentCount atomic.Int64
	successResp  string
	failErr      error
}

// NewFailingProvider creates a provider that fails failCount times then succeeds.
// Failures are transient (HTTP 503) unless WithFailError says otherwise.
func NewFailingProvider(failCount int) *FailingProvider {
	return &FailingProvider{
		failCount:   failCount,
		successResp: SpecialistResponse("Recovered after transient failures", consult.AssessmentNormal),
		failErr:     consult.ClassifyStatus(FailingProviderName, 503, "simulated provider failure"),
	}
}

// WithSuccessResponse sets the response returned after failures are exhausted.
func (p *FailingProvider) WithSuccessResponse(response string) *FailingProvider {
	p.successResp = response
	return p
}

// WithFailError sets the error returned for failures.
func (p *FailingProvider) WithFailError(err error) *FailingProvider {
	p.failErr = err
	return p
}

// Call fails until failCount is reached, then succeeds.
func (p *FailingProvider) Call(_ context.Context, _ []consult.Message, _ float32) (*consult.ProviderResponse, error) {
	count := p.currentCount.Add(1)
	if int(count) <= p.failCount {
		return nil, p.failErr
	}
	return respond(p.successResp), nil
}

// Name returns the provider identifier.
func (*FailingProvider) Name() string {
	return FailingProviderName
}

// CallCount returns the number of calls made.
func (p *FailingProvider) CallCount() int {
	return int(p.currentCount.Load())
}

// Reset resets the call counter.
func (p *FailingProvider) Reset() {
	p.currentCount.Store(0)
}

// Handler answers one scripted call.
type Handler func(ctx context.Context) (string, error)

// Respond returns a Handler with a fixed answer.
func Respond(content string) Handler {
	return func(context.Context) (string, error) { return content, nil }
}

// Fail returns a Handler that always fails with err.
func Fail(err error) Handler {
	return func(context.Context) (string, error) { return "", err }
}

// Hang returns a Handler that blocks until the call's context is done.
func Hang() Handler {
	return func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// Delay returns a Handler that answers content after d, or fails when the
// call's context ends first.
func Delay(d time.Duration, content string) Handler {
	return func(ctx context.Context) (string, error) {
		select {
		case <-time.After(d):
			return content, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ScriptedProvider answers each kind of consultation call with its own handler.
// Specialist calls are matched by a case-insensitive substring of the system
// instruction, which carries the specialist's persona.
type ScriptedProvider struct {
	mu          sync.Mutex
	specialists []scriptedSpecialist
	fallback    Handler
	synthesis   Handler
	triage      Handler

	specialistCalls atomic.Int64
	synthesisCalls  atomic.Int64
	triageCalls     atomic.Int64
}

type scriptedSpecialist struct {
	match   string
	handler Handler
}

// NewScriptedProvider creates a provider whose every call succeeds with a
// normal finding, a plain synthesis and a normal triage.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		fallback:  Respond(SpecialistResponse("No significant abnormality", consult.AssessmentNormal)),
		synthesis: Respond(SynthesisResponse("Scripted synthesis", "Routine follow-up")),
		triage:    Respond(TriageResponse(consult.UrgencyNormal)),
	}
}

// OnSpecialist routes specialist calls whose persona contains match to h.
func (p *ScriptedProvider) OnSpecialist(match string, h Handler) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.specialists = append(p.specialists, scriptedSpecialist{match: strings.ToLower(match), handler: h})
	return p
}

// OnAnySpecialist sets the handler for specialist calls no OnSpecialist matches.
func (p *ScriptedProvider) OnAnySpecialist(h Handler) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = h
	return p
}

// OnSynthesis sets the synthesis handler.
func (p *ScriptedProvider) OnSynthesis(h Handler) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synthesis = h
	return p
}

// OnTriage sets the triage handler.
func (p *ScriptedProvider) OnTriage(h Handler) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triage = h
	return p
}

// Call routes to the handler for the call's kind.
func (p *ScriptedProvider) Call(ctx context.Context, messages []consult.Message, _ float32) (*consult.ProviderResponse, error) {
	var system, prompt string
	for _, m := range messages {
		switch m.Role {
		case consult.RoleSystem:
			system = m.Content
		case consult.RoleUser:
			prompt = m.Content
		}
	}

	p.mu.Lock()
	var h Handler
	switch {
	case strings.Contains(prompt, "Categories:"):
		p.triageCalls.Add(1)
		h = p.triage
	case strings.Contains(prompt, "Specialist findings:"):
		p.synthesisCalls.Add(1)
		h = p.synthesis
	default:
		p.specialistCalls.Add(1)
		h = p.fallback
		persona := strings.ToLower(system)
		for _, s := range p.specialists {
			if strings.Contains(persona, s.match) {
				h = s.handler
				break
			}
		}
	}
	p.mu.Unlock()

	content, err := h(ctx)
	if err != nil {
		return nil, err
	}
	return respond(content), nil
}

// Name returns the provider identifier.
func (*ScriptedProvider) Name() string {
	return ScriptedProviderName
}

// SpecialistCalls returns the number of specialist calls made.
func (p *ScriptedProvider) SpecialistCalls() int { return int(p.specialistCalls.Load()) }

// SynthesisCalls returns the number of synthesis calls made.
func (p *ScriptedProvider) SynthesisCalls() int { return int(p.synthesisCalls.Load()) }

// TriageCalls returns the number of triage calls made.
func (p *ScriptedProvider) TriageCalls() int { return int(p.triageCalls.Load()) }

// RecordedCall represents a single call to a provider.
type RecordedCall struct {
	Messages    []consult.Message
	Temperature float32
}

// CallRecorder wraps a provider and records all calls made to it.
type CallRecorder struct {
	provider consult.Provider
	calls    []RecordedCall
	mu       sync.Mutex
}

// NewCallRecorder wraps a provider with call recording.
func NewCallRecorder(provider consult.Provider) *CallRecorder {
	return &CallRecorder{
		provider: provider,
		calls:    make([]RecordedCall, 0),
	}
}

// Call delegates to the wrapped provider and records the call.
func (r *CallRecorder) Call(ctx context.Context, messages []consult.Message, temperature float32) (*consult.ProviderResponse, error) {
	msgCopy := make([]consult.Message, len(messages))
	copy(msgCopy, messages)

	r.mu.Lock()
	r.calls = append(r.calls, RecordedCall{
		Messages:    msgCopy,
		Temperature: temperature,
	})
	r.mu.Unlock()

	return r.provider.Call(ctx, messages, temperature)
}

// Name returns the wrapped provider's name.
func (r *CallRecorder) Name() string {
	return r.provider.Name()
}

// Calls returns a copy of all recorded calls.
func (r *CallRecorder) Calls() []RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]RecordedCall, len(r.calls))
	copy(calls, r.calls)
	return calls
}

// CallCount returns the number of calls recorded.
func (r *CallRecorder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// LastCall returns the most recent call, or nil if no calls made.
func (r *CallRecorder) LastCall() *RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.calls) == 0 {
		return nil
	}
	call := r.calls[len(r.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make([]RecordedCall, 0)
}

// LatencyProvider wraps a provider and adds artificial latency.
type LatencyProvider struct {
	provider consult.Provider
	delay    time.Duration
}

// NewLatencyProvider wraps a provider with artificial delay.
// The delay is applied before each provider call and respects context cancellation.
func NewLatencyProvider(provider consult.Provider, delay time.Duration) *LatencyProvider {
	return &LatencyProvider{
		provider: provider,
		delay:    delay,
	}
}

// Call adds latency then delegates to the wrapped provider.
func (p *LatencyProvider) Call(ctx context.Context, messages []consult.Message, temperature float32) (*consult.ProviderResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.provider.Call(ctx, messages, temperature)
}

// Name returns the wrapped provider's name.
func (p *LatencyProvider) Name() string {
	return p.provider.Name()
}

// UsageAccumulator totals usage records, e.g. those of one consultation.
type UsageAccumulator struct {
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	costUnits    atomic.Int64
	records      atomic.Int64
}

// NewUsageAccumulator creates a new usage accumulator.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{}
}

// Add accumulates records.
func (a *UsageAccumulator) Add(records ...consult.UsageRecord) {
	for _, r := range records {
		a.inputTokens.Add(int64(r.InputTokens))
		a.outputTokens.Add(int64(r.OutputTokens))
		a.costUnits.Add(r.CostUnits)
		a.records.Add(1)
	}
}

// InputTokens returns total input tokens.
func (a *UsageAccumulator) InputTokens() int {
	return int(a.inputTokens.Load())
}

// OutputTokens returns total output tokens.
func (a *UsageAccumulator) OutputTokens() int {
	return int(a.outputTokens.Load())
}

// CostUnits returns the total cost.
func (a *UsageAccumulator) CostUnits() int64 {
	return a.costUnits.Load()
}

// Records returns the number of records accumulated.
func (a *UsageAccumulator) Records() int {
	return int(a.records.Load())
}

// Reset clears all accumulated values.
func (a *UsageAccumulator) Reset() {
	a.inputTokens.Store(0)
	a.outputTokens.Store(0)
	a.costUnits.Store(0)
	a.records.Store(0)
}
