package integration

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adrielmoraes/consult"
	consultt "github.com/adrielmoraes/consult/testing"
)

var panel = consult.Roster{
	{ID: "cardiologist", DisplayName: "Cardiologist"},
	{ID: "dermatologist", DisplayName: "Dermatologist"},
	{ID: "nephrologist", DisplayName: "Nephrologist"},
}

var patient = consult.ConsultationContext{
	PatientID:   "patient-42",
	ExamResults: "Troponin I 2.1 ng/mL, creatinine 1.0 mg/dL",
	Symptoms:    "Chest pain radiating to the left arm",
}

// fastConfig keeps retries immediate so failure paths finish quickly.
func fastConfig() consult.PipelineConfig {
	return consult.PipelineConfig{
		SpecialistTimeout: 2 * time.Second,
		Deadline:          5 * time.Second,
		RetryBackoff:      -1,
	}
}

func newPipeline(t *testing.T, provider consult.Provider, cfg consult.PipelineConfig) (*consult.Pipeline, *consult.MemoryUsageStore) {
	t.Helper()
	store := consult.NewMemoryUsageStore()
	pipeline, err := consult.NewPipeline(provider, panel, consult.NewLedger(store, consult.DefaultPrices()), cfg)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return pipeline, store
}

func TestPipeline_FullConsultation(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnSpecialist("cardiologist", consultt.Respond(consultt.SpecialistResponse("Elevated troponin", consult.AssessmentCritical))).
		OnSynthesis(consultt.Respond(consultt.SynthesisResponse("Probable myocardial infarction", "Emergency cardiology review"))).
		OnTriage(consultt.Respond(consultt.TriageResponse(consult.UrgencyUrgent)))
	pipeline, store := newPipeline(t, provider, fastConfig())

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	if len(result.StructuredFindings) != len(panel) {
		t.Fatalf("expected %d findings, got %d", len(panel), len(result.StructuredFindings))
	}
	for i, f := range result.StructuredFindings {
		if f.Specialist != panel[i].DisplayName {
			t.Errorf("finding %d: expected %s, got %s", i, panel[i].DisplayName, f.Specialist)
		}
		if f.Fallback {
			t.Errorf("finding %d: unexpected fallback", i)
		}
	}
	if result.StructuredFindings[0].ClinicalAssessment != consult.AssessmentCritical {
		t.Errorf("expected critical cardiology finding, got %s", result.StructuredFindings[0].ClinicalAssessment)
	}
	if result.Synthesis != "Probable myocardial infarction" || result.Degraded {
		t.Errorf("unexpected synthesis %q (degraded=%v)", result.Synthesis, result.Degraded)
	}
	if result.Priority != consult.UrgencyUrgent || result.State != consult.TriageClassified {
		t.Errorf("expected urgent/classified, got %s/%s", result.Priority, result.State)
	}

	pipeline.Ledger().Wait()
	records, _ := store.ByConsultation(context.Background(), result.ConsultationID)
	if len(records) != len(panel)+2 {
		t.Fatalf("expected %d usage records, got %d", len(panel)+2, len(records))
	}

	acc := consultt.NewUsageAccumulator()
	acc.Add(records...)
	perCall, _ := consult.DefaultPrices().Cost(consultt.Model, consultt.Usage.Prompt, consultt.Usage.Completion)
	if acc.CostUnits() != perCall*int64(len(records)) {
		t.Errorf("expected total cost %d, got %d", perCall*int64(len(records)), acc.CostUnits())
	}
	if acc.InputTokens() != consultt.Usage.Prompt*len(records) {
		t.Errorf("expected %d input tokens, got %d", consultt.Usage.Prompt*len(records), acc.InputTokens())
	}

	features := map[string]bool{}
	for _, r := range records {
		features[r.Feature] = true
		if r.PatientID != patient.PatientID || r.Source != consult.TokenSourceProvider {
			t.Errorf("unexpected record %+v", r)
		}
	}
	for _, want := range []string{"specialist:cardiologist", "specialist:dermatologist", "specialist:nephrologist", consult.FeatureSynthesis, consult.FeatureTriage} {
		if !features[want] {
			t.Errorf("missing usage record for %s", want)
		}
	}
}

func TestPipeline_InvalidSpecialistResponseBecomesFallback(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnSpecialist("dermatologist", consultt.Respond("I think the skin looks fine"))
	recorder := consultt.NewCallRecorder(provider)
	pipeline, _ := newPipeline(t, recorder, fastConfig())

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	derm := result.StructuredFindings[1]
	if !derm.Fallback || derm.ClinicalAssessment != consult.AssessmentNotApplicable {
		t.Errorf("expected not_applicable fallback, got %+v", derm)
	}
	if !strings.Contains(derm.Findings, consult.ReasonInvalidResponse) {
		t.Errorf("expected invalid response reason, got %q", derm.Findings)
	}
	if result.FallbackCount != 1 {
		t.Errorf("expected 1 fallback, got %d", result.FallbackCount)
	}

	// Schema failures are not retried, and the synthesis prompt omits fallbacks.
	if provider.SpecialistCalls() != len(panel) {
		t.Errorf("expected %d specialist calls, got %d", len(panel), provider.SpecialistCalls())
	}
	for _, call := range recorder.Calls() {
		prompt := call.Messages[len(call.Messages)-1].Content
		if strings.Contains(prompt, "Specialist findings:") && strings.Contains(prompt, "Dermatologist") {
			t.Error("synthesis prompt should not include the fallback finding")
		}
	}
}

func TestPipeline_AllFallbackSkipsSynthesisAndTriage(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnAnySpecialist(consultt.Fail(consult.ClassifyStatus("scripted", 500, "upstream down")))
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	pipeline, store := newPipeline(t, provider, cfg)

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	if !result.AllFallback() || result.FallbackCount != len(panel) {
		t.Errorf("expected every finding to be a fallback, got %d", result.FallbackCount)
	}
	if !result.Degraded {
		t.Error("expected a degraded synthesis")
	}
	wantSynthesis, wantSuggestions := consult.Concatenate(result.StructuredFindings)
	if result.Synthesis != wantSynthesis || len(result.Suggestions) != len(wantSuggestions) {
		t.Errorf("expected concatenated synthesis, got %q", result.Synthesis)
	}
	if result.Priority != consult.UrgencyNormal || result.State != consult.TriageDefaultedNormal {
		t.Errorf("expected normal/defaulted_normal, got %s/%s", result.Priority, result.State)
	}
	if provider.SynthesisCalls() != 0 || provider.TriageCalls() != 0 {
		t.Errorf("expected no synthesis or triage calls, got %d and %d", provider.SynthesisCalls(), provider.TriageCalls())
	}

	pipeline.Ledger().Wait()
	if n := len(store.Records()); n != 0 {
		t.Errorf("expected no usage records for failed calls, got %d", n)
	}
}

func TestPipeline_SynthesisFailureDegrades(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnSynthesis(consultt.Respond(`{"synthesis": "", "suggestions": []}`))
	pipeline, _ := newPipeline(t, provider, fastConfig())

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	if !result.Degraded {
		t.Error("expected degraded synthesis")
	}
	want, _ := consult.Concatenate(result.StructuredFindings)
	if result.Synthesis != want {
		t.Errorf("expected concatenated synthesis\nwant %q\ngot  %q", want, result.Synthesis)
	}
	if provider.TriageCalls() != 1 || result.State != consult.TriageClassified {
		t.Errorf("expected triage to classify the degraded synthesis, state %s", result.State)
	}
}

func TestPipeline_TriageOutputHandling(t *testing.T) {
	tests := []struct {
		name     string
		response string
		priority consult.UrgencyLevel
		state    consult.TriageState
	}{
		{"exact", `{"priority": "high", "reasoning": "abnormal renal markers"}`, consult.UrgencyHigh, consult.TriageClassified},
		{"mixed case", `{"priority": " Urgent ", "reasoning": "ACS"}`, consult.UrgencyUrgent, consult.TriageClassified},
		{"outside vocabulary", `{"priority": "critical", "reasoning": "ACS"}`, consult.UrgencyNormal, consult.TriageDefaultedNormal},
		{"not json", `urgent`, consult.UrgencyNormal, consult.TriageDefaultedNormal},
		{"extra field", `{"priority": "urgent", "reasoning": "ACS", "confidence": 0.9}`, consult.UrgencyNormal, consult.TriageDefaultedNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := consultt.NewScriptedProvider().OnTriage(consultt.Respond(tt.response))
			pipeline, _ := newPipeline(t, provider, fastConfig())

			result, err := pipeline.Run(context.Background(), patient)
			if err != nil {
				t.Fatalf("consultation failed: %v", err)
			}
			if result.Priority != tt.priority || result.State != tt.state {
				t.Errorf("expected %s/%s, got %s/%s", tt.priority, tt.state, result.Priority, result.State)
			}
		})
	}
}

func TestPipeline_TransientFailureRetried(t *testing.T) {
	var attempts atomic.Int64
	flaky := func(context.Context) (string, error) {
		if attempts.Add(1) == 1 {
			return "", consult.ClassifyStatus("scripted", 503, "overloaded")
		}
		return consultt.SpecialistResponse("Recovered", consult.AssessmentMild), nil
	}
	provider := consultt.NewScriptedProvider().OnSpecialist("nephrologist", flaky)
	pipeline, _ := newPipeline(t, provider, fastConfig())

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	neph := result.StructuredFindings[2]
	if neph.Fallback || neph.Findings != "Recovered" {
		t.Errorf("expected recovered finding, got %+v", neph)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestPipeline_RetryExhausted(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnSpecialist("nephrologist", consultt.Fail(consult.ClassifyStatus("scripted", 429, "slow down")))
	cfg := fastConfig()
	cfg.RetryAttempts = 3
	pipeline, _ := newPipeline(t, provider, cfg)

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	neph := result.StructuredFindings[2]
	if !neph.Fallback || !strings.Contains(neph.Findings, consult.ReasonRateLimited) {
		t.Errorf("expected rate limited fallback, got %+v", neph)
	}
	// 3 nephrologist attempts plus one call for each other specialist.
	if provider.SpecialistCalls() != 3+len(panel)-1 {
		t.Errorf("expected %d specialist calls, got %d", 3+len(panel)-1, provider.SpecialistCalls())
	}
}

func TestPipeline_AuthFailureAbortsConsultation(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnAnySpecialist(consultt.Fail(consult.ClassifyStatus("scripted", 401, "invalid api key")))
	cfg := fastConfig()
	cfg.MaxConcurrency = 1
	pipeline, store := newPipeline(t, provider, cfg)

	result, err := pipeline.Run(context.Background(), patient)
	if !errors.Is(err, consult.ErrProviderAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if result != nil {
		t.Error("expected no result on auth failure")
	}
	if provider.SpecialistCalls() != 1 {
		t.Errorf("expected no specialist call after the auth failure, got %d calls", provider.SpecialistCalls())
	}
	if provider.SynthesisCalls() != 0 || provider.TriageCalls() != 0 {
		t.Error("expected no synthesis or triage after auth failure")
	}

	pipeline.Ledger().Wait()
	if n := len(store.Records()); n != 0 {
		t.Errorf("expected no usage records, got %d", n)
	}
}

func TestPipeline_AuthFailureDuringSynthesis(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnSynthesis(consultt.Fail(consult.ClassifyStatus("scripted", 403, "key revoked")))
	pipeline, _ := newPipeline(t, provider, fastConfig())

	_, err := pipeline.Run(context.Background(), patient)
	if !errors.Is(err, consult.ErrProviderAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if provider.TriageCalls() != 0 {
		t.Error("expected no triage after synthesis auth failure")
	}
}

func TestPipeline_DeadlineSubstitutesPendingSpecialists(t *testing.T) {
	provider := consultt.NewScriptedProvider().OnSpecialist("dermatologist", consultt.Hang())
	cfg := fastConfig()
	cfg.Deadline = 100 * time.Millisecond
	cfg.SpecialistTimeout = 5 * time.Second
	pipeline, _ := newPipeline(t, provider, cfg)

	start := time.Now()
	result, err := pipeline.Run(context.Background(), patient)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	if elapsed > 2*time.Second {
		t.Errorf("expected the deadline to bound the fan-out, took %v", elapsed)
	}
	derm := result.StructuredFindings[1]
	if !derm.Fallback || !strings.Contains(derm.Findings, consult.ReasonDeadline) {
		t.Errorf("expected deadline fallback, got %+v", derm)
	}
	if result.StructuredFindings[0].Fallback || result.StructuredFindings[2].Fallback {
		t.Error("expected the other specialists to keep their findings")
	}
}

func TestPipeline_PerCallTimeout(t *testing.T) {
	provider := consultt.NewScriptedProvider().
		OnSpecialist("cardiologist", consultt.Delay(time.Second, consultt.SpecialistResponse("late", consult.AssessmentNormal)))
	cfg := fastConfig()
	cfg.SpecialistTimeout = 50 * time.Millisecond
	cfg.RetryAttempts = 1
	pipeline, _ := newPipeline(t, provider, cfg)

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	cardio := result.StructuredFindings[0]
	if !cardio.Fallback || !strings.Contains(cardio.Findings, consult.ReasonTimeout) {
		t.Errorf("expected timeout fallback, got %+v", cardio)
	}
}

func TestPipeline_FallbackProvider(t *testing.T) {
	primary := consultt.NewScriptedProvider().
		OnAnySpecialist(consultt.Fail(consult.ClassifyStatus("primary", 502, "bad gateway")))
	backup := consultt.NewScriptedProvider().
		OnAnySpecialist(consultt.Respond(consultt.SpecialistResponse("From backup", consult.AssessmentNormal)))
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	cfg.Fallback = backup
	pipeline, _ := newPipeline(t, primary, cfg)

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	if result.FallbackCount != 0 {
		t.Errorf("expected the backup provider to answer, got %d fallbacks", result.FallbackCount)
	}
	for _, f := range result.StructuredFindings {
		if f.Findings != "From backup" {
			t.Errorf("expected backup finding, got %q", f.Findings)
		}
	}
	if backup.SpecialistCalls() != len(panel) {
		t.Errorf("expected %d backup calls, got %d", len(panel), backup.SpecialistCalls())
	}
}

func TestPipeline_FallbackProviderSkippedOnAuth(t *testing.T) {
	primary := consultt.NewScriptedProvider().
		OnAnySpecialist(consultt.Fail(consult.ClassifyStatus("primary", 401, "bad key")))
	backup := consultt.NewScriptedProvider()
	cfg := fastConfig()
	cfg.Fallback = backup
	pipeline, _ := newPipeline(t, primary, cfg)

	if _, err := pipeline.Run(context.Background(), patient); !consult.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if backup.SpecialistCalls() != 0 {
		t.Errorf("expected auth failures not to reach the backup, got %d calls", backup.SpecialistCalls())
	}
}

func TestPipeline_CircuitBreakerTrips(t *testing.T) {
	roster := consult.Roster{
		{ID: "cardiologist"}, {ID: "dermatologist"}, {ID: "nephrologist"}, {ID: "urologist"}, {ID: "neurologist"},
	}
	provider := consultt.NewScriptedProvider().
		OnAnySpecialist(consultt.Fail(consult.ClassifyStatus("scripted", 500, "internal error")))
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	cfg.MaxConcurrency = 1
	cfg.BreakerFailures = 2
	cfg.BreakerRecovery = time.Minute

	pipeline, err := consult.NewPipeline(provider, roster, nil, cfg)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	result, err := pipeline.Run(context.Background(), patient)
	if err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	if result.FallbackCount != len(roster) {
		t.Errorf("expected every finding to be a fallback, got %d", result.FallbackCount)
	}
	if provider.SpecialistCalls() != 2 {
		t.Errorf("expected the open circuit to stop provider calls after 2, got %d", provider.SpecialistCalls())
	}
}

func TestPipeline_ContextCancellation(t *testing.T) {
	provider := consultt.NewScriptedProvider().OnAnySpecialist(consultt.Hang())
	pipeline, _ := newPipeline(t, provider, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := pipeline.Run(ctx, patient)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if result != nil {
		t.Error("expected no result after cancellation")
	}
}

func TestPipeline_SystemPromptCarriesPersona(t *testing.T) {
	recorder := consultt.NewCallRecorder(consultt.NewScriptedProvider())
	roster := consult.Roster{{ID: "custom", DisplayName: "Custom", PromptTemplate: "You are a sports medicine physician."}}
	pipeline, err := consult.NewPipeline(recorder, roster, nil, fastConfig())
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	if _, err := pipeline.Run(context.Background(), patient); err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	first := recorder.Calls()[0]
	if first.Messages[0].Role != consult.RoleSystem || first.Messages[0].Content != roster[0].PromptTemplate {
		t.Errorf("expected persona system message, got %+v", first.Messages[0])
	}
	if first.Temperature != consult.DefaultTemperatureAnalytical {
		t.Errorf("expected analytical temperature, got %v", first.Temperature)
	}
	last := recorder.LastCall()
	if last.Temperature != consult.DefaultTemperatureClassification {
		t.Errorf("expected triage to run last at classification temperature, got %v", last.Temperature)
	}
}
