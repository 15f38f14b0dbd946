package consult

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// UrgencyLevel is the triage priority of a consultation.
type UrgencyLevel string

// Urgency levels.
const (
	UrgencyUrgent UrgencyLevel = "urgent"
	UrgencyHigh   UrgencyLevel = "high"
	UrgencyNormal UrgencyLevel = "normal"
)

// UrgencyLevels lists the closed triage vocabulary, most urgent first.
var UrgencyLevels = []UrgencyLevel{UrgencyUrgent, UrgencyHigh, UrgencyNormal}

// ParseUrgency maps s onto an urgency level, ignoring case and surrounding space.
func ParseUrgency(s string) (UrgencyLevel, bool) {
	level := UrgencyLevel(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range UrgencyLevels {
		if level == v {
			return v, true
		}
	}
	return "", false
}

// TriageState tracks a classification from request to its terminal outcome.
type TriageState string

// Triage states. Classified and DefaultedNormal are terminal.
const (
	TriagePending         TriageState = "pending"
	TriageRequested       TriageState = "requested"
	TriageClassified      TriageState = "classified"
	TriageDefaultedNormal TriageState = "defaulted_normal"
)

// Terminal reports whether no further transition is possible.
func (s TriageState) Terminal() bool {
	return s == TriageClassified || s == TriageDefaultedNormal
}

// TriageResult is the outcome of one classification.
type TriageResult struct {
	Priority  UrgencyLevel `json:"priority"`
	State     TriageState  `json:"triageState"`
	Reasoning string       `json:"triageReasoning,omitempty"`
}

// triageResponse is the shape the triage call must return.
type triageResponse struct {
	Priority  string `json:"priority" desc:"Urgency of the case"`
	Reasoning string `json:"reasoning" desc:"Short justification"`
}

// Validate checks if the response is valid.
func (r triageResponse) Validate() error {
	if _, ok := ParseUrgency(r.Priority); !ok {
		return fmt.Errorf("priority %q is not one of urgent, high, normal", r.Priority)
	}
	return nil
}

var triageSchema = generateJSONSchema[triageResponse](map[string][]string{
	"priority": {string(UrgencyUrgent), string(UrgencyHigh), string(UrgencyNormal)},
})

// TriageClassifier assigns an urgency level to a diagnosis synthesis.
type TriageClassifier struct {
	service *Service[triageResponse]
}

// NewTriageClassifier creates a classifier that calls provider through pipeline.
func NewTriageClassifier(pipeline pipz.Chainable[*SynapseRequest], provider Provider) *TriageClassifier {
	return &TriageClassifier{
		service: NewService[triageResponse](pipeline, FeatureTriage, provider, DefaultTemperatureClassification),
	}
}

// Classify makes one classification call for synthesis.
//
// Any output that is not one of the three levels, and any non-fatal
// call failure, yields normal in state DefaultedNormal: the classifier never
// escalates on bad output. An all-fallback synthesis is defaulted without a call.
// So does a consultation whose deadline has already passed.
// Only fatal provider errors and the caller's cancellation are returned.
func (c *TriageClassifier) Classify(ctx context.Context, consultationID string, cc ConsultationContext, synthesis DiagnosisSynthesis) (TriageResult, error) {
	result := TriageResult{State: TriagePending}

	if err := callerErr(ctx); err != nil {
		return TriageResult{}, err
	}
	if synthesis.AllFallback() || strings.TrimSpace(synthesis.Synthesis) == "" {
		return c.defaultNormal(ctx, consultationID, result, "no specialist findings to classify", nil), nil
	}
	if ctx.Err() != nil {
		return c.defaultNormal(ctx, consultationID, result, errDeadline.Error(), nil), nil
	}

	result.State = TriageRequested
	meta := CallMeta{ConsultationID: consultationID, PatientID: cc.PatientID}
	resp, err := c.service.Execute(ctx, meta, buildTriagePrompt(synthesis), TemperatureUnset)
	if err != nil {
		if IsFatal(err) {
			return TriageResult{}, err
		}
		if ctxErr := callerErr(ctx); ctxErr != nil {
			return TriageResult{}, ctxErr
		}
		return c.defaultNormal(ctx, consultationID, result, "classification failed", err), nil
	}

	priority, _ := ParseUrgency(resp.Priority)
	result.Priority = priority
	result.Reasoning = strings.TrimSpace(resp.Reasoning)
	result.State = TriageClassified

	capitan.Info(ctx, TriageCompleted,
		ConsultationIDKey.Field(consultationID),
		PriorityKey.Field(string(priority)),
		TriageStateKey.Field(string(result.State)),
	)
	return result, nil
}

// defaultNormal moves result to DefaultedNormal and emits a validation warning.
func (*TriageClassifier) defaultNormal(ctx context.Context, consultationID string, result TriageResult, reason string, cause error) TriageResult {
	result.Priority = UrgencyNormal
	result.State = TriageDefaultedNormal
	result.Reasoning = ""

	fields := []capitan.Field{
		ConsultationIDKey.Field(consultationID),
		PriorityKey.Field(string(UrgencyNormal)),
		TriageStateKey.Field(string(result.State)),
		ReasonKey.Field(reason),
	}
	if cause != nil {
		fields = append(fields, ErrorKey.Field(cause.Error()), ErrorTypeKey.Field(errorKind(cause)))
	}
	capitan.Emit(context.WithoutCancel(ctx), TriageDefaulted, fields...)
	return result
}

// buildTriagePrompt constructs the classification prompt.
func buildTriagePrompt(synthesis DiagnosisSynthesis) *Prompt {
	var worst []string
	for _, f := range synthesis.StructuredFindings {
		if f.ClinicalAssessment == AssessmentSevere || f.ClinicalAssessment == AssessmentCritical {
			worst = append(worst, fmt.Sprintf("%s: %s", f.Specialist, f.ClinicalAssessment))
		}
	}

	prompt := &Prompt{
		Task:  "Classify how urgently this case needs medical attention",
		Input: synthesis.Synthesis,
		Categories: []string{
			string(UrgencyUrgent) + ": needs attention within hours",
			string(UrgencyHigh) + ": needs attention within days",
			string(UrgencyNormal) + ": routine follow-up",
		},
		Schema: triageSchema,
		Constraints: []string{
			"priority: exactly one of urgent, high, normal",
			"reasoning: one or two sentences",
		},
	}
	if len(worst) > 0 {
		prompt.Context = "Severe or critical assessments: " + strings.Join(worst, "; ")
	}
	return prompt
}
