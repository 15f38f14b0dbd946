package consult

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// Synthesis sources.
const (
	SynthesisSourceModel         = "model"
	SynthesisSourceConcatenation = "concatenation"
)

// DiagnosisSynthesis is the aggregate of all specialist findings.
// StructuredFindings always has one entry per roster specialist, in roster order.
type DiagnosisSynthesis struct {
	Synthesis          string              `json:"synthesis"`
	Suggestions        []string            `json:"suggestions"`
	StructuredFindings []SpecialistFinding `json:"structuredFindings"`
	Degraded           bool                `json:"degraded"` // Synthesis was built without the model
	FallbackCount      int                 `json:"fallbackCount"`
}

// AllFallback reports whether no specialist produced a real finding.
func (d DiagnosisSynthesis) AllFallback() bool {
	return len(d.StructuredFindings) > 0 && d.FallbackCount == len(d.StructuredFindings)
}

// synthesisResponse is the shape the synthesis call must return.
type synthesisResponse struct {
	Synthesis   string   `json:"synthesis" desc:"Unified diagnostic narrative combining all findings"`
	Suggestions []string `json:"suggestions" desc:"Suggested next steps for the attending physician"`
}

// Validate checks if the response is valid.
func (r synthesisResponse) Validate() error {
	if strings.TrimSpace(r.Synthesis) == "" {
		return fmt.Errorf("synthesis required but empty")
	}
	return nil
}

var synthesisSchema = generateJSONSchema[synthesisResponse](nil)

// Aggregator merges specialist findings into one diagnosis synthesis.
type Aggregator struct {
	service *Service[synthesisResponse]
}

// NewAggregator creates an aggregator that calls provider through pipeline.
func NewAggregator(pipeline pipz.Chainable[*SynapseRequest], provider Provider) *Aggregator {
	return &Aggregator{
		service: NewService[synthesisResponse](pipeline, FeatureSynthesis, provider, DefaultTemperatureNarrative),
	}
}

// Aggregate produces the synthesis for findings.
//
// When every finding is a fallback, or the synthesis call fails, the synthesis
// is a deterministic concatenation of the findings and Degraded is set.
// The same happens without a call once the consultation deadline has passed.
// Only fatal provider errors and the caller's cancellation are returned.
func (a *Aggregator) Aggregate(ctx context.Context, consultationID string, cc ConsultationContext, findings []SpecialistFinding) (DiagnosisSynthesis, error) {
	result := DiagnosisSynthesis{
		StructuredFindings: findings,
		FallbackCount:      CountFallbacks(findings),
	}

	if err := callerErr(ctx); err != nil {
		return DiagnosisSynthesis{}, err
	}
	if result.AllFallback() {
		return a.degrade(ctx, consultationID, result, "no specialist findings available", nil), nil
	}
	if ctx.Err() != nil {
		return a.degrade(ctx, consultationID, result, errDeadline.Error(), nil), nil
	}

	meta := CallMeta{ConsultationID: consultationID, PatientID: cc.PatientID}
	resp, err := a.service.Execute(ctx, meta, buildSynthesisPrompt(cc, findings), TemperatureUnset)
	if err != nil {
		if IsFatal(err) {
			return DiagnosisSynthesis{}, err
		}
		if ctxErr := callerErr(ctx); ctxErr != nil {
			return DiagnosisSynthesis{}, ctxErr
		}
		return a.degrade(ctx, consultationID, result, "synthesis call failed", err), nil
	}

	result.Synthesis = strings.TrimSpace(resp.Synthesis)
	result.Suggestions = resp.Suggestions
	if result.Suggestions == nil {
		result.Suggestions = []string{}
	}

	capitan.Info(ctx, SynthesisCompleted,
		ConsultationIDKey.Field(consultationID),
		SynthesisSourceKey.Field(SynthesisSourceModel),
		FallbackCountKey.Field(result.FallbackCount),
	)
	return result, nil
}

// degrade fills result with the concatenated synthesis and reports why.
func (*Aggregator) degrade(ctx context.Context, consultationID string, result DiagnosisSynthesis, reason string, cause error) DiagnosisSynthesis {
	result.Synthesis, result.Suggestions = Concatenate(result.StructuredFindings)
	result.Degraded = true

	fields := []capitan.Field{
		ConsultationIDKey.Field(consultationID),
		SynthesisSourceKey.Field(SynthesisSourceConcatenation),
		ReasonKey.Field(reason),
		FallbackCountKey.Field(result.FallbackCount),
	}
	if cause != nil {
		fields = append(fields, ErrorKey.Field(cause.Error()), ErrorTypeKey.Field(errorKind(cause)))
	}
	capitan.Emit(context.WithoutCancel(ctx), SynthesisDegraded, fields...)
	return result
}

// Concatenate builds the model-free synthesis: one line per finding in roster
// order, and the non-empty recommendations of real findings as suggestions.
// The output depends only on findings.
func Concatenate(findings []SpecialistFinding) (string, []string) {
	lines := make([]string, 0, len(findings))
	suggestions := []string{}
	for _, f := range findings {
		lines = append(lines, fmt.Sprintf("%s [%s]: %s", f.Specialist, f.ClinicalAssessment, f.Findings))
		if !f.Fallback && strings.TrimSpace(f.Recommendations) != "" {
			suggestions = append(suggestions, fmt.Sprintf("%s: %s", f.Specialist, f.Recommendations))
		}
	}
	return strings.Join(lines, "\n"), suggestions
}

// buildSynthesisPrompt constructs the synthesis prompt from the findings.
func buildSynthesisPrompt(cc ConsultationContext, findings []SpecialistFinding) *Prompt {
	items := make([]string, 0, len(findings))
	for _, f := range findings {
		if f.Fallback {
			continue
		}
		item := fmt.Sprintf("%s (%s): %s", f.Specialist, f.ClinicalAssessment, f.Findings)
		if f.Recommendations != "" {
			item += " Recommendations: " + f.Recommendations
		}
		items = append(items, item)
	}

	return &Prompt{
		Task:     "Combine the specialist findings into one unified diagnostic synthesis",
		Context:  cc.background(),
		Findings: items,
		Schema:   synthesisSchema,
		Constraints: []string{
			"synthesis: required, integrates every specialist finding",
			"suggestions: ordered next steps, may be empty",
			"do not introduce findings no specialist reported",
		},
	}
}
