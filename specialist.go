package consult

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoobzio/pipz"
)

// ClinicalAssessment is a specialist's severity verdict.
type ClinicalAssessment string

// Clinical assessment values.
const (
	AssessmentNormal        ClinicalAssessment = "normal"
	AssessmentMild          ClinicalAssessment = "mild"
	AssessmentModerate      ClinicalAssessment = "moderate"
	AssessmentSevere        ClinicalAssessment = "severe"
	AssessmentCritical      ClinicalAssessment = "critical"
	AssessmentNotApplicable ClinicalAssessment = "not_applicable"
)

// Assessments lists every valid assessment in increasing severity, not_applicable last.
var Assessments = []ClinicalAssessment{
	AssessmentNormal,
	AssessmentMild,
	AssessmentModerate,
	AssessmentSevere,
	AssessmentCritical,
	AssessmentNotApplicable,
}

// Valid reports whether a is one of the known assessments.
func (a ClinicalAssessment) Valid() bool {
	for _, v := range Assessments {
		if a == v {
			return true
		}
	}
	return false
}

// ConsultationContext is the caller-owned input to a consultation. The pipeline only reads it.
type ConsultationContext struct {
	PatientID   string `json:"patientId"`
	ExamResults string `json:"examResults"`
	History     string `json:"history,omitempty"`
	Symptoms    string `json:"symptoms,omitempty"`
}

// Validate rejects a context without a patient identifier.
func (c ConsultationContext) Validate() error {
	if strings.TrimSpace(c.PatientID) == "" {
		return fmt.Errorf("%w: patient id required", ErrInvalidContext)
	}
	return nil
}

// background renders history and symptoms as prompt context.
func (c ConsultationContext) background() string {
	var parts []string
	if c.History != "" {
		parts = append(parts, "History: "+c.History)
	}
	if c.Symptoms != "" {
		parts = append(parts, "Symptoms: "+c.Symptoms)
	}
	return strings.Join(parts, "\n")
}

// examInput returns the exam text sent to specialists.
func (c ConsultationContext) examInput() string {
	if strings.TrimSpace(c.ExamResults) == "" {
		return "No exam results provided."
	}
	return c.ExamResults
}

// SpecialistFinding is one specialist's opinion. Fallback marks a placeholder
// substituted for a failed call.
type SpecialistFinding struct {
	Specialist         string             `json:"specialist"`
	Findings           string             `json:"findings"`
	ClinicalAssessment ClinicalAssessment `json:"clinicalAssessment"`
	Recommendations    string             `json:"recommendations"`
	Fallback           bool               `json:"fallback,omitempty"`
}

// specialistResponse is the shape a specialist call must return.
type specialistResponse struct {
	Findings           string `json:"findings" desc:"Clinical findings relevant to this specialty"`
	ClinicalAssessment string `json:"clinicalAssessment" desc:"Severity of the findings"`
	Recommendations    string `json:"recommendations" desc:"Recommended next steps"`
}

// Validate checks if the response is valid.
func (r specialistResponse) Validate() error {
	if strings.TrimSpace(r.Findings) == "" {
		return fmt.Errorf("findings required but empty")
	}
	if !ClinicalAssessment(r.ClinicalAssessment).Valid() {
		return fmt.Errorf("unknown clinical assessment %q", r.ClinicalAssessment)
	}
	return nil
}

var specialistSchema = generateJSONSchema[specialistResponse](map[string][]string{
	"clinicalAssessment": assessmentNames(),
})

func assessmentNames() []string {
	names := make([]string, len(Assessments))
	for i, a := range Assessments {
		names[i] = string(a)
	}
	return names
}

// Specialist is one roster entry bound to a call pipeline.
// Consult is a pure function of the consultation context: it shares no mutable state.
type Specialist struct {
	descriptor SpecialistDescriptor
	service    *Service[specialistResponse]
}

// NewSpecialist creates a specialist that calls provider through pipeline.
func NewSpecialist(descriptor SpecialistDescriptor, pipeline pipz.Chainable[*SynapseRequest], provider Provider) *Specialist {
	return &Specialist{
		descriptor: descriptor,
		service:    NewService[specialistResponse](pipeline, FeatureSpecialist, provider, DefaultTemperatureAnalytical),
	}
}

// Descriptor returns the specialist's identity.
func (s *Specialist) Descriptor() SpecialistDescriptor {
	return s.descriptor
}

// Consult asks the model for this specialist's opinion on cc.
// Failures are returned as errors; the coordinator decides whether to substitute a fallback.
func (s *Specialist) Consult(ctx context.Context, consultationID string, cc ConsultationContext) (SpecialistFinding, error) {
	meta := CallMeta{
		ConsultationID: consultationID,
		PatientID:      cc.PatientID,
		Subject:        s.descriptor.ID,
		System:         s.descriptor.persona(),
	}

	resp, err := s.service.Execute(ctx, meta, s.buildPrompt(cc), TemperatureUnset)
	if err != nil {
		return SpecialistFinding{}, err
	}

	return SpecialistFinding{
		Specialist:         s.descriptor.label(),
		Findings:           strings.TrimSpace(resp.Findings),
		ClinicalAssessment: ClinicalAssessment(resp.ClinicalAssessment),
		Recommendations:    strings.TrimSpace(resp.Recommendations),
	}, nil
}

// buildPrompt constructs the prompt from the consultation context.
func (s *Specialist) buildPrompt(cc ConsultationContext) *Prompt {
	return &Prompt{
		Task:    fmt.Sprintf("Review the exam results as a %s and report findings within your specialty", s.descriptor.label()),
		Input:   cc.examInput(),
		Context: cc.background(),
		Schema:  specialistSchema,
		Constraints: []string{
			"findings: required, concise clinical findings",
			"clinicalAssessment: one of " + strings.Join(assessmentNames(), ", "),
			"clinicalAssessment: not_applicable when the exams are outside your specialty",
			"recommendations: next steps, or empty string",
		},
	}
}
