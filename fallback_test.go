package consult

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestFallbackFinding(t *testing.T) {
	d := SpecialistDescriptor{ID: "neurologist", DisplayName: "Neurologist"}
	f := FallbackFinding(d, ReasonTimeout)

	if f.ClinicalAssessment != AssessmentNotApplicable {
		t.Errorf("expected not_applicable, got %q", f.ClinicalAssessment)
	}
	if !f.Fallback {
		t.Error("expected fallback flag")
	}
	if f.Specialist != "Neurologist" {
		t.Errorf("expected display name, got %q", f.Specialist)
	}
	if !strings.Contains(f.Findings, "unavailable") || !strings.Contains(f.Findings, ReasonTimeout) {
		t.Errorf("unexpected findings text %q", f.Findings)
	}
	if f.Recommendations != "" {
		t.Errorf("expected empty recommendations, got %q", f.Recommendations)
	}

	if got := FallbackFinding(SpecialistDescriptor{ID: "x"}, "").Specialist; got != "x" {
		t.Errorf("expected id when display name missing, got %q", got)
	}
}

func TestFallbackReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&SchemaValidationError{Err: errors.New("x")}, ReasonInvalidResponse},
		{ClassifyStatus("p", 429, ""), ReasonRateLimited},
		{ClassifyStatus("p", 504, ""), ReasonTimeout},
		{context.DeadlineExceeded, ReasonTimeout},
		{errors.New("reset"), ReasonProviderError},
	}
	for _, tt := range tests {
		if got := fallbackReason(tt.err); got != tt.want {
			t.Errorf("fallbackReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestCountFallbacks(t *testing.T) {
	findings := []SpecialistFinding{
		{Specialist: "A"},
		FallbackFinding(SpecialistDescriptor{ID: "b"}, ""),
		FallbackFinding(SpecialistDescriptor{ID: "c"}, ""),
	}
	if got := CountFallbacks(findings); got != 2 {
		t.Errorf("expected 2 fallbacks, got %d", got)
	}
}
