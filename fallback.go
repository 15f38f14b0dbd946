package consult

import (
	"context"
	"errors"
)

// Reasons recorded on fallback findings.
const (
	ReasonTimeout         = "timeout"
	ReasonDeadline        = "deadline exceeded"
	ReasonInvalidResponse = "invalid response"
	ReasonRateLimited     = "rate limited"
	ReasonProviderError   = "provider error"
)

// FallbackFinding returns the placeholder finding for a specialist whose call failed.
// It is always tagged not_applicable and carries no recommendations.
func FallbackFinding(d SpecialistDescriptor, reason string) SpecialistFinding {
	findings := "Analysis unavailable"
	if reason != "" {
		findings += " (" + reason + ")"
	}
	return SpecialistFinding{
		Specialist:         d.label(),
		Findings:           findings,
		ClinicalAssessment: AssessmentNotApplicable,
		Recommendations:    "",
		Fallback:           true,
	}
}

// fallbackReason maps a call failure to a short human-readable reason.
func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrSchemaValidation):
		return ReasonInvalidResponse
	case errors.Is(err, ErrProviderRateLimit):
		return ReasonRateLimited
	case errors.Is(err, ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonProviderError
	}
}

// CountFallbacks returns how many findings are fallback placeholders.
func CountFallbacks(findings []SpecialistFinding) int {
	n := 0
	for _, f := range findings {
		if f.Fallback {
			n++
		}
	}
	return n
}
