// Package observe bridges consult events onto a zerolog logger.
package observe

import (
	"context"

	"github.com/adrielmoraes/consult"
	"github.com/rs/zerolog"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

var levels = map[capitan.Signal]zerolog.Level{
	consult.ConsultationStarted:   zerolog.InfoLevel,
	consult.ConsultationCompleted: zerolog.InfoLevel,
	consult.ConsultationFailed:    zerolog.ErrorLevel,

	consult.FanOutCompleted:    zerolog.InfoLevel,
	consult.SpecialistFallback: zerolog.WarnLevel,
	consult.SynthesisCompleted: zerolog.InfoLevel,
	consult.SynthesisDegraded:  zerolog.WarnLevel,
	consult.TriageCompleted:    zerolog.InfoLevel,
	consult.TriageDefaulted:    zerolog.WarnLevel,

	consult.RequestFailed:       zerolog.WarnLevel,
	consult.RequestRetried:      zerolog.WarnLevel,
	consult.ResponseParseFailed: zerolog.WarnLevel,
	consult.ProviderCallFailed:  zerolog.WarnLevel,

	consult.UsageFailed: zerolog.ErrorLevel,
}

type stringField struct {
	name string
	from func(*capitan.Event) (string, bool)
}

type intField struct {
	name string
	from func(*capitan.Event) (int, bool)
}

var stringFields = []stringField{
	{"consultation_id", consult.ConsultationIDKey.From},
	{"patient_id", consult.PatientIDKey.From},
	{"request_id", consult.RequestIDKey.From},
	{"feature", consult.FeatureKey.From},
	{"specialist", consult.SpecialistKey.From},
	{"assessment", consult.AssessmentKey.From},
	{"reason", consult.ReasonKey.From},
	{"provider", consult.ProviderKey.From},
	{"model", consult.ModelKey.From},
	{"priority", consult.PriorityKey.From},
	{"triage_state", consult.TriageStateKey.From},
	{"synthesis_source", consult.SynthesisSourceKey.From},
	{"usage_id", consult.UsageRecordIDKey.From},
	{"token_source", consult.TokenSourceKey.From},
	{"price_missing", consult.PriceMissingKey.From},
	{"error_type", consult.ErrorTypeKey.From},
	{"api_error_type", consult.APIErrorTypeKey.From},
	{"error", consult.ErrorKey.From},
}

var intFields = []intField{
	{"attempt", consult.AttemptKey.From},
	{"roster_size", consult.RosterSizeKey.From},
	{"fallback_count", consult.FallbackCountKey.From},
	{"prompt_tokens", consult.PromptTokensKey.From},
	{"completion_tokens", consult.CompletionTokensKey.From},
	{"total_tokens", consult.TotalTokensKey.From},
	{"cost_units", consult.CostUnitsKey.From},
	{"duration_ms", consult.DurationMsKey.From},
	{"http_status", consult.HTTPStatusCodeKey.From},
}

// Level returns the log level for a signal. Unlisted signals log at debug.
func Level(signal capitan.Signal) zerolog.Level {
	if lvl, ok := levels[signal]; ok {
		return lvl
	}
	return zerolog.DebugLevel
}

// Attach logs every consult event to logger until the returned func is called.
// Raw prompts and responses are never logged.
func Attach(logger zerolog.Logger) (detach func()) {
	observer := capitan.Observe(func(_ context.Context, e *capitan.Event) {
		signal := e.Signal()
		evt := logger.WithLevel(Level(signal))
		if evt == nil {
			return
		}
		for _, f := range stringFields {
			if v, ok := f.from(e); ok && v != "" {
				evt = evt.Str(f.name, v)
			}
		}
		for _, f := range intFields {
			if v, ok := f.from(e); ok {
				evt = evt.Int(f.name, v)
			}
		}
		evt.Msg(signal.Name())
	})
	return func() { observer.Close() }
}

var callFailureID = pipz.NewIdentity("log-call-failure", "Logs model calls that failed for good")

// CallFailures returns an error handler for consult.PipelineConfig that logs
// each model call still failing after retries and fallback, with the chain
// path that produced the error. Cancelled calls log at warn.
func CallFailures(logger zerolog.Logger) pipz.Chainable[*pipz.Error[*consult.SynapseRequest]] {
	return pipz.Effect(callFailureID, func(_ context.Context, e *pipz.Error[*consult.SynapseRequest]) error {
		level := zerolog.ErrorLevel
		if e.Canceled {
			level = zerolog.WarnLevel
		}
		evt := logger.WithLevel(level)
		if evt == nil {
			return nil
		}

		path := make([]string, len(e.Path))
		for i, id := range e.Path {
			path[i] = id.Name()
		}
		evt = evt.Strs("path", path).Bool("timeout", e.Timeout).Err(e.Err)
		if req := e.InputData; req != nil {
			evt = evt.Str("consultation_id", req.ConsultationID).
				Str("feature", req.FeatureLabel()).
				Str("provider", req.ProviderName).
				Int("attempts", req.Attempts)
		}
		evt.Msg("model call failed")
		return nil
	})
}
