package consult

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// Pipeline defaults.
const (
	DefaultSpecialistTimeout = 30 * time.Second
	DefaultDeadline          = 60 * time.Second
	DefaultRetryAttempts     = 2
	DefaultRetryBackoff      = 500 * time.Millisecond
)

// PipelineConfig tunes the reliability envelope around every model call.
// Zero values take the defaults above; rate limiting and circuit breaking are off unless set.
type PipelineConfig struct {
	SpecialistTimeout time.Duration // Per-attempt timeout for every model call
	Deadline          time.Duration // Bound on the whole consultation
	RetryAttempts     int           // Total attempts per call, including the first
	RetryBackoff      time.Duration // Wait before retrying a rate-limited attempt
	MaxConcurrency    int           // In-flight specialist calls, 0 = unbounded

	RateLimit float64 // Shared provider requests per second, 0 = unlimited
	RateBurst int

	BreakerFailures int // Consecutive failures before the circuit opens, 0 = no breaker
	BreakerRecovery time.Duration

	Fallback Provider  // Optional backup provider for non-fatal failures
	Debug    io.Writer // When set, prompts and raw responses are written here

	// ErrorHandler, when set, receives every model call that still fails
	// after retries and fallback.
	ErrorHandler pipz.Chainable[*pipz.Error[*SynapseRequest]]
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.SpecialistTimeout <= 0 {
		c.SpecialistTimeout = DefaultSpecialistTimeout
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	} else if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.BreakerRecovery <= 0 {
		c.BreakerRecovery = 30 * time.Second
	}
	return c
}

// options returns the call pipeline options, innermost first.
func (c PipelineConfig) options(ledger *Ledger) []Option {
	opts := []Option{WithUsage(ledger), WithTimeout(c.SpecialistTimeout)}
	if c.Fallback != nil {
		opts = append(opts, WithFallback(c.Fallback, WithUsage(ledger), WithTimeout(c.SpecialistTimeout)))
	}
	if c.BreakerFailures > 0 {
		opts = append(opts, WithCircuitBreaker(c.BreakerFailures, c.BreakerRecovery))
	}
	if c.RateLimit > 0 {
		opts = append(opts, WithRateLimit(c.RateLimit, c.RateBurst))
	}
	if c.Debug != nil {
		opts = append(opts, WithDebug(c.Debug))
	}
	opts = append(opts, WithTransientRetry(c.RetryAttempts, c.RetryBackoff))
	if c.ErrorHandler != nil {
		opts = append(opts, WithErrorHandler(c.ErrorHandler))
	}
	return opts
}

// Result is everything a consultation returns to its caller.
type Result struct {
	ConsultationID string `json:"consultationId"`
	DiagnosisSynthesis
	TriageResult
}

// Pipeline runs consultations: fan-out, aggregation, triage.
type Pipeline struct {
	roster      Roster
	coordinator *Coordinator
	aggregator  *Aggregator
	triage      *TriageClassifier
	ledger      *Ledger
	deadline    time.Duration
}

// NewPipeline wires a provider, roster and ledger into a consultation pipeline.
// Every model call shares one call chain, so the rate limiter and circuit
// breaker apply across all specialists. A nil ledger keeps usage in memory.
func NewPipeline(provider Provider, roster Roster, ledger *Ledger, cfg PipelineConfig) (*Pipeline, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider required")
	}
	if err := roster.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = NewLedger(nil, nil)
	}
	cfg = cfg.withDefaults()

	var chain pipz.Chainable[*SynapseRequest] = NewTerminal(provider)
	for _, opt := range cfg.options(ledger) {
		chain = opt(chain)
	}

	agents := make([]Consultant, len(roster))
	for i, d := range roster {
		agents[i] = NewSpecialist(d, chain, provider)
	}

	return &Pipeline{
		roster:      append(Roster(nil), roster...),
		coordinator: NewCoordinator(agents, 0, cfg.MaxConcurrency),
		aggregator:  NewAggregator(chain, provider),
		triage:      NewTriageClassifier(chain, provider),
		ledger:      ledger,
		deadline:    cfg.Deadline,
	}, nil
}

// Roster returns a copy of the pipeline's roster.
func (p *Pipeline) Roster() Roster {
	return append(Roster(nil), p.roster...)
}

// Ledger returns the ledger metering this pipeline.
func (p *Pipeline) Ledger() *Ledger {
	return p.ledger
}

// Run performs one consultation.
//
// The caller receives a complete result, with one finding per roster entry,
// unless cc is invalid, a provider rejects the credentials, or ctx is
// cancelled; in those cases an error is returned and no result.
//
// The configured deadline bounds the whole consultation. Specialists still
// pending when it passes become fallbacks, and synthesis and triage degrade
// once it is spent.
func (p *Pipeline) Run(ctx context.Context, cc ConsultationContext) (*Result, error) {
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	consultationID := uuid.New().String()
	capitan.Info(ctx, ConsultationStarted,
		ConsultationIDKey.Field(consultationID),
		PatientIDKey.Field(cc.PatientID),
		RosterSizeKey.Field(len(p.roster)),
	)

	result, err := p.run(ctx, consultationID, cc)
	if err != nil {
		capitan.Error(ctx, ConsultationFailed,
			ConsultationIDKey.Field(consultationID),
			PatientIDKey.Field(cc.PatientID),
			ErrorKey.Field(err.Error()),
			ErrorTypeKey.Field(errorKind(err)),
		)
		return nil, err
	}

	capitan.Info(ctx, ConsultationCompleted,
		ConsultationIDKey.Field(consultationID),
		PatientIDKey.Field(cc.PatientID),
		PriorityKey.Field(string(result.Priority)),
		TriageStateKey.Field(string(result.State)),
		FallbackCountKey.Field(result.FallbackCount),
	)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, consultationID string, cc ConsultationContext) (*Result, error) {
	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.deadline, errDeadline)
		defer cancel()
	}

	findings, err := p.coordinator.FanOut(ctx, consultationID, cc)
	if err != nil {
		return nil, fmt.Errorf("specialist fan-out: %w", err)
	}

	synthesis, err := p.aggregator.Aggregate(ctx, consultationID, cc, findings)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}

	triage, err := p.triage.Classify(ctx, consultationID, cc, synthesis)
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}

	return &Result{
		ConsultationID:     consultationID,
		DiagnosisSynthesis: synthesis,
		TriageResult:       triage,
	}, nil
}
