package consult

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"golang.org/x/sync/errgroup"
)

// Consultant produces one specialist's finding. *Specialist implements it.
type Consultant interface {
	Descriptor() SpecialistDescriptor
	Consult(ctx context.Context, consultationID string, cc ConsultationContext) (SpecialistFinding, error)
}

// Coordinator fans a consultation out to every specialist concurrently and
// collects exactly one finding per specialist, in roster order.
type Coordinator struct {
	agents         []Consultant
	deadline       time.Duration
	maxConcurrency int
}

// NewCoordinator creates a coordinator over agents. deadline bounds the whole
// fan-out (0 disables it); maxConcurrency caps in-flight calls (0 = unbounded).
func NewCoordinator(agents []Consultant, deadline time.Duration, maxConcurrency int) *Coordinator {
	return &Coordinator{
		agents:         agents,
		deadline:       deadline,
		maxConcurrency: maxConcurrency,
	}
}

type outcome struct {
	finding SpecialistFinding
	err     error
}

// FanOut consults every specialist and returns len(agents) findings in roster order.
//
// Failed, timed-out and invalid calls become fallback findings, as does any
// call still pending when the deadline passes, whether the coordinator's own
// or one already set on ctx by the consultation. Only a fatal provider error
// or the caller's cancellation is returned, and then no findings are
// returned; no specialist call starts after a fatal error has been observed.
func (c *Coordinator) FanOut(ctx context.Context, consultationID string, cc ConsultationContext) ([]SpecialistFinding, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.deadline > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, c.deadline, errDeadline)
	}
	defer cancel()

	// Events outlive the deadline that produced them.
	events := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(runCtx)
	if c.maxConcurrency > 0 {
		g.SetLimit(c.maxConcurrency)
	}

	// One buffered slot per roster position; each task writes only its own.
	slots := make([]chan outcome, len(c.agents))
	for i := range slots {
		slots[i] = make(chan outcome, 1)
	}

	abort := make(chan struct{})
	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	aborted := func() bool {
		select {
		case <-abort:
			return true
		default:
			return false
		}
	}

	go func() {
		for i, agent := range c.agents {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					slots[i] <- outcome{err: err}
					return nil
				}
				finding, err := agent.Consult(gctx, consultationID, cc)
				slots[i] <- outcome{finding: finding, err: err}
				if IsFatal(err) {
					fatalOnce.Do(func() {
						fatalErr = err
						close(abort)
					})
					return err
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	findings := make([]SpecialistFinding, len(c.agents))
	expired := false
	for i, agent := range c.agents {
		var (
			out      outcome
			received bool
		)
		if !expired {
			select {
			case out = <-slots[i]:
				received = true
			case <-abort:
				return nil, fatalErr
			case <-runCtx.Done():
				if err := callerErr(runCtx); err != nil {
					return nil, err
				}
				expired = true
			}
		}
		if !received {
			select {
			case out = <-slots[i]:
				received = true
			default:
			}
		}

		desc := agent.Descriptor()
		if !received || out.err != nil {
			// Siblings cancelled by a fatal error are not fallbacks.
			if aborted() {
				return nil, fatalErr
			}
		}
		switch {
		case !received:
			findings[i] = c.substitute(events, consultationID, desc, ReasonDeadline, nil)
		case out.err != nil:
			if IsFatal(out.err) {
				return nil, out.err
			}
			if err := callerErr(runCtx); err != nil {
				return nil, err
			}
			reason := fallbackReason(out.err)
			if runCtx.Err() != nil {
				reason = ReasonDeadline
			}
			findings[i] = c.substitute(events, consultationID, desc, reason, out.err)
		default:
			findings[i] = out.finding
			capitan.Info(events, SpecialistCompleted,
				ConsultationIDKey.Field(consultationID),
				SpecialistKey.Field(desc.ID),
				AssessmentKey.Field(string(out.finding.ClinicalAssessment)),
			)
		}
	}

	capitan.Info(events, FanOutCompleted,
		ConsultationIDKey.Field(consultationID),
		RosterSizeKey.Field(len(findings)),
		FallbackCountKey.Field(CountFallbacks(findings)),
	)
	return findings, nil
}

// substitute builds a fallback finding and reports it.
func (*Coordinator) substitute(ctx context.Context, consultationID string, desc SpecialistDescriptor, reason string, cause error) SpecialistFinding {
	fields := []capitan.Field{
		ConsultationIDKey.Field(consultationID),
		SpecialistKey.Field(desc.ID),
		ReasonKey.Field(reason),
	}
	if cause != nil {
		fields = append(fields,
			ErrorKey.Field(cause.Error()),
			ErrorTypeKey.Field(errorKind(cause)),
		)
	}
	capitan.Emit(ctx, SpecialistFallback, fields...)
	return FallbackFinding(desc, reason)
}
