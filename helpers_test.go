package consult

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/capitan"
)

const (
	okSpecialist = `{"findings": "Sinus rhythm, no ischemic changes", "clinicalAssessment": "mild", "recommendations": "Repeat ECG in 6 months"}`
	okSynthesis  = `{"synthesis": "Mild findings across specialties", "suggestions": ["Follow up in 6 months"]}`
	okTriage     = `{"priority": "high", "reasoning": "Abnormal labs need review this week"}`
)

// testRoster returns n specialists whose system prompt is "persona:<id>".
func testRoster(ids ...string) Roster {
	roster := make(Roster, len(ids))
	for i, id := range ids {
		roster[i] = SpecialistDescriptor{
			ID:             id,
			DisplayName:    strings.ToUpper(id[:1]) + id[1:],
			PromptTemplate: "persona:" + id,
		}
	}
	return roster
}

// routeProvider answers by call kind. Specialist handlers are keyed by id;
// unknown ids get okSpecialist.
type routeProvider struct {
	specialist map[string]func(ctx context.Context) (string, error)
	synthesis  func(ctx context.Context) (string, error)
	triage     func(ctx context.Context) (string, error)
	usage      TokenUsage
	model      string

	calls          atomic.Int64
	mu             sync.Mutex
	specialistHits []string
}

func newRouteProvider() *routeProvider {
	return &routeProvider{
		specialist: map[string]func(context.Context) (string, error){},
		synthesis:  func(context.Context) (string, error) { return okSynthesis, nil },
		triage:     func(context.Context) (string, error) { return okTriage, nil },
		usage:      TokenUsage{Prompt: 100, Completion: 50, Total: 150},
		model:      "gpt-4o-mini",
	}
}

func (p *routeProvider) Call(ctx context.Context, messages []Message, _ float32) (*ProviderResponse, error) {
	p.calls.Add(1)
	prompt := lastUserMessage(messages)

	var handler func(context.Context) (string, error)
	switch {
	case strings.Contains(prompt, "Categories:"):
		handler = p.triage
	case strings.Contains(prompt, "Specialist findings:"):
		handler = p.synthesis
	default:
		id := strings.TrimPrefix(systemMessage(messages), "persona:")
		p.mu.Lock()
		p.specialistHits = append(p.specialistHits, id)
		p.mu.Unlock()
		handler = p.specialist[id]
		if handler == nil {
			handler = func(context.Context) (string, error) { return okSpecialist, nil }
		}
	}

	content, err := handler(ctx)
	if err != nil {
		return nil, err
	}
	return &ProviderResponse{Content: content, Model: p.model, Usage: p.usage}, nil
}

func (*routeProvider) Name() string { return "route" }

func (p *routeProvider) hits(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.specialistHits {
		if h == id {
			n++
		}
	}
	return n
}

// respond returns a handler with a fixed answer.
func respond(content string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return content, nil }
}

// fail returns a handler that always fails with err.
func fail(err error) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return "", err }
}

// hang returns a handler that blocks until ctx is done.
func hang() func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// recorded is a snapshot of the fields tests inspect; events are not retained.
type recorded struct {
	consultationID string
	specialist     string
	reason         string
	priority       string
	state          string
	feature        string
	errorType      string
	source         string
}

// eventRecorder collects events for one signal.
type eventRecorder struct {
	mu     sync.Mutex
	events []recorded
	notify chan struct{}
}

func recordEvents(t *testing.T, signal capitan.Signal) *eventRecorder {
	t.Helper()
	r := &eventRecorder{notify: make(chan struct{}, 1024)}
	listener := capitan.Hook(signal, func(_ context.Context, e *capitan.Event) {
		var ev recorded
		ev.consultationID, _ = ConsultationIDKey.From(e)
		ev.specialist, _ = SpecialistKey.From(e)
		ev.reason, _ = ReasonKey.From(e)
		ev.priority, _ = PriorityKey.From(e)
		ev.state, _ = TriageStateKey.From(e)
		ev.feature, _ = FeatureKey.From(e)
		ev.errorType, _ = ErrorTypeKey.From(e)
		ev.source, _ = TokenSourceKey.From(e)

		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	})
	t.Cleanup(func() { listener.Close() })
	return r
}

// waitFor blocks until n recorded events match or two seconds pass, and returns the matches.
func (r *eventRecorder) waitFor(n int, match func(recorded) bool) []recorded {
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		var matched []recorded
		for _, e := range r.events {
			if match == nil || match(e) {
				matched = append(matched, e)
			}
		}
		r.mu.Unlock()
		if len(matched) >= n {
			return matched
		}
		select {
		case <-r.notify:
		case <-deadline:
			return matched
		}
	}
}

// forConsultation matches events carrying id.
func forConsultation(id string) func(recorded) bool {
	return func(e recorded) bool { return e.consultationID == id }
}
