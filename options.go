package consult

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// Option modifies a pipeline for reliability features.
// Options apply in order: the first option wraps the terminal call, the last is outermost.
type Option func(pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest]

// Processor identities for the call chain.
var (
	meteredCallID  = pipz.NewIdentity("metered-call", "Provider call followed by usage metering")
	retryID        = pipz.NewIdentity("transient-retry", "Retries transient provider failures")
	timeoutID      = pipz.NewIdentity("timeout", "Bounds a single provider attempt")
	breakerID      = pipz.NewIdentity("circuit-breaker", "Stops calling a provider that keeps failing")
	rateLimitID    = pipz.NewIdentity("rate-limit", "Provider request budget shared by every call")
	errorHandlerID = pipz.NewIdentity("error-handler", "Reports calls that failed for good")
	fallbackID     = pipz.NewIdentity("with-fallback", "Routes failed calls to a backup provider")
	debugID        = pipz.NewIdentity("debug", "Writes prompts and raw responses")
)

// WithUsage meters every successful provider response into the ledger.
// Apply it first so each attempt is metered, not just the final one.
func WithUsage(ledger *Ledger) Option {
	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		return pipz.NewSequence(meteredCallID, pipeline, ledger.Meter())
	}
}

// WithTransientRetry retries failed attempts whose error IsRetryable, up to
// maxAttempts in total. Rate-limited attempts wait backoff before the next one.
// Auth failures, schema mismatches and caller cancellation return immediately.
//
// Each attempt runs on its own copy of the request so that an attempt
// abandoned by a timeout cannot race with the next one.
func WithTransientRetry(maxAttempts int, backoff time.Duration) Option {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		return pipz.Apply(retryID, func(ctx context.Context, req *SynapseRequest) (*SynapseRequest, error) {
			var lastErr error
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				try := *req
				try.Attempts = attempt - 1

				processed, err := pipeline.Process(ctx, &try)
				if err == nil {
					return processed, nil
				}
				lastErr = err
				req.Attempts = attempt

				if attempt == maxAttempts || !IsRetryable(err) || ctx.Err() != nil {
					break
				}

				capitan.Emit(ctx, RequestRetried,
					RequestIDKey.Field(req.RequestID),
					ConsultationIDKey.Field(req.ConsultationID),
					FeatureKey.Field(req.FeatureLabel()),
					AttemptKey.Field(attempt),
					ErrorKey.Field(err.Error()),
					ErrorTypeKey.Field(errorKind(err)),
				)

				if errors.Is(err, ErrProviderRateLimit) && backoff > 0 {
					timer := time.NewTimer(backoff)
					select {
					case <-timer.C:
					case <-ctx.Done():
						timer.Stop()
						return req, ctx.Err()
					}
				}
			}
			return req, lastErr
		})
	}
}

// WithTimeout adds timeout protection to the pipeline.
// Operations exceeding this duration will be canceled.
func WithTimeout(duration time.Duration) Option {
	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		return pipz.NewTimeout(timeoutID, pipeline, duration)
	}
}

// WithCircuitBreaker adds circuit breaker protection to the pipeline.
// After 'failures' consecutive failures, the circuit opens for 'recovery' duration.
func WithCircuitBreaker(failures int, recovery time.Duration) Option {
	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		return pipz.NewCircuitBreaker(breakerID, pipeline, failures, recovery)
	}
}

// WithRateLimit adds rate limiting to the pipeline.
// rps = requests per second, burst = burst capacity.
// Services sharing one pipeline share the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		return pipz.NewRateLimiter(rateLimitID, rps, burst, pipeline)
	}
}

// WithErrorHandler adds error handling to the pipeline.
// The error handler receives error context and can process/log/alert as needed.
func WithErrorHandler(handler pipz.Chainable[*pipz.Error[*SynapseRequest]]) Option {
	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		return pipz.NewHandle(errorHandlerID, pipeline, handler)
	}
}

// WithFallback routes calls to a backup provider when the primary pipeline fails.
// opts wrap the backup call, innermost first, so it can be metered and timed
// like the primary. Auth failures are not rerouted: they signal a
// configuration problem, not an outage.
func WithFallback(backup Provider, opts ...Option) Option {
	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		var secondary pipz.Chainable[*SynapseRequest] = NewTerminal(backup)
		for _, opt := range opts {
			secondary = opt(secondary)
		}
		return pipz.Apply(fallbackID, func(ctx context.Context, req *SynapseRequest) (*SynapseRequest, error) {
			// A timed-out primary may still be writing to its copy.
			primary := *req
			processed, err := pipeline.Process(ctx, &primary)
			if err == nil || IsFatal(err) || ctx.Err() != nil {
				return processed, err
			}
			rerouted := *req
			rerouted.ProviderName = backup.Name()
			return secondary.Process(ctx, &rerouted)
		})
	}
}

// WithDebug writes each prompt and raw response to w.
// Useful for troubleshooting what the model sees and returns.
// Each block is written whole, so concurrent calls do not interleave.
func WithDebug(w io.Writer) Option {
	var mu sync.Mutex
	write := func(block string) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = io.WriteString(w, block)
	}

	return func(pipeline pipz.Chainable[*SynapseRequest]) pipz.Chainable[*SynapseRequest] {
		return pipz.Apply(debugID, func(ctx context.Context, req *SynapseRequest) (*SynapseRequest, error) {
			var prompt strings.Builder
			fmt.Fprintf(&prompt, "\n=== DEBUG: Prompt [%s] ===\n", req.FeatureLabel())
			if req.System != "" {
				prompt.WriteString(req.System + "\n---\n")
			}
			prompt.WriteString(req.Prompt.Render() + "\n")
			write(prompt.String())

			processed, err := pipeline.Process(ctx, req)
			if err != nil {
				write(fmt.Sprintf("\n=== DEBUG: Error [%s] ===\n%v\n", req.FeatureLabel(), err))
				return processed, err
			}

			write(fmt.Sprintf("\n=== DEBUG: Raw Response [%s] ===\n%s\n", req.FeatureLabel(), processed.Response))
			return processed, nil
		})
	}
}
