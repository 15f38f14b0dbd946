package consult

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Provider failure classes. Providers wrap one of these in a *ProviderError.
var (
	ErrProviderTimeout   = errors.New("provider timeout")
	ErrProviderRateLimit = errors.New("provider rate limited")
	ErrProviderAuth      = errors.New("provider authentication failed")
	ErrProviderTransient = errors.New("provider transient failure")
)

var (
	// ErrSchemaValidation marks a response that did not parse into the expected shape.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrInvalidContext is returned when a consultation context is rejected before dispatch.
	ErrInvalidContext = errors.New("invalid consultation context")

	// ErrUsageTracking marks a usage record that could not be persisted. Never returned to callers.
	ErrUsageTracking = errors.New("usage tracking failed")
)

// errDeadline is the cancellation cause once a consultation's deadline passes.
var errDeadline = errors.New("consultation deadline reached")

// callerErr returns ctx's error, or nil when ctx ended only because the
// consultation deadline passed. The deadline degrades a result; the caller's
// own cancellation or deadline aborts it.
func callerErr(ctx context.Context) error {
	err := ctx.Err()
	if err != nil && errors.Is(context.Cause(ctx), errDeadline) {
		return nil
	}
	return err
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider   string
	StatusCode int   // HTTP status when known, 0 otherwise
	Kind       error  // One of the ErrProvider* sentinels
	Type       string // Provider-specific error type, e.g. "overloaded_error"
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (%d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %v: %s", e.Provider, e.Kind, e.Message)
}

// Unwrap exposes the failure class to errors.Is.
func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// SchemaValidationError reports a provider response that could not be
// decoded or failed validation.
type SchemaValidationError struct {
	Feature  string
	Response string
	Err      error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("%s: invalid response: %v", e.Feature, e.Err)
}

// Unwrap matches both ErrSchemaValidation and the underlying cause.
func (e *SchemaValidationError) Unwrap() []error {
	return []error{ErrSchemaValidation, e.Err}
}

// ClassifyStatus maps an HTTP status code from a provider into a *ProviderError.
func ClassifyStatus(provider string, status int, message string) error {
	kind := ErrProviderTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrProviderAuth
	case status == http.StatusTooManyRequests:
		kind = ErrProviderRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = ErrProviderTimeout
	}
	return &ProviderError{Provider: provider, StatusCode: status, Kind: kind, Message: message}
}

// IsFatal reports whether err must abort the whole consultation.
// Without valid credentials no specialist can succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProviderAuth)
}

// IsRetryable reports whether a failed attempt may be retried.
// Timeouts, rate limits and transient or unclassified provider errors retry;
// auth failures, schema mismatches and caller cancellation do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) || errors.Is(err, ErrSchemaValidation) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// errorKind returns a short label for events.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderAuth):
		return "auth"
	case errors.Is(err, ErrSchemaValidation):
		return "schema"
	case errors.Is(err, ErrProviderRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "transient"
	}
}
