package consult

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrProviderAuth},
		{http.StatusForbidden, ErrProviderAuth},
		{http.StatusTooManyRequests, ErrProviderRateLimit},
		{http.StatusRequestTimeout, ErrProviderTimeout},
		{http.StatusGatewayTimeout, ErrProviderTimeout},
		{http.StatusInternalServerError, ErrProviderTransient},
		{http.StatusBadGateway, ErrProviderTransient},
		{http.StatusBadRequest, ErrProviderTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ClassifyStatus("test", tt.status, "boom")
			if !errors.Is(err, tt.want) {
				t.Errorf("ClassifyStatus(%d) = %v, want kind %v", tt.status, err, tt.want)
			}
			var perr *ProviderError
			if !errors.As(err, &perr) || perr.StatusCode != tt.status {
				t.Errorf("expected *ProviderError with status %d, got %#v", tt.status, err)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	schemaErr := &SchemaValidationError{Feature: "triage", Err: errors.New("bad")}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", ClassifyStatus("p", http.StatusGatewayTimeout, ""), true},
		{"rate limit", ClassifyStatus("p", http.StatusTooManyRequests, ""), true},
		{"transient", ClassifyStatus("p", http.StatusServiceUnavailable, ""), true},
		{"unclassified", errors.New("connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"auth", ClassifyStatus("p", http.StatusUnauthorized, ""), false},
		{"wrapped auth", fmt.Errorf("call: %w", ClassifyStatus("p", http.StatusForbidden, "")), false},
		{"schema", schemaErr, false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSchemaValidationError(t *testing.T) {
	cause := errors.New("unknown field")
	err := error(&SchemaValidationError{Feature: "specialist:cardiologist", Response: "{}", Err: cause})

	if !errors.Is(err, ErrSchemaValidation) {
		t.Error("expected errors.Is(err, ErrSchemaValidation)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
	if IsFatal(err) {
		t.Error("schema errors must not be fatal")
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ClassifyStatus("p", 401, ""), "auth"},
		{ClassifyStatus("p", 429, ""), "rate_limit"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{&SchemaValidationError{Err: errors.New("x")}, "schema"},
		{errors.New("other"), "transient"},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
