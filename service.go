package consult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// CallMeta carries per-call identity through the pipeline into events and usage records.
type CallMeta struct {
	ConsultationID string
	PatientID      string
	Subject        string // Specialist id for specialist calls
	System         string // Optional system instruction
}

// Service provides type-safe model interactions for a specific response type T.
// It wraps a pipz pipeline and handles strict JSON parsing of responses.
// T must implement Validator to ensure response validation.
type Service[T Validator] struct {
	pipeline           pipz.Chainable[*SynapseRequest]
	feature            string
	providerName       string
	defaultTemperature float32
}

// NewService creates a new Service with the given pipeline, feature, provider, and default temperature.
// The default temperature is used when no temperature is specified in Execute calls.
func NewService[T Validator](pipeline pipz.Chainable[*SynapseRequest], feature string, provider Provider, defaultTemperature float32) *Service[T] {
	return &Service[T]{
		pipeline:           pipeline,
		feature:            feature,
		providerName:       provider.Name(),
		defaultTemperature: defaultTemperature,
	}
}

// NewTerminal creates the terminal processor that calls the provider.
// Every consultation call is one system message (when set) plus the rendered prompt.
func NewTerminal(provider Provider) pipz.Chainable[*SynapseRequest] {
	id := pipz.NewIdentity("llm-call", "Calls the "+provider.Name()+" model provider")
	return pipz.Apply(id, func(ctx context.Context, req *SynapseRequest) (*SynapseRequest, error) {
		messages := make([]Message, 0, 2)
		if req.System != "" {
			messages = append(messages, Message{Role: RoleSystem, Content: req.System})
		}
		messages = append(messages, Message{Role: RoleUser, Content: req.Prompt.Render()})

		req.Attempts++
		capitan.Info(ctx, ProviderCallStarted,
			RequestIDKey.Field(req.RequestID),
			ConsultationIDKey.Field(req.ConsultationID),
			FeatureKey.Field(req.FeatureLabel()),
			ProviderKey.Field(provider.Name()),
			AttemptKey.Field(req.Attempts),
		)

		start := time.Now()
		resp, err := provider.Call(ctx, messages, req.Temperature)
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			fields := []capitan.Field{
				RequestIDKey.Field(req.RequestID),
				ConsultationIDKey.Field(req.ConsultationID),
				FeatureKey.Field(req.FeatureLabel()),
				ProviderKey.Field(provider.Name()),
				AttemptKey.Field(req.Attempts),
				DurationMsKey.Field(int(elapsed)),
				ErrorKey.Field(err.Error()),
				ErrorTypeKey.Field(errorKind(err)),
			}
			var perr *ProviderError
			if errors.As(err, &perr) {
				if perr.StatusCode != 0 {
					fields = append(fields, HTTPStatusCodeKey.Field(perr.StatusCode))
				}
				if perr.Type != "" {
					fields = append(fields, APIErrorTypeKey.Field(perr.Type))
				}
			}
			capitan.Error(ctx, ProviderCallFailed, fields...)
			return req, err
		}

		req.Response = resp.Content
		req.Model = resp.Model
		usage := resp.Usage
		req.Usage = &usage

		capitan.Info(ctx, ProviderCallCompleted,
			RequestIDKey.Field(req.RequestID),
			ConsultationIDKey.Field(req.ConsultationID),
			FeatureKey.Field(req.FeatureLabel()),
			ProviderKey.Field(provider.Name()),
			ModelKey.Field(resp.Model),
			PromptTokensKey.Field(usage.Prompt),
			CompletionTokensKey.Field(usage.Completion),
			TotalTokensKey.Field(usage.Total),
			DurationMsKey.Field(int(elapsed)),
		)
		return req, nil
	})
}

// Execute processes a prompt through the pipeline and returns a typed response.
//
// Temperature resolution: if the provided temperature is 0 or TemperatureUnset,
// the service's default temperature is used instead.
//
// A response that does not decode strictly into T, or that fails T's Validate,
// is reported as a *SchemaValidationError.
func (s *Service[T]) Execute(ctx context.Context, meta CallMeta, prompt *Prompt, temperature float32) (T, error) {
	var result T

	if temperature == TemperatureUnset || temperature == 0 {
		temperature = s.defaultTemperature
	}

	if err := prompt.Validate(); err != nil {
		return result, fmt.Errorf("invalid prompt: %w", err)
	}

	request := &SynapseRequest{
		Prompt:         prompt,
		System:         meta.System,
		Temperature:    temperature,
		RequestID:      uuid.New().String(),
		ConsultationID: meta.ConsultationID,
		PatientID:      meta.PatientID,
		Feature:        s.feature,
		Subject:        meta.Subject,
		ProviderName:   s.providerName,
	}
	label := request.FeatureLabel()

	capitan.Info(ctx, RequestStarted,
		RequestIDKey.Field(request.RequestID),
		ConsultationIDKey.Field(meta.ConsultationID),
		FeatureKey.Field(label),
		ProviderKey.Field(s.providerName),
		PromptTaskKey.Field(prompt.Task),
		TemperatureKey.Field(float64(temperature)),
	)

	processed, err := s.pipeline.Process(ctx, request)
	if err != nil {
		capitan.Error(ctx, RequestFailed,
			RequestIDKey.Field(request.RequestID),
			ConsultationIDKey.Field(meta.ConsultationID),
			FeatureKey.Field(label),
			ProviderKey.Field(s.providerName),
			AttemptKey.Field(request.Attempts),
			ErrorKey.Field(err.Error()),
			ErrorTypeKey.Field(errorKind(err)),
		)
		return result, err
	}

	if parseErr := decodeStrict(processed.Response, &result); parseErr != nil {
		capitan.Error(ctx, ResponseParseFailed,
			RequestIDKey.Field(request.RequestID),
			ConsultationIDKey.Field(meta.ConsultationID),
			FeatureKey.Field(label),
			ProviderKey.Field(s.providerName),
			ResponseKey.Field(processed.Response),
			ErrorKey.Field(parseErr.Error()),
			ErrorTypeKey.Field("parse_error"),
		)
		return result, &SchemaValidationError{Feature: label, Response: processed.Response, Err: parseErr}
	}

	if validationErr := result.Validate(); validationErr != nil {
		capitan.Error(ctx, ResponseParseFailed,
			RequestIDKey.Field(request.RequestID),
			ConsultationIDKey.Field(meta.ConsultationID),
			FeatureKey.Field(label),
			ProviderKey.Field(s.providerName),
			ResponseKey.Field(processed.Response),
			ErrorKey.Field(validationErr.Error()),
			ErrorTypeKey.Field("validation_error"),
		)
		return result, &SchemaValidationError{Feature: label, Response: processed.Response, Err: validationErr}
	}

	capitan.Info(ctx, RequestCompleted,
		RequestIDKey.Field(request.RequestID),
		ConsultationIDKey.Field(meta.ConsultationID),
		FeatureKey.Field(label),
		ProviderKey.Field(s.providerName),
		ModelKey.Field(processed.Model),
		AttemptKey.Field(processed.Attempts),
	)

	return result, nil
}

// decodeStrict decodes a single JSON object, rejecting unknown fields and trailing data.
func decodeStrict(raw string, v any) error {
	body := stripCodeFence(raw)
	if body == "" {
		return fmt.Errorf("empty response")
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected data after JSON object")
	}
	return nil
}

// stripCodeFence removes a surrounding markdown code fence, with or without a language tag.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}
