// Package server exposes consultations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/adrielmoraes/consult"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds a consultation request body.
const maxBodyBytes = 1 << 20

// Runner runs one consultation. *consult.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, cc consult.ConsultationContext) (*consult.Result, error)
}

// UsageReader lists the usage records of one consultation.
type UsageReader interface {
	ByConsultation(ctx context.Context, consultationID string) ([]consult.UsageRecord, error)
}

// Server routes HTTP requests to a Runner.
type Server struct {
	runner  Runner
	usage   UsageReader
	logger  zerolog.Logger
	timeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithUsageReader enables GET /api/consultations/{id}/usage.
func WithUsageReader(usage UsageReader) Option {
	return func(s *Server) { s.usage = usage }
}

// WithRequestTimeout bounds each consultation request. Zero leaves only the
// client's own cancellation.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a server for runner.
func New(runner Runner, opts ...Option) *Server {
	s := &Server{runner: runner, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/consultations", func(r chi.Router) {
		r.Post("/", s.createConsultation)
		if s.usage != nil {
			r.Get("/{id}/usage", s.consultationUsage)
		}
	})
	return r
}

func (s *Server) createConsultation(w http.ResponseWriter, r *http.Request) {
	var cc consult.ConsultationContext
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.runner.Run(ctx, cc)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Int("status", status).Msg("consultation failed")
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) consultationUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.usage.ByConsultation(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("consultation_id", id).Msg("usage lookup failed")
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	if records == nil {
		records = []consult.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"consultationId": id, "records": records})
}

// StatusFor maps a consultation error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, consult.ErrInvalidContext):
		return http.StatusBadRequest
	case consult.IsFatal(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
