// Package server exposes an Engine over HTTP: evaluation and flag listing,
// health and readiness probes, admin refresh and stats, a signed webhook
// that triggers a refresh, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/OrlandoBitencourt/fliptengine"
)

// Engine is what the server needs from a fliptengine.Engine
type Engine interface {
	EvaluateVariant(ctx context.Context, req fliptengine.EvaluationRequest) (*fliptengine.VariantEvaluationResponse, error)
	EvaluateBoolean(ctx context.Context, req fliptengine.EvaluationRequest) (*fliptengine.BooleanEvaluationResponse, error)
	EvaluateBatch(ctx context.Context, reqs []fliptengine.EvaluationRequest) (*fliptengine.BatchEvaluationResponse, error)
	ListFlags(ctx context.Context) ([]fliptengine.Flag, error)
	Ready() bool
	Refresh(ctx context.Context) error
	Stats() fliptengine.Stats
}

// Config holds server configuration
type Config struct {
	// WebhookSecret signs webhook bodies. Empty disables verification.
	WebhookSecret string

	// RefreshRate and RefreshBurst bound admin and webhook refreshes
	RefreshRate  rate.Limit
	RefreshBurst int

	// RefreshTimeout bounds one triggered refresh
	RefreshTimeout time.Duration

	// MaxBatchSize caps the requests of one batch evaluation
	MaxBatchSize int

	Logger *slog.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		RefreshRate:    rate.Every(time.Second),
		RefreshBurst:   3,
		RefreshTimeout: 30 * time.Second,
		MaxBatchSize:   1000,
		Logger:         slog.Default(),
	}
}

// Server routes HTTP requests to an Engine
type Server struct {
	// Router is the chi multiplexer serving every route
	Router *chi.Mux

	engine  Engine
	cfg     Config
	metrics *Metrics
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a server for engine and registers its routes
func New(engine Engine, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = def.RefreshRate
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = def.RefreshBurst
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}

	s := &Server{
		Router:  chi.NewRouter(),
		engine:  engine,
		cfg:     cfg,
		metrics: NewMetrics(engine.Ready),
		limiter: rate.NewLimiter(cfg.RefreshRate, cfg.RefreshBurst),
		logger:  cfg.Logger.With("component", "server"),
	}

	s.configureRoutes()
	return s
}

// Metrics returns the server's Prometheus collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) configureRoutes() {
	r := s.Router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/flags", s.handleListFlags)

		r.Route("/evaluate", func(r chi.Router) {
			r.Post("/variant", s.handleEvaluateVariant)
			r.Post("/boolean", s.handleEvaluateBoolean)
			r.Post("/batch", s.handleEvaluateBatch)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.With(RateLimit(s.limiter)).Post("/refresh", s.handleRefresh)
	})

	r.With(RateLimit(s.limiter)).Post("/webhook", s.handleWebhook)
}

//
// ----------------------
// Responses
// ----------------------
//

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	var mismatch *fliptengine.TypeMismatchError
	var evalErr *fliptengine.EvaluationError

	switch {
	case errors.Is(err, fliptengine.ErrNotReady), errors.Is(err, fliptengine.ErrClosed):
		return http.StatusServiceUnavailable
	case fliptengine.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &mismatch), errors.As(err, &evalErr):
		return http.StatusBadRequest
	case fliptengine.IsNetworkError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
