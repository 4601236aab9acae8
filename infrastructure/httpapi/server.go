// Package httpapi exposes the evaluation engine over HTTP: evaluation
// endpoints, facet and model discovery, model lifecycle control, health,
// and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/convoscore/go-facet/internal/domain"
	"github.com/convoscore/go-facet/internal/ports"
)

// Evaluator is the engine surface the API depends on, narrowed for
// testability.
type Evaluator interface {
	Evaluate(ctx context.Context, req domain.EvaluationRequest) (*domain.EvaluationResult, error)
	EvaluateBatch(ctx context.Context, reqs []domain.EvaluationRequest) (*domain.BatchEvaluationResult, []domain.BatchItem, error)
}

// Server serves the HTTP API.
type Server struct {
	evaluator Evaluator
	catalog   ports.FacetCatalog
	inference ports.InferenceService
	logger    *zap.Logger
	handler   http.Handler
}

// Options configures optional server behavior.
type Options struct {
	// CORSOrigins lists allowed cross-origin origins. Empty disables CORS.
	CORSOrigins []string

	// MetricsHandler serves GET /metrics. Nil uses the default Prometheus
	// handler over the global registry.
	MetricsHandler http.Handler
}

// NewServer wires the routes and middleware.
func NewServer(
	evaluator Evaluator,
	catalog ports.FacetCatalog,
	inference ports.InferenceService,
	logger *zap.Logger,
	opts Options,
) *Server {
	s := &Server{
		evaluator: evaluator,
		catalog:   catalog,
		inference: inference,
		logger:    logger.Named("http"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	api.HandleFunc("/evaluate/batch", s.handleEvaluateBatch).Methods(http.MethodPost)
	api.HandleFunc("/facets", s.handleFacets).Methods(http.MethodGet)
	api.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	// Model identifiers contain slashes (e.g. org/name), so the path
	// variable must match across segments.
	api.HandleFunc("/models/{id:.+}/load", s.handleModelLoad).Methods(http.MethodPost)
	api.HandleFunc("/models/{id:.+}", s.handleModelUnload).Methods(http.MethodDelete)

	var handler http.Handler = r
	if len(opts.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}).Handler(handler)
	}
	s.handler = s.logRequests(handler)
	return s
}

// Handler returns the fully wired root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req domain.EvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := s.evaluator.Evaluate(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type batchRequest struct {
	Conversations []domain.EvaluationRequest `json:"conversations"`
}

type batchResponse struct {
	Summary *domain.BatchEvaluationResult `json:"summary"`
	Items   []domain.BatchItem            `json:"items"`
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Conversations) == 0 {
		s.writeError(w, http.StatusBadRequest, "conversations cannot be empty")
		return
	}

	summary, items, err := s.evaluator.EvaluateBatch(r.Context(), req.Conversations)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batchResponse{Summary: summary, Items: items})
}

func (s *Server) handleFacets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"facets": s.catalog.ByCategory(),
		"total":  len(s.catalog.All()),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.inference.Models()})
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	if err := s.inference.Preload(r.Context(), modelID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "model": modelID})
}

func (s *Server) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	if err := s.inference.Unload(modelID); err != nil {
		if errors.Is(err, ports.ErrModelInUse) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded", "model": modelID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"facets": len(s.catalog.All()),
		"models": len(s.inference.Models()),
	})
}

// writeEngineError maps domain error families onto HTTP status codes.
// Unknown facets and invalid requests are the caller's fault; a model over
// the parameter ceiling is understood but unprocessable; an unconfigured
// model is not found.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var unknownFacet *domain.UnknownFacetError
	var tooLarge *domain.ModelTooLargeError
	var loadErr *domain.ModelLoadError

	switch {
	case errors.As(err, &unknownFacet):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":          err.Error(),
			"unknown_facets": unknownFacet.Names,
		})
	case errors.As(err, &tooLarge):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &loadErr):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		msg := err.Error()
		if isInvalidRequest(msg) {
			s.writeError(w, http.StatusBadRequest, msg)
			return
		}
		s.logger.Error("evaluation failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, msg)
	}
}

// isInvalidRequest matches the engine's request validation failures, which
// wrap plain errors rather than a typed family.
func isInvalidRequest(msg string) bool {
	return len(msg) >= len("invalid request") && msg[:len("invalid request")] == "invalid request"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// logRequests is the outermost middleware: one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
