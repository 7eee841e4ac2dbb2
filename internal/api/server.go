// Package api exposes the HTTP surface: job submission and inspection,
// review decisions, model bundle management, case search, and health. All
// business rules live below; handlers validate, delegate, and shape JSON.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clipwright/clipwright/internal/config"
	"github.com/clipwright/clipwright/internal/knowledge"
	"github.com/clipwright/clipwright/internal/pipeline"
	"github.com/clipwright/clipwright/internal/safety"
	"github.com/clipwright/clipwright/internal/store"
	"github.com/clipwright/clipwright/internal/telemetry"
)

// ReadyCheck reports the health of one dependency for /health/ready.
type ReadyCheck func(ctx context.Context) error

// Server holds the handler dependencies.
type Server struct {
	cfg       config.Settings
	store     *store.Store
	orch      *pipeline.Orchestrator
	safety    *safety.Evaluator
	knowledge *knowledge.Index
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	validate  *validator.Validate

	// readyChecks maps dependency name to its probe. The database check is
	// installed automatically; Temporal and Redis are added by the caller.
	readyChecks map[string]ReadyCheck
}

// NewServer wires the HTTP server.
func NewServer(
	cfg config.Settings,
	st *store.Store,
	orch *pipeline.Orchestrator,
	index *knowledge.Index,
	logger telemetry.Logger,
	metrics telemetry.Metrics,
) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		orch:        orch,
		safety:      safety.NewEvaluator(cfg),
		knowledge:   index,
		logger:      logger,
		metrics:     metrics,
		validate:    validator.New(),
		readyChecks: map[string]ReadyCheck{"database": st.Ping},
	}
	if index != nil {
		s.readyChecks["case_index"] = index.Ping
	}
	return s
}

// AddReadyCheck registers an extra dependency probe for /health/ready.
func (s *Server) AddReadyCheck(name string, check ReadyCheck) {
	s.readyChecks[name] = check
}

// Handler builds the routed handler with the middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleLive)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/events", s.handleGetEvents)
		r.Get("/jobs/{id}/qa-report", s.handleGetQAReport)
		r.Get("/jobs/{id}/artifacts", s.handleGetArtifacts)
		r.Post("/reviews/{id}/decision", s.handleReview)

		r.Get("/models", s.handleListBundles)
		r.Post("/models/recommend", s.handleRecommend)
		r.Post("/models/install", s.handleInstall)

		r.Post("/cases/search", s.handleSearchCases)
		r.Get("/cases/{id}", s.handleGetCase)
	})
	return r
}

// Addr is the listen address from configuration.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestID echoes an inbound X-Request-Id or generates one, and stamps it
// on the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(r.Context(), "panic in handler",
					"path", r.URL.Path, "panic", fmt.Sprint(rec))
				s.writeError(w, r, http.StatusInternalServerError,
					"internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()))
		s.metrics.RecordTimer("http_request_duration", time.Since(start),
			"method", r.Method, "status", fmt.Sprint(rec.status))
	})
}

// authenticate accepts the configured tokens via X-API-Token or bearer auth.
// An empty token list disables authentication for local development.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APITokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-API-Token"))
		if token == "" {
			token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		for _, accepted := range s.cfg.APITokens {
			if token != "" && token == accepted {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid API token")
	})
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	s.writeJSON(w, status, errorBody{
		Error:     code,
		Message:   msg,
		RequestID: requestIDFrom(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(context.Background(), "encode response", "error", err.Error())
	}
}

func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return s.validate.Struct(dst)
}
