package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stridelab/coachgate/internal/auth"
	"github.com/stridelab/coachgate/internal/core"
	"github.com/stridelab/coachgate/internal/llm"
)

// Server is the coachgate HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Store, LLM.
type ServerConfig struct {
	// Required dependencies.
	Core   *core.Core
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Store ProfileStore
	LLM   llm.Client

	// Admission settings.
	AdmissionEnabled bool

	// Admin settings. An empty hash disables the admin endpoints.
	AdminKeyHash string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	llmClient := cfg.LLM
	if llmClient == nil {
		llmClient = llm.NewNoopClient()
	}

	h := NewHandlers(HandlersDeps{
		Core:        cfg.Core,
		Store:       cfg.Store,
		LLM:         llmClient,
		Logger:      cfg.Logger,
		Version:     cfg.Version,
		OpenAPISpec: cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Coaching endpoints (admission applies; subject from token or IP).
	mux.HandleFunc("POST /api/coach/ask", h.HandleCoachAsk)
	mux.HandleFunc("POST /api/program/generate/{kind}", h.HandleProgramGenerate)
	mux.HandleFunc("POST /api/running/analyze", h.HandleRunningAnalyze)
	mux.HandleFunc("POST /api/injury/analyze", h.HandleInjuryAnalyze)

	// Mutations (authenticated subject required; fire cache invalidation).
	mux.HandleFunc("POST /api/workout/log", h.HandleWorkoutLog)
	mux.HandleFunc("POST /api/injury/log", h.HandleInjuryLog)
	mux.HandleFunc("PUT /api/profile", h.HandleProfileUpdate)

	// Admin quota endpoints, guarded by the hashed admin key.
	adminOnly := func(next http.HandlerFunc) http.Handler {
		return adminKeyMiddleware(cfg.AdminKeyHash, next)
	}
	mux.Handle("GET /api/admin/quota/{subject}", adminOnly(h.HandleQuotaStatus))
	mux.Handle("DELETE /api/admin/quota/{subject}", adminOnly(h.HandleQuotaReset))
	mux.Handle("POST /api/admin/knowledge/refresh", adminOnly(h.HandleKnowledgeRefresh))

	// Monitoring and docs (exempt from admission, no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /summary", h.HandleSummary)
	mux.HandleFunc("GET /alerts", h.HandleAlerts)
	mux.HandleFunc("GET /openapi.json", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /docs", h.HandleDocs)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → admission → recovery → handler.
	// Admission sits after auth so it sees the token tier, and outside
	// recovery so a panicking handler still counted as admitted.
	var handler http.Handler = mux
	handler = maxBytesMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = admissionMiddleware(admissionDeps{
		enabled:    cfg.AdmissionEnabled,
		limiter:    cfg.Core.Limiter,
		classifier: cfg.Core.Limiter.Classifier(),
		monitor:    cfg.Core.Monitor,
	}, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// maxBytesMiddleware caps the request body size. A limit of zero or less
// leaves bodies unbounded.
func maxBytesMiddleware(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
