package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stridelab/coachgate/internal/core"
	"github.com/stridelab/coachgate/internal/llm"
	"github.com/stridelab/coachgate/internal/model"
	"github.com/stridelab/coachgate/internal/ratelimit"
	"github.com/stridelab/coachgate/internal/storage"
)

// ProfileStore is the slice of the storage layer the handlers consume.
type ProfileStore interface {
	GetProfile(ctx context.Context, subject string) (storage.Profile, error)
	UpdateProfile(ctx context.Context, subject string, upd model.ProfileUpdateRequest) error
	LogWorkout(ctx context.Context, subject string, log model.WorkoutLogRequest) error
	LogInjury(ctx context.Context, subject string, log model.InjuryLogRequest) error
	SetActiveProgram(ctx context.Context, subject, programType string) error
}

// Handlers holds the endpoint implementations and their dependencies.
type Handlers struct {
	core        *core.Core
	store       ProfileStore // nil in store-less deployments; profiles read as empty
	llm         llm.Client
	logger      *slog.Logger
	version     string
	openAPISpec []byte
}

// HandlersDeps are the dependencies for NewHandlers.
type HandlersDeps struct {
	Core        *core.Core
	Store       ProfileStore
	LLM         llm.Client
	Logger      *slog.Logger
	Version     string
	OpenAPISpec []byte
}

// NewHandlers creates the handler set.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		core:        d.Core,
		store:       d.Store,
		llm:         d.LLM,
		logger:      d.Logger,
		version:     d.Version,
		openAPISpec: d.OpenAPISpec,
	}
}

const systemPrompt = "You are a strength and running coach. Answer using the " +
	"knowledge context and the athlete profile when they are relevant."

// userShape loads the caller's profile shape through the user-context
// cache. Store misses and store-less deployments read as an empty shape. A
// cached blob that fails to decode is dropped and rebuilt once.
func (h *Handlers) userShape(ctx context.Context, subject string) model.UserShape {
	build := func(ctx context.Context) ([]byte, error) {
		if h.store == nil {
			return json.Marshal(model.UserShape{})
		}
		p, err := h.store.GetProfile(ctx, subject)
		if errors.Is(err, storage.ErrNotFound) {
			return json.Marshal(model.UserShape{})
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(p.Shape())
	}

	for attempt := 0; attempt < 2; attempt++ {
		blob, err := h.core.Caches.UserContext.GetOrSet(ctx, subject, build)
		if err != nil {
			h.logger.Warn("handlers: load user shape", "subject", subject, "error", err)
			return model.UserShape{}
		}
		var shape model.UserShape
		decodeErr := json.Unmarshal(blob, &shape)
		if decodeErr == nil {
			return shape
		}
		h.logger.Warn("handlers: corrupt user shape dropped", "subject", subject, "error", decodeErr)
		if err := h.core.Caches.UserContext.Invalidate(ctx, subject); err != nil {
			break
		}
	}
	return model.UserShape{}
}

// coachResponse is the payload of the coaching endpoints.
type coachResponse struct {
	Answer     string   `json:"answer"`
	Partitions []string `json:"partitions,omitempty"`
	Chunks     int      `json:"chunks"`
	Degraded   bool     `json:"degraded,omitempty"`
	Cached     bool     `json:"cached,omitempty"`
}

// respond runs the shared post-admission pipeline for one coaching
// request: profile shape, context assembly, optional shared response
// cache, completion.
func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, endpoint string, req model.Request) {
	h.respondThen(w, r, endpoint, req, nil)
}

// respondThen runs the pipeline and, once the completion succeeds, calls
// onSuccess before writing the response. Mutating endpoints use the hook
// so the write and its invalidation land before the client sees the
// answer.
func (h *Handlers) respondThen(w http.ResponseWriter, r *http.Request, endpoint string, req model.Request, onSuccess func(ctx context.Context)) {
	ctx := r.Context()
	subject, _ := subjectFor(r)
	user := h.userShape(ctx, subject)
	shape := req.Shape()

	shared := !h.core.Personalized(endpoint, shape)
	var digest string
	if shared {
		digest = responseDigest(endpoint, shape)
		if cached, ok := h.core.Caches.ModelResponse.Get(ctx, digest); ok {
			if onSuccess != nil {
				onSuccess(ctx)
			}
			writeJSON(w, r, http.StatusOK, coachResponse{Answer: string(cached), Cached: true})
			return
		}
	}

	kctx := h.core.AssembleContext(ctx, endpoint, req, user)

	prompt := buildPrompt(user, kctx.Blob, req.Query())
	answer, err := h.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		h.logger.Error("handlers: completion failed", "endpoint", endpoint, "error", err)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "coaching backend unavailable")
		return
	}

	if shared && !kctx.Degraded {
		h.core.Caches.ModelResponse.Set(ctx, digest, []byte(answer))
	}

	if onSuccess != nil {
		onSuccess(ctx)
	}

	writeJSON(w, r, http.StatusOK, coachResponse{
		Answer:     answer,
		Partitions: kctx.Partitions,
		Chunks:     kctx.ChunkCount,
		Degraded:   kctx.Degraded,
		Cached:     kctx.CacheHit,
	})
}

func responseDigest(endpoint string, shape model.Shape) string {
	sum := sha256.Sum256([]byte(endpoint + "|" + fmt.Sprint(shape)))
	return hex.EncodeToString(sum[:])
}

func buildPrompt(user model.UserShape, contextBlob, question string) string {
	var b strings.Builder
	b.WriteString(contextBlob)
	b.WriteString("\n\n[athlete profile]")
	if user.Experience != "" {
		b.WriteString(" experience: " + user.Experience + ";")
	}
	if user.PrimaryGoal != "" {
		b.WriteString(" goal: " + user.PrimaryGoal + ";")
	}
	if user.ActiveProgramType != "" {
		b.WriteString(" program: " + user.ActiveProgramType + ";")
	}
	if len(user.InjuryFlags) > 0 {
		b.WriteString(" injuries: " + strings.Join(user.InjuryFlags, ", ") + ";")
	}
	b.WriteString("\n\n")
	b.WriteString(question)
	return b.String()
}

// HandleCoachAsk answers POST /api/coach/ask.
func (h *Handlers) HandleCoachAsk(w http.ResponseWriter, r *http.Request) {
	var req model.CoachAskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "question is required")
		return
	}
	h.respond(w, r, "/api/coach/ask", req)
}

// HandleProgramGenerate answers POST /api/program/generate/{kind}.
func (h *Handlers) HandleProgramGenerate(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	var req model.ProgramGenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	req.Kind = kind

	// A generated program changes the active-program profile field:
	// persist it and drop the cached shape before the answer goes out. A
	// failed write skips the invalidation so the cache is not cleared for
	// a mutation that never landed.
	h.respondThen(w, r, "/api/program/generate/"+kind, req, func(ctx context.Context) {
		id := IdentityFromContext(ctx)
		if id == nil {
			return
		}
		if h.store != nil {
			if err := h.store.SetActiveProgram(ctx, id.Subject, kind); err != nil {
				h.logger.Warn("handlers: set active program", "subject", id.Subject, "error", err)
				return
			}
		}
		h.core.Invalidator.ProgramGenerated(ctx, id.Subject)
	})
}

// HandleRunningAnalyze answers POST /api/running/analyze.
func (h *Handlers) HandleRunningAnalyze(w http.ResponseWriter, r *http.Request) {
	var req model.RunningAnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "question is required")
		return
	}
	h.respond(w, r, "/api/running/analyze", req)
}

// HandleInjuryAnalyze answers POST /api/injury/analyze.
func (h *Handlers) HandleInjuryAnalyze(w http.ResponseWriter, r *http.Request) {
	var req model.InjuryAnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "description is required")
		return
	}
	h.respond(w, r, "/api/injury/analyze", req)
}

// requireIdentity rejects unauthenticated callers on mutation endpoints.
func (h *Handlers) requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := IdentityFromContext(r.Context())
	if id == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "authentication required")
		return "", false
	}
	return id.Subject, true
}

// HandleWorkoutLog answers POST /api/workout/log.
func (h *Handlers) HandleWorkoutLog(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req model.WorkoutLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if len(req.Exercises) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "at least one exercise is required")
		return
	}
	if h.store != nil {
		if err := h.store.LogWorkout(r.Context(), subject, req); err != nil {
			h.logger.Error("handlers: log workout", "subject", subject, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not store workout")
			return
		}
	}
	h.core.Invalidator.WorkoutLogged(r.Context(), subject)
	writeJSON(w, r, http.StatusCreated, map[string]string{"status": "logged"})
}

// HandleInjuryLog answers POST /api/injury/log.
func (h *Handlers) HandleInjuryLog(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req model.InjuryLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.BodyPart) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "body_part is required")
		return
	}
	if h.store != nil {
		if err := h.store.LogInjury(r.Context(), subject, req); err != nil {
			h.logger.Error("handlers: log injury", "subject", subject, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not store injury")
			return
		}
	}
	h.core.Invalidator.InjuryLogged(r.Context(), subject)
	writeJSON(w, r, http.StatusCreated, map[string]string{"status": "logged"})
}

// HandleProfileUpdate answers PUT /api/profile.
func (h *Handlers) HandleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req model.ProfileUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if h.store != nil {
		if err := h.store.UpdateProfile(r.Context(), subject, req); err != nil {
			h.logger.Error("handlers: update profile", "subject", subject, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not update profile")
			return
		}
	}
	h.core.Invalidator.ProfileUpdated(r.Context(), subject)
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "updated"})
}

// HandleHealth answers GET /health. Always 200 while the process serves;
// component state is in the body.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s := h.core.Monitor.Summary()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"kv_healthy":     s.KV.Healthy,
		"uptime_seconds": s.UptimeSeconds,
	})
}

// HandleSummary answers GET /summary.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.core.Monitor.Summary())
}

// HandleAlerts answers GET /alerts.
func (h *Handlers) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.core.Monitor.Alerts()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// HandleQuotaStatus answers GET /api/admin/quota/{subject}. The endpoint
// and tier being inspected come from query parameters.
func (h *Handlers) HandleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "endpoint query parameter is required")
		return
	}
	tier := ratelimit.ParseTier(r.URL.Query().Get("tier"))
	writeJSON(w, r, http.StatusOK, h.core.Limiter.CurrentStatus(r.Context(), subject, endpoint, tier))
}

// HandleQuotaReset answers DELETE /api/admin/quota/{subject}.
func (h *Handlers) HandleQuotaReset(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "endpoint query parameter is required")
		return
	}
	if err := h.core.Limiter.Reset(r.Context(), subject, endpoint); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "could not reset quota")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleKnowledgeRefresh answers POST /api/admin/knowledge/refresh,
// retiring every cached retrieval context after a knowledge-base update.
func (h *Handlers) HandleKnowledgeRefresh(w http.ResponseWriter, r *http.Request) {
	h.core.Invalidator.KnowledgeBaseUpdated(r.Context())
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "refreshed"})
}

// HandleOpenAPISpec serves the embedded OpenAPI document. Built without the
// asset it still answers with a minimal stub.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if len(h.openAPISpec) > 0 {
		_, _ = w.Write(h.openAPISpec)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"openapi": "3.0.0",
		"info": map[string]string{
			"title":   "coachgate",
			"version": h.version,
		},
	})
}

// HandleDocs serves a pointer to the spec for humans.
func (h *Handlers) HandleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<html><body><h1>coachgate %s</h1><p>See <a href=\"/openapi.json\">/openapi.json</a>.</p></body></html>", h.version)
}
