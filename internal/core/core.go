// Package core composes the gateway subsystems into one façade the HTTP
// handlers depend on. Nothing in here is global; cmd/coachgate builds a
// Core and hands it to the server.
package core

import (
	"context"
	"log/slog"

	"github.com/stridelab/coachgate/internal/cache"
	"github.com/stridelab/coachgate/internal/invalidate"
	"github.com/stridelab/coachgate/internal/kv"
	"github.com/stridelab/coachgate/internal/model"
	"github.com/stridelab/coachgate/internal/monitor"
	"github.com/stridelab/coachgate/internal/namespace"
	"github.com/stridelab/coachgate/internal/ratelimit"
	"github.com/stridelab/coachgate/internal/retrieval"
)

// Core bundles the admission and context-assembly subsystems.
type Core struct {
	KV          kv.Store
	Limiter     *ratelimit.Limiter
	Caches      *cache.Manager
	Selector    *namespace.Selector
	Retriever   *retrieval.Orchestrator
	Invalidator *invalidate.Coordinator
	Monitor     *monitor.Monitor

	// Personalized reports whether a response for the given endpoint and
	// shape is user-specific and therefore must not be served from the
	// shared model-response cache. The default treats everything as
	// personalized.
	Personalized func(endpoint string, shape model.Shape) bool

	logger *slog.Logger
}

// Deps are the constructed subsystems Core wires together.
type Deps struct {
	KV           kv.Store
	Limiter      *ratelimit.Limiter
	Caches       *cache.Manager
	Retriever    *retrieval.Orchestrator
	Monitor      *monitor.Monitor
	Personalized func(endpoint string, shape model.Shape) bool
	Logger       *slog.Logger
}

// New builds the Core façade.
func New(d Deps) *Core {
	personalized := d.Personalized
	if personalized == nil {
		personalized = func(string, model.Shape) bool { return true }
	}
	return &Core{
		KV:           d.KV,
		Limiter:      d.Limiter,
		Caches:       d.Caches,
		Selector:     namespace.New(),
		Retriever:    d.Retriever,
		Invalidator:  invalidate.New(d.Caches, d.Logger),
		Monitor:      d.Monitor,
		Personalized: personalized,
		logger:       d.Logger,
	}
}

// AssembleContext runs the selection and retrieval pipeline for one
// admitted request: partitions from the selector, then the cached or
// freshly fanned-out context from the orchestrator.
func (c *Core) AssembleContext(ctx context.Context, endpoint string, req model.Request, user model.UserShape) retrieval.Context {
	shape := req.Shape()
	partitions := c.Selector.Select(endpoint, shape, user)
	return c.Retriever.Assemble(ctx, endpoint, req.Query(), shape, user, partitions)
}
