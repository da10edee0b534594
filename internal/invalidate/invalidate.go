// Package invalidate maps domain events to cache deletions. Every mutation
// that changes what a user's assembled context would contain must
// invalidate the stale entry before the next read; retrieval contexts are
// retired wholesale on knowledge-base updates via a generation bump rather
// than a keyspace scan.
package invalidate

import (
	"context"
	"log/slog"

	"github.com/stridelab/coachgate/internal/cache"
)

// Coordinator receives domain events and performs the corresponding cache
// invalidations. All handlers are idempotent and tolerate KV outages:
// failed deletions are logged and the entry falls back to TTL expiry.
type Coordinator struct {
	caches *cache.Manager
	logger *slog.Logger
}

// New builds a Coordinator over the cache families.
func New(caches *cache.Manager, logger *slog.Logger) *Coordinator {
	return &Coordinator{caches: caches, logger: logger}
}

// dropUserContext invalidates the assembled profile blob for subject.
func (c *Coordinator) dropUserContext(ctx context.Context, subject, event string) {
	if err := c.caches.UserContext.Invalidate(ctx, subject); err != nil {
		// TTL expiry bounds the staleness window if the delete is lost.
		c.logger.Warn("invalidate: drop user context failed",
			"event", event, "subject", subject, "error", err)
		return
	}
	c.logger.Debug("invalidate: user context dropped", "event", event, "subject", subject)
}

// WorkoutLogged handles a completed workout log write.
func (c *Coordinator) WorkoutLogged(ctx context.Context, subject string) {
	c.dropUserContext(ctx, subject, "workout_logged")
}

// InjuryLogged handles a new injury record. Injury flags feed partition
// selection, so the stale blob must not survive.
func (c *Coordinator) InjuryLogged(ctx context.Context, subject string) {
	c.dropUserContext(ctx, subject, "injury_logged")
}

// ProgramGenerated handles acceptance of a newly generated program.
func (c *Coordinator) ProgramGenerated(ctx context.Context, subject string) {
	c.dropUserContext(ctx, subject, "program_generated")
}

// ProfileUpdated handles a direct profile edit.
func (c *Coordinator) ProfileUpdated(ctx context.Context, subject string) {
	c.dropUserContext(ctx, subject, "profile_updated")
}

// KnowledgeBaseUpdated retires every cached retrieval context. The bump
// advances the generation embedded in retrieval keys; old entries become
// unreachable immediately and expire by TTL.
func (c *Coordinator) KnowledgeBaseUpdated(ctx context.Context) {
	if err := c.caches.RetrievalContext.BumpGeneration(ctx); err != nil {
		c.logger.Warn("invalidate: knowledge base generation bump failed", "error", err)
		return
	}
	c.logger.Info("invalidate: retrieval contexts retired", "event", "knowledge_base_updated")
}
