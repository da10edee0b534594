package invalidate_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridelab/coachgate/internal/cache"
	"github.com/stridelab/coachgate/internal/invalidate"
	"github.com/stridelab/coachgate/internal/kv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newCoordinator(t *testing.T) (*invalidate.Coordinator, *cache.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	m := cache.NewManager(kv.NewRedis(client, testLogger()), nil, testLogger())
	return invalidate.New(m, testLogger()), m, mr
}

// Scenario: a workout log drops the user's assembled context so the next
// request rebuilds it, while cached retrieval contexts stay untouched.
func TestWorkoutLoggedDropsOnlyUserContext(t *testing.T) {
	ctx := context.Background()
	coord, m, _ := newCoordinator(t)

	m.UserContext.Set(ctx, "u1", []byte("stale profile"))
	m.RetrievalContext.Set(ctx, "/api/coach/ask", "fp1", map[string]string{"blob": "kept"}, 0)

	coord.WorkoutLogged(ctx, "u1")

	_, ok := m.UserContext.Get(ctx, "u1")
	assert.False(t, ok, "user context must be gone")

	var out map[string]string
	assert.True(t, m.RetrievalContext.Get(ctx, "/api/coach/ask", "fp1", &out),
		"retrieval context survives a workout log")
}

func TestUserEventsScopedToSubject(t *testing.T) {
	ctx := context.Background()
	coord, m, _ := newCoordinator(t)

	m.UserContext.Set(ctx, "u1", []byte("a"))
	m.UserContext.Set(ctx, "u2", []byte("b"))

	coord.InjuryLogged(ctx, "u1")

	_, ok := m.UserContext.Get(ctx, "u1")
	assert.False(t, ok)
	_, ok = m.UserContext.Get(ctx, "u2")
	assert.True(t, ok, "other subjects are unaffected")
}

func TestAllUserEventsDropUserContext(t *testing.T) {
	ctx := context.Background()
	coord, m, _ := newCoordinator(t)

	events := []func(context.Context, string){
		coord.WorkoutLogged,
		coord.InjuryLogged,
		coord.ProgramGenerated,
		coord.ProfileUpdated,
	}
	for i, fire := range events {
		m.UserContext.Set(ctx, "u1", []byte("stale"))
		fire(ctx, "u1")
		_, ok := m.UserContext.Get(ctx, "u1")
		assert.False(t, ok, "event %d left the user context in place", i)
	}
}

func TestEventsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	coord, m, _ := newCoordinator(t)

	m.UserContext.Set(ctx, "u1", []byte("stale"))
	coord.ProfileUpdated(ctx, "u1")
	coord.ProfileUpdated(ctx, "u1")

	_, ok := m.UserContext.Get(ctx, "u1")
	assert.False(t, ok)
}

func TestKnowledgeBaseUpdatedRetiresRetrievalContexts(t *testing.T) {
	ctx := context.Background()
	coord, m, _ := newCoordinator(t)

	m.RetrievalContext.Set(ctx, "/e", "fp", map[string]string{"blob": "old"}, 0)
	m.UserContext.Set(ctx, "u1", []byte("profile"))

	coord.KnowledgeBaseUpdated(ctx)

	var out map[string]string
	assert.False(t, m.RetrievalContext.Get(ctx, "/e", "fp", &out),
		"old retrieval contexts are unreachable after the bump")

	_, ok := m.UserContext.Get(ctx, "u1")
	assert.True(t, ok, "user contexts are not affected by knowledge updates")
}

func TestKnowledgeBaseUpdatedDoesNotScanKeys(t *testing.T) {
	ctx := context.Background()
	coord, m, mr := newCoordinator(t)

	m.RetrievalContext.Set(ctx, "/e", "fp", map[string]string{"blob": "old"}, 0)
	before := len(mr.Keys())

	coord.KnowledgeBaseUpdated(ctx)

	// The bump adds exactly one counter key; nothing is deleted or scanned.
	assert.Len(t, mr.Keys(), before+1)
	require.True(t, mr.Exists("rag:context:gen"))
}

func TestEventsSurviveOutage(t *testing.T) {
	ctx := context.Background()
	coord, _, mr := newCoordinator(t)

	mr.SetError("simulated outage")

	// No panic, no error escapes; staleness falls back to TTL expiry.
	coord.WorkoutLogged(ctx, "u1")
	coord.KnowledgeBaseUpdated(ctx)
}
