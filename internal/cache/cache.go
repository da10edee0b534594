// Package cache provides typed façades over the KV store for the three
// cache families the gateway maintains: user profile context, retrieval
// context, and model responses (plus a small entity-match family). Each
// family owns a reserved key prefix and a freshness contract; keys never
// collide across families.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stridelab/coachgate/internal/kv"
)

// Family default TTLs. Retrieval context may be overridden per call.
const (
	UserContextTTL      = time.Hour
	RetrievalContextTTL = time.Hour
	ModelResponseTTL    = 24 * time.Hour
	MatchTTL            = 7 * 24 * time.Hour
)

// generationKey holds the retrieval-context generation counter. Bumping it
// retires every cached context blob at once without scanning the keyspace.
const generationKey = "rag:context:gen"

// Recorder receives cache telemetry. Implemented by the monitor; a nil
// Recorder disables recording.
type Recorder interface {
	CacheEvent(family, op string)
}

// Manager bundles the family façades over one KV store.
type Manager struct {
	store    kv.Store
	logger   *slog.Logger
	recorder Recorder

	UserContext      *UserContextCache
	RetrievalContext *RetrievalContextCache
	ModelResponse    *ModelResponseCache
	Match            *MatchCache
}

// NewManager builds the cache families over store. recorder may be nil.
func NewManager(store kv.Store, recorder Recorder, logger *slog.Logger) *Manager {
	m := &Manager{store: store, logger: logger, recorder: recorder}
	m.UserContext = &UserContextCache{m: m}
	m.RetrievalContext = &RetrievalContextCache{m: m}
	m.ModelResponse = &ModelResponseCache{m: m}
	m.Match = &MatchCache{m: m}
	return m
}

func (m *Manager) record(family, op string) {
	if m.recorder != nil {
		m.recorder.CacheEvent(family, op)
	}
}

func (m *Manager) get(ctx context.Context, family, key string) ([]byte, bool) {
	val, ok := m.store.Get(ctx, key)
	if ok {
		m.record(family, "hit")
	} else {
		m.record(family, "miss")
	}
	return val, ok
}

func (m *Manager) set(ctx context.Context, family, key string, val []byte, ttl time.Duration) {
	m.store.Set(ctx, key, val, ttl)
	m.record(family, "set")
}

func (m *Manager) delete(ctx context.Context, family, key string) error {
	err := m.store.Delete(ctx, key)
	m.record(family, "delete")
	return err
}

// getJSON reads and unmarshals a cached JSON envelope. A value that fails
// to deserialize is treated as a miss: the offending key is deleted so the
// caller rebuilds it.
func (m *Manager) getJSON(ctx context.Context, family, key string, dest any) bool {
	val, ok := m.get(ctx, family, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(val, dest); err != nil {
		m.logger.Warn("cache: corrupt entry dropped", "family", family, "key", key, "error", err)
		if delErr := m.store.Delete(ctx, key); delErr != nil {
			m.logger.Warn("cache: delete corrupt entry", "key", key, "error", delErr)
		}
		return false
	}
	return true
}

func (m *Manager) setJSON(ctx context.Context, family, key string, val any, ttl time.Duration) {
	raw, err := json.Marshal(val)
	if err != nil {
		m.logger.Warn("cache: marshal entry", "family", family, "key", key, "error", err)
		return
	}
	m.set(ctx, family, key, raw, ttl)
}

// UserContextCache holds the assembled per-user profile blob. The value is
// opaque to the core; handlers produce and consume it. Invalidated on any
// profile-affecting mutation.
type UserContextCache struct{ m *Manager }

func userContextKey(subject string) string { return "user_context:" + subject }

// Get returns the cached profile blob for subject.
func (c *UserContextCache) Get(ctx context.Context, subject string) ([]byte, bool) {
	return c.m.get(ctx, "user_context", userContextKey(subject))
}

// Set stores the profile blob with the family TTL.
func (c *UserContextCache) Set(ctx context.Context, subject string, blob []byte) {
	c.m.set(ctx, "user_context", userContextKey(subject), blob, UserContextTTL)
}

// GetOrSet returns the cached blob or builds, stores, and returns a fresh
// one. Not atomic across processes: concurrent producers may race on a
// stampede, which is tolerated because producers are idempotent.
func (c *UserContextCache) GetOrSet(ctx context.Context, subject string, producer func(context.Context) ([]byte, error)) ([]byte, error) {
	if blob, ok := c.Get(ctx, subject); ok {
		return blob, nil
	}
	blob, err := producer(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: build user context: %w", err)
	}
	c.Set(ctx, subject, blob)
	return blob, nil
}

// Invalidate removes the cached blob for subject.
func (c *UserContextCache) Invalidate(ctx context.Context, subject string) error {
	return c.m.delete(ctx, "user_context", userContextKey(subject))
}

// RetrievalContextCache holds assembled retrieval context blobs keyed by
// endpoint and request fingerprint. Entries are retired by TTL or by a
// generation bump; they are never deleted individually.
type RetrievalContextCache struct{ m *Manager }

// generation reads the current retrieval-context generation. An absent or
// unreachable counter reads as generation zero.
func (c *RetrievalContextCache) generation(ctx context.Context) int64 {
	gen, _ := c.m.store.GetInt(ctx, generationKey)
	return gen
}

func (c *RetrievalContextCache) key(ctx context.Context, endpoint, fingerprint string) string {
	return fmt.Sprintf("rag:context:g%d:%s:%s", c.generation(ctx), endpoint, fingerprint)
}

// Get unmarshals the cached context envelope for (endpoint, fingerprint)
// into dest.
func (c *RetrievalContextCache) Get(ctx context.Context, endpoint, fingerprint string, dest any) bool {
	return c.m.getJSON(ctx, "retrieval_context", c.key(ctx, endpoint, fingerprint), dest)
}

// Set stores the context envelope. A non-positive ttl uses the family
// default.
func (c *RetrievalContextCache) Set(ctx context.Context, endpoint, fingerprint string, val any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = RetrievalContextTTL
	}
	c.m.setJSON(ctx, "retrieval_context", c.key(ctx, endpoint, fingerprint), val, ttl)
}

// BumpGeneration retires all cached retrieval contexts by advancing the
// generation counter embedded in every key. Old entries expire by TTL.
func (c *RetrievalContextCache) BumpGeneration(ctx context.Context) error {
	if n := c.m.store.Incr(ctx, generationKey); n == kv.IncrFailed {
		return fmt.Errorf("cache: bump retrieval generation: store unavailable")
	}
	return nil
}

// ModelResponseCache holds LLM responses for queries classified as
// non-personalized. Keyed by a digest of the canonical query form; never
// invalidated, relies on TTL.
type ModelResponseCache struct{ m *Manager }

func modelResponseKey(digest string) string { return "ai:response:" + digest }

// Get returns the cached response for digest.
func (c *ModelResponseCache) Get(ctx context.Context, digest string) ([]byte, bool) {
	return c.m.get(ctx, "model_response", modelResponseKey(digest))
}

// Set stores a response with the family TTL.
func (c *ModelResponseCache) Set(ctx context.Context, digest string, response []byte) {
	c.m.set(ctx, "model_response", modelResponseKey(digest), response, ModelResponseTTL)
}

// MatchCache holds exercise/entity match results keyed by normalized query.
type MatchCache struct{ m *Manager }

func matchKey(normalizedQuery string) string { return "match:" + normalizedQuery }

// Get returns the cached match for a normalized query.
func (c *MatchCache) Get(ctx context.Context, normalizedQuery string) ([]byte, bool) {
	return c.m.get(ctx, "match", matchKey(normalizedQuery))
}

// Set stores a match result with the family TTL.
func (c *MatchCache) Set(ctx context.Context, normalizedQuery string, match []byte) {
	c.m.set(ctx, "match", matchKey(normalizedQuery), match, MatchTTL)
}
