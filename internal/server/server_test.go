package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridelab/coachgate/internal/auth"
	"github.com/stridelab/coachgate/internal/cache"
	"github.com/stridelab/coachgate/internal/clock"
	"github.com/stridelab/coachgate/internal/core"
	"github.com/stridelab/coachgate/internal/kv"
	"github.com/stridelab/coachgate/internal/llm"
	"github.com/stridelab/coachgate/internal/model"
	"github.com/stridelab/coachgate/internal/monitor"
	"github.com/stridelab/coachgate/internal/ratelimit"
	"github.com/stridelab/coachgate/internal/retrieval"
	"github.com/stridelab/coachgate/internal/server"
	"github.com/stridelab/coachgate/internal/storage"
)

// fakeIndex returns one canned chunk per partition.
type fakeIndex struct{}

func (fakeIndex) Query(_ context.Context, partition, _ string, _ int) ([]retrieval.Chunk, error) {
	return []retrieval.Chunk{
		{ID: partition + "-1", Partition: partition, Text: "content from " + partition, Score: 0.9},
	}, nil
}

// fakeStore records mutations in memory and can be told to fail them.
type fakeStore struct {
	mu         sync.Mutex
	programs   map[string]string
	programErr error
}

func (s *fakeStore) GetProfile(context.Context, string) (storage.Profile, error) {
	return storage.Profile{}, storage.ErrNotFound
}

func (s *fakeStore) UpdateProfile(context.Context, string, model.ProfileUpdateRequest) error {
	return nil
}

func (s *fakeStore) LogWorkout(context.Context, string, model.WorkoutLogRequest) error {
	return nil
}

func (s *fakeStore) LogInjury(context.Context, string, model.InjuryLogRequest) error {
	return nil
}

func (s *fakeStore) SetActiveProgram(_ context.Context, subject, programType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.programErr != nil {
		return s.programErr
	}
	if s.programs == nil {
		s.programs = make(map[string]string)
	}
	s.programs[subject] = programType
	return nil
}

func (s *fakeStore) activeProgram(subject string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.programs[subject]
}

type testEnv struct {
	handler http.Handler
	mr      *miniredis.Miniredis
	jwtMgr  *auth.JWTManager
	clock   *clock.Fake
	mon     *monitor.Monitor
}

// envConfig tunes the optional server dependencies a test wires in.
type envConfig struct {
	adminKeyHash string
	store        server.ProfileStore
	llm          llm.Client
}

func newTestEnv(t *testing.T, adminKeyHash string) *testEnv {
	return newCustomEnv(t, envConfig{adminKeyHash: adminKeyHash})
}

func newCustomEnv(t *testing.T, ec envConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedis(client, logger)

	// Pinned at the start of a minute so window arithmetic is stable for
	// the duration of a test.
	clk := clock.NewFake(time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC))

	limiter := ratelimit.New(store, ratelimit.DefaultQuotas(), ratelimit.NewClassifier(), clk, logger)
	mon := monitor.New(clk, store, logger)
	caches := cache.NewManager(store, mon, logger)
	retriever := retrieval.New(fakeIndex{}, caches.RetrievalContext, mon, logger, -1)

	c := core.New(core.Deps{
		KV:        store,
		Limiter:   limiter,
		Caches:    caches,
		Retriever: retriever,
		Monitor:   mon,
		Logger:    logger,
	})

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Core:                c,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Store:               ec.store,
		LLM:                 ec.llm,
		AdmissionEnabled:    true,
		AdminKeyHash:        ec.adminKeyHash,
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	return &testEnv{handler: srv.Handler(), mr: mr, jwtMgr: jwtMgr, clock: clk, mon: mon}
}

func (e *testEnv) token(t *testing.T, subject string, tier ratelimit.Tier) string {
	t.Helper()
	tok, _, err := e.jwtMgr.IssueToken(subject, tier)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthTouchesNoKeys(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data struct {
			Status    string `json:"status"`
			KVHealthy bool   `json:"kv_healthy"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "ok", envelope.Data.Status)
	assert.True(t, envelope.Data.KVHealthy)

	// The exempt path must not create any counter or cache key.
	assert.Empty(t, env.mr.Keys())
}

func TestCoachAskQuotaHeaders(t *testing.T) {
	env := newTestEnv(t, "")
	tok := env.token(t, "user-premium", ratelimit.TierPremium)

	rec := env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "how do I squat"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "premium", rec.Header().Get("X-RateLimit-Tier"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
	remaining, err := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
	require.NoError(t, err)
	assert.Greater(t, remaining, 0)

	var envelope struct {
		Data struct {
			Answer     string   `json:"answer"`
			Partitions []string `json:"partitions"`
			Chunks     int      `json:"chunks"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "coaching backend not configured", envelope.Data.Answer)
	assert.NotEmpty(t, envelope.Data.Partitions)
	assert.Greater(t, envelope.Data.Chunks, 0)
}

func TestRateLimitDenialBody(t *testing.T) {
	env := newTestEnv(t, "")
	tok := env.token(t, "user-free", ratelimit.TierFree)
	body := map[string]string{"question": "deadlift form"}

	// Free expensive per-minute limit is 10.
	for i := 0; i < 10; i++ {
		rec := env.do(http.MethodPost, "/api/coach/ask", tok, body)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should be admitted", i+1)
	}

	rec := env.do(http.MethodPost, "/api/coach/ask", tok, body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var denial struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after"`
		Tier       string `json:"tier"`
		Endpoint   string `json:"endpoint"`
		Remaining  int    `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &denial))
	assert.Equal(t, "Rate limit exceeded", denial.Error)
	assert.Equal(t, fmt.Sprintf("Too many requests. Please retry after %d seconds.", denial.RetryAfter), denial.Message)
	assert.Equal(t, 60, denial.RetryAfter, "clock is pinned at a minute boundary")
	assert.Equal(t, "free", denial.Tier)
	assert.Equal(t, "/api/coach/ask", denial.Endpoint)
	assert.Zero(t, denial.Remaining)
	assert.Equal(t, strconv.Itoa(denial.RetryAfter), rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestUnauthenticatedKeyedByClientIP(t *testing.T) {
	env := newTestEnv(t, "")
	body, _ := json.Marshal(map[string]string{"question": "tempo runs"})

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/coach/ask", bytes.NewReader(body))
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 10; i++ {
		rec := send("203.0.113.7")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "free", rec.Header().Get("X-RateLimit-Tier"))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7").Code)

	// A different client IP has its own counters.
	assert.Equal(t, http.StatusOK, send("203.0.113.8").Code)
}

func TestMutationsRequireIdentity(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/api/workout/log", "", map[string]any{
		"exercises": []map[string]any{{"name": "squat", "sets": 3, "reps": 5}},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPut, "/api/profile", "", map[string]string{"experience": "beginner"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkoutLogInvalidatesUserContext(t *testing.T) {
	env := newTestEnv(t, "")
	tok := env.token(t, "athlete-1", ratelimit.TierPremium)

	// A coaching request populates the cached profile shape.
	rec := env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "bench press grip"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.mr.Exists("user_context:athlete-1"))

	rec = env.do(http.MethodPost, "/api/workout/log", tok, map[string]any{
		"exercises": []map[string]any{{"name": "bench", "sets": 5, "reps": 5}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.False(t, env.mr.Exists("user_context:athlete-1"))
}

func TestAdminEndpointsDisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/api/admin/quota/user-1?endpoint=/api/coach/ask", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminQuotaStatusAndReset(t *testing.T) {
	hash, err := auth.HashAdminKey("s3cret")
	require.NoError(t, err)
	env := newTestEnv(t, hash)
	tok := env.token(t, "user-free", ratelimit.TierFree)
	body := map[string]string{"question": "deadlift form"}

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/coach/ask", tok, body).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, env.do(http.MethodPost, "/api/coach/ask", tok, body).Code)

	admin := func(method, path, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	statusPath := "/api/admin/quota/user-free?endpoint=/api/coach/ask&tier=free"
	assert.Equal(t, http.StatusUnauthorized, admin(http.MethodGet, statusPath, "").Code)
	assert.Equal(t, http.StatusUnauthorized, admin(http.MethodGet, statusPath, "wrong").Code)

	rec := admin(http.MethodGet, statusPath, "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var statusEnv struct {
		Data ratelimit.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statusEnv))
	assert.Equal(t, "user-free", statusEnv.Data.Subject)
	// 11 increments happened; the per-minute window shows the quota spent.
	assert.Equal(t, 11, statusEnv.Data.Minute.Used)
	assert.Zero(t, statusEnv.Data.Minute.Remaining)

	require.Equal(t, http.StatusOK, admin(http.MethodDelete, statusPath, "s3cret").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/coach/ask", tok, body).Code,
		"reset clears the window counters")
}

func TestKnowledgeRefreshBumpsGeneration(t *testing.T) {
	hash, err := auth.HashAdminKey("s3cret")
	require.NoError(t, err)
	env := newTestEnv(t, hash)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/knowledge/refresh", nil)
	req.Header.Set("X-Admin-Key", "s3cret")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	gen, err := env.mr.Get("rag:context:gen")
	require.NoError(t, err)
	assert.Equal(t, "1", gen)
}

func TestInvalidBodyRejected(t *testing.T) {
	env := newTestEnv(t, "")
	tok := env.token(t, "user-1", ratelimit.TierPremium)

	req := httptest.NewRequest(http.MethodPost, "/api/coach/ask", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryAndAlertsServeWithoutAuth(t *testing.T) {
	env := newTestEnv(t, "")
	tok := env.token(t, "user-1", ratelimit.TierPremium)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "squat depth"}).Code)

	rec := env.do(http.MethodGet, "/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaryEnv struct {
		Data monitor.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaryEnv))
	assert.EqualValues(t, 1, summaryEnv.Data.Totals.Admitted)

	rec = env.do(http.MethodGet, "/alerts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alertsEnv struct {
		Data struct {
			Alerts []monitor.Alert `json:"alerts"`
			Count  int             `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alertsEnv))
	assert.Zero(t, alertsEnv.Data.Count)
}

// A user-context entry that fails to decode is dropped and rebuilt instead
// of surviving until TTL.
func TestCorruptUserContextRebuilt(t *testing.T) {
	env := newTestEnv(t, "")
	tok := env.token(t, "athlete-9", ratelimit.TierPremium)
	require.NoError(t, env.mr.Set("user_context:athlete-9", "{not json"))

	rec := env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "barbell rows"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	val, err := env.mr.Get("user_context:athlete-9")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(val)), "entry rebuilt as a valid shape")
}

func TestProgramGeneratePersistsBeforeResponding(t *testing.T) {
	st := &fakeStore{}
	env := newCustomEnv(t, envConfig{store: st})
	tok := env.token(t, "athlete-2", ratelimit.TierPremium)

	require.Equal(t, http.StatusOK,
		env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "periodization"}).Code)
	require.True(t, env.mr.Exists("user_context:athlete-2"))

	rec := env.do(http.MethodPost, "/api/program/generate/strength", tok,
		map[string]any{"focus": "hypertrophy", "days_per_week": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "strength", st.activeProgram("athlete-2"))
	assert.False(t, env.mr.Exists("user_context:athlete-2"),
		"cached shape dropped once the program is stored")
}

// A failed active-program write must leave the cached shape alone: the
// profile it was built from never changed.
func TestProgramGenerateStoreFailureSkipsInvalidation(t *testing.T) {
	st := &fakeStore{programErr: errors.New("db down")}
	env := newCustomEnv(t, envConfig{store: st})
	tok := env.token(t, "athlete-3", ratelimit.TierPremium)

	require.Equal(t, http.StatusOK,
		env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "deload weeks"}).Code)
	require.True(t, env.mr.Exists("user_context:athlete-3"))

	rec := env.do(http.MethodPost, "/api/program/generate/strength", tok,
		map[string]any{"focus": "strength"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.True(t, env.mr.Exists("user_context:athlete-3"))
}

// summaryLLM snapshots the admitted total while the handler is still
// running, which is the only window where sampling order is observable.
type summaryLLM struct {
	mon            *monitor.Monitor
	admittedDuring uint64
}

func (l *summaryLLM) Complete(context.Context, string, string) (string, error) {
	l.admittedDuring = l.mon.Summary().Totals.Admitted
	return "ok", nil
}

func TestDecisionSampledAfterHandler(t *testing.T) {
	client := &summaryLLM{}
	env := newCustomEnv(t, envConfig{llm: client})
	client.mon = env.mon
	tok := env.token(t, "athlete-4", ratelimit.TierPremium)

	rec := env.do(http.MethodPost, "/api/coach/ask", tok, map[string]string{"question": "tempo runs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Zero(t, client.admittedDuring, "decision lands after the handler finishes")
	assert.EqualValues(t, 1, env.mon.Summary().Totals.Admitted)
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	var envelope struct {
		Meta struct {
			RequestID string `json:"request_id"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "req-42", envelope.Meta.RequestID)
}
