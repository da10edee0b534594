// Package coachgate is the public API for embedding the coachgate admission
// and context-assembly gateway.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := coachgate.New(
//	    coachgate.WithVersion(version),
//	    coachgate.WithLogger(logger),
//	    coachgate.WithSearchIndex(myIndex),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: coachgate (root) imports
// internal/*, but internal/* never imports coachgate (root). Public types
// (Chunk, SearchIndex, LLMClient) are standalone; the adapters bridging them
// to the internal interfaces live here because this is the only file that
// sees both sides of the boundary.
package coachgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/stridelab/coachgate/api"
	"github.com/stridelab/coachgate/internal/auth"
	"github.com/stridelab/coachgate/internal/cache"
	"github.com/stridelab/coachgate/internal/clock"
	"github.com/stridelab/coachgate/internal/config"
	"github.com/stridelab/coachgate/internal/core"
	"github.com/stridelab/coachgate/internal/embedding"
	"github.com/stridelab/coachgate/internal/kv"
	"github.com/stridelab/coachgate/internal/llm"
	"github.com/stridelab/coachgate/internal/monitor"
	"github.com/stridelab/coachgate/internal/ratelimit"
	"github.com/stridelab/coachgate/internal/retrieval"
	"github.com/stridelab/coachgate/internal/server"
	"github.com/stridelab/coachgate/internal/storage"
	"github.com/stridelab/coachgate/internal/telemetry"
	"github.com/stridelab/coachgate/migrations"
)

// App is the coachgate server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB // nil when Postgres is unreachable
	qdrantIndex  *retrieval.QdrantIndex
	redisClient  *redis.Client
	srv          *server.Server
	core         *core.Core
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the gateway: configuration, stores, subsystems, and the
// HTTP server. It does NOT start any goroutines or accept HTTP connections;
// call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("coachgate starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, admissions will fail open", "error", err)
	}
	store := kv.NewRedis(redisClient, logger)

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		logger.Warn("postgres unreachable, serving without profile backend", "error", err)
		db = nil
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		logger.Warn("migrations failed", "error", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	clk := clock.Real{}
	mon := monitor.New(clk, store, logger)
	caches := cache.NewManager(store, mon, logger)
	limiter := ratelimit.New(store, cfg.Quotas(), ratelimit.NewClassifier(), clk, logger)

	var index retrieval.SearchIndex = retrieval.NoopIndex{}
	var qdrantIndex *retrieval.QdrantIndex
	switch {
	case o.searchIndex != nil:
		index = searchIndexAdapter{o.searchIndex}
	case cfg.QdrantURL != "":
		var embedder embedding.Provider
		if cfg.OpenAIAPIKey != "" {
			embedder = embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
		} else {
			embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
		}
		qdrantIndex, err = retrieval.NewQdrantIndex(retrieval.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
	}

	retriever := retrieval.New(index, caches.RetrievalContext, mon, logger, cfg.MaxChunks)

	c := core.New(core.Deps{
		KV:        store,
		Limiter:   limiter,
		Caches:    caches,
		Retriever: retriever,
		Monitor:   mon,
		Logger:    logger,
	})

	var llmClient llm.Client
	switch {
	case o.llmClient != nil:
		llmClient = llmAdapter{o.llmClient}
	case cfg.OpenAIAPIKey != "":
		llmClient = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.LLMModel)
	default:
		llmClient = llm.NewNoopClient()
	}

	var profileStore server.ProfileStore
	if db != nil {
		profileStore = db
	}

	srv := server.New(server.ServerConfig{
		Core:                c,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Store:               profileStore,
		LLM:                 llmClient,
		AdmissionEnabled:    cfg.AdmissionEnabled,
		AdminKeyHash:        cfg.AdminKeyHash,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		qdrantIndex:  qdrantIndex,
		redisClient:  redisClient,
		srv:          srv,
		core:         c,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for mounting the gateway inside a
// larger server or driving it from tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the gateway and blocks until ctx is canceled or the server
// fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if a.db != nil && a.db.HasNotifyConn() {
		if err := a.db.Listen(ctx, storage.ChannelKnowledge); err != nil {
			a.logger.Warn("knowledge listener: listen failed", "error", err)
		} else {
			go a.knowledgeListenLoop(ctx)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	a.logger.Info("coachgate shutting down")

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
	_ = a.redisClient.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("coachgate stopped")
	return runErr
}

// knowledgeListenLoop bumps the retrieval-context generation on every
// knowledge-base NOTIFY.
func (a *App) knowledgeListenLoop(ctx context.Context) {
	for {
		channel, payload, err := a.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("knowledge listener: wait failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if channel != storage.ChannelKnowledge {
			continue
		}
		a.logger.Info("knowledge base updated", "payload", payload)
		a.core.Invalidator.KnowledgeBaseUpdated(ctx)
	}
}

// searchIndexAdapter bridges a public SearchIndex to the internal one.
type searchIndexAdapter struct {
	s SearchIndex
}

func (a searchIndexAdapter) Query(ctx context.Context, partition, query string, limit int) ([]retrieval.Chunk, error) {
	chunks, err := a.s.Query(ctx, partition, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]retrieval.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = retrieval.Chunk{ID: c.ID, Partition: c.Partition, Text: c.Text, Score: c.Score}
	}
	return out, nil
}

// llmAdapter bridges a public LLMClient to the internal one.
type llmAdapter struct {
	c LLMClient
}

func (a llmAdapter) Complete(ctx context.Context, system, prompt string) (string, error) {
	return a.c.Complete(ctx, system, prompt)
}
