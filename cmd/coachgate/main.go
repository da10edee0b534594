package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
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
	"github.com/stridelab/coachgate/internal/invalidate"
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

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("COACHGATE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("coachgate starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Redis. The adapter fails open, so a store that is down at
	// startup degrades to "no limits, no caching" instead of refusing to boot.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: parse url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, admissions will fail open", "error", err)
	}
	store := kv.NewRedis(redisClient, logger)

	// Connect to Postgres for profiles and training logs. A down database
	// only loses personalization: profiles read as empty shapes.
	var db *storage.DB
	if db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger); err != nil {
		logger.Warn("postgres unreachable, serving without profile backend", "error", err)
		db = nil
	} else {
		defer db.Close(ctx)
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			logger.Warn("migrations failed", "error", err)
		}
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	clk := clock.Real{}
	mon := monitor.New(clk, store, logger)
	caches := cache.NewManager(store, mon, logger)
	limiter := ratelimit.New(store, cfg.Quotas(), ratelimit.NewClassifier(), clk, logger)

	// Embedding provider: OpenAI when a key is configured, else noop.
	var embedder embedding.Provider
	if cfg.OpenAIAPIKey != "" {
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		embedder = embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	} else {
		logger.Warn("no OPENAI_API_KEY, using noop embeddings (retrieval disabled)")
		embedder = embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	}

	// Search index: Qdrant when configured, else an empty index.
	var index retrieval.SearchIndex = retrieval.NoopIndex{}
	if cfg.QdrantURL != "" {
		qdrantIndex, err := retrieval.NewQdrantIndex(retrieval.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, embedder, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
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

	// React to knowledge-base ingestion events: each NOTIFY retires every
	// cached retrieval context via a generation bump.
	if db != nil && db.HasNotifyConn() {
		if err := db.Listen(ctx, storage.ChannelKnowledge); err != nil {
			logger.Warn("knowledge listener: listen failed", "error", err)
		} else {
			go knowledgeListenLoop(ctx, db, c.Invalidator, logger)
			logger.Info("knowledge listener: enabled", "channel", storage.ChannelKnowledge)
		}
	} else {
		logger.Info("knowledge listener: disabled (no notify connection)")
	}

	// LLM client: OpenAI when a key is configured, else a canned responder.
	var llmClient llm.Client
	if cfg.OpenAIAPIKey != "" {
		llmClient = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.LLMModel)
		logger.Info("llm: openai", "model", cfg.LLMModel)
	} else {
		llmClient = llm.NewNoopClient()
		logger.Warn("llm: noop (no OPENAI_API_KEY)")
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

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("coachgate shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("coachgate stopped")
	return nil
}

// knowledgeListenLoop blocks on LISTEN notifications and bumps the
// retrieval-context generation for each one. Exits when ctx is canceled.
func knowledgeListenLoop(ctx context.Context, db *storage.DB, inv *invalidate.Coordinator, logger *slog.Logger) {
	for {
		channel, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("knowledge listener: wait failed", "error", err)
			// Back off briefly so a broken connection doesn't spin.
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
		logger.Info("knowledge base updated", "payload", payload)
		inv.KnowledgeBaseUpdated(ctx)
	}
}
