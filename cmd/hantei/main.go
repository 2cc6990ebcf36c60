// Command hantei runs the always-on judgment and evaluation server:
// it scores submitted items through the deterministic Judge, seals the
// results into a hash-linked Proof-of-Judgment chain, evaluates trigger
// rules against the event stream, and calibrates its own scoring weights
// from accumulated feedback.
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

	"github.com/hantei-ai/hantei/api"
	"github.com/hantei-ai/hantei/internal/auth"
	"github.com/hantei-ai/hantei/internal/chain"
	"github.com/hantei-ai/hantei/internal/config"
	"github.com/hantei-ai/hantei/internal/digest"
	"github.com/hantei-ai/hantei/internal/eventbus"
	"github.com/hantei-ai/hantei/internal/judge"
	"github.com/hantei-ai/hantei/internal/learning"
	"github.com/hantei-ai/hantei/internal/model"
	"github.com/hantei-ai/hantei/internal/ops"
	"github.com/hantei-ai/hantei/internal/pipeline"
	"github.com/hantei-ai/hantei/internal/ratelimit"
	"github.com/hantei-ai/hantei/internal/search"
	"github.com/hantei-ai/hantei/internal/server"
	"github.com/hantei-ai/hantei/internal/service/embedding"
	"github.com/hantei-ai/hantei/internal/sse"
	"github.com/hantei-ai/hantei/internal/storage"
	"github.com/hantei-ai/hantei/internal/storage/memory"
	"github.com/hantei-ai/hantei/internal/storage/postgres"
	"github.com/hantei-ai/hantei/internal/storage/sqlite"
	"github.com/hantei-ai/hantei/internal/telemetry"
	"github.com/hantei-ai/hantei/internal/trigger"
	"github.com/hantei-ai/hantei/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("HANTEI_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("hantei starting", "version", version, "port", cfg.Port, "backend", cfg.StorageBackend)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStore()

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := bootstrapAdmin(ctx, store, cfg.AdminAPIKey, logger); err != nil {
		return fmt.Errorf("admin bootstrap: %w", err)
	}

	bus := eventbus.New(1024)

	chainMgr := chain.New(store, chain.Config{Logger: logger})
	if err := chainMgr.Init(ctx); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	chainMgr.Start(ctx)

	j := judge.New(judge.NewConfig())
	pl := pipeline.New(j, store, chainMgr, bus, logger)

	learningLoop := learning.New(store, learning.Config{AutoCalibrate: true, Logger: logger})
	if err := learningLoop.Init(ctx); err != nil {
		return fmt.Errorf("learning: %w", err)
	}

	dg := digest.New(store)

	embedder, vectorIndex := newSearchDependencies(ctx, cfg, logger)
	// Passed through a plain search.VectorIndex var rather than the *QdrantIndex
	// directly: handing search.New a nil *QdrantIndex through its interface
	// parameter would produce a non-nil interface holding a nil pointer, and
	// Service's "is vector search configured" check is a plain != nil test.
	var idx search.VectorIndex
	if vectorIndex != nil {
		idx = vectorIndex
		defer func() { _ = vectorIndex.Close() }()
	}
	searchSvc := search.New(store, embedder, idx)

	triggerEngine := trigger.New(store, bus, pl, trigger.Capabilities{
		Log: func(ctx context.Context, t model.Trigger, payload any) error {
			logger.Info("trigger fired", "trigger", t.Name, "action", "log", "payload", payload)
			return nil
		},
	}, trigger.Config{Logger: logger})
	if err := triggerEngine.Start(ctx); err != nil {
		return fmt.Errorf("trigger engine: %w", err)
	}
	defer triggerEngine.Stop()

	registry := ops.New()
	ops.RegisterCore(registry, pl, store, chainMgr, triggerEngine, learningLoop, dg, searchSvc)

	sseHandler := sse.NewHandler(bus, nil, sse.Config{Version: version, Logger: logger})

	limiter := ratelimit.New(nil, logger, false) // in-process, no Redis: noop mode permits every request
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Store:              store,
		JWTManager:         jwtMgr,
		Registry:           registry,
		ChainMgr:           chainMgr,
		SSEHandler:         sseHandler,
		Limiter:            limiter,
		OpenAPISpec:        api.OpenAPISpec,
		Logger:             logger,
		Version:            version,
		Port:               cfg.Port,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("hantei shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := chainMgr.Flush(shutdownCtx); err != nil {
		logger.Warn("chain flush on shutdown failed", "error", err)
	}

	if err := <-errCh; err != nil {
		return err
	}

	logger.Info("hantei stopped")
	return nil
}

// openStore constructs the configured storage.Persistence backend and
// returns a close function. Running embedded migrations is the postgres
// backend's responsibility only; sqlite applies its schema at Open and
// memory has none.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Persistence, func(), error) {
	switch cfg.StorageBackend {
	case "postgres":
		db, err := postgres.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close(ctx)
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return postgres.NewStore(db), func() { _ = db.Close(context.Background()) }, nil

	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	case "memory":
		return memory.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// bootstrapAdmin ensures a single admin agent named "admin" exists, hashing
// adminAPIKey with Argon2id. If adminAPIKey is empty, no admin agent is
// created and chain.reset/trigger mutation remain unreachable until an
// operator creates one out of band.
func bootstrapAdmin(ctx context.Context, store storage.Persistence, adminAPIKey string, logger *slog.Logger) error {
	if adminAPIKey == "" {
		logger.Warn("no HANTEI_ADMIN_API_KEY configured; admin-only operations (chain.reset, trigger mutation) are unreachable")
		return nil
	}
	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("hash admin key: %w", err)
	}
	if err := store.CreateAgent(ctx, model.Agent{
		Name:       "admin",
		Role:       model.RoleAdmin,
		APIKeyHash: hash,
	}); err != nil {
		return fmt.Errorf("create admin agent: %w", err)
	}
	logger.Info("admin agent bootstrapped")
	return nil
}

// newSearchDependencies wires an embedding provider and, if QDRANT_URL is
// configured, a Qdrant vector index. The provider is never nil (a noop
// provider when none is available); the index is nil when QDRANT_URL is
// unset or Qdrant setup fails, in which case Search uses Persistence
// full-text search only.
func newSearchDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (search.EmbeddingProvider, *search.QdrantIndex) {
	provider := newEmbeddingProvider(cfg, logger)
	adapter := embeddingAdapter{provider: provider}

	if cfg.QdrantURL == "" {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
		return adapter, nil
	}

	index, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		logger.Error("qdrant: init failed, continuing without vector search", "error", err)
		return adapter, nil
	}
	if err := index.EnsureCollection(ctx); err != nil {
		logger.Error("qdrant: ensure collection failed, continuing without vector search", "error", err)
		return adapter, nil
	}
	logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	return adapter, index
}

// embeddingAdapter narrows embedding.Provider's pgvector.Vector return type
// to the plain []float32 search.EmbeddingProvider expects.
type embeddingAdapter struct {
	provider embedding.Provider
}

func (a embeddingAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := a.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return v.Slice(), nil
}

// newEmbeddingProvider selects an embedding provider based on configuration.
// "auto" prefers Ollama (on-premises, no API cost), then OpenAI, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when HANTEI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)")
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)")
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
