package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tkaneda/queryloop/internal/auth"
	"github.com/tkaneda/queryloop/internal/cache"
	"github.com/tkaneda/queryloop/internal/config"
	"github.com/tkaneda/queryloop/internal/evaluation"
	"github.com/tkaneda/queryloop/internal/gateway/embedding"
	"github.com/tkaneda/queryloop/internal/gateway/rerank"
	"github.com/tkaneda/queryloop/internal/gateway/rewrite"
	"github.com/tkaneda/queryloop/internal/index"
	"github.com/tkaneda/queryloop/internal/llm"
	"github.com/tkaneda/queryloop/internal/repository"
	"github.com/tkaneda/queryloop/internal/repository/memory"
	"github.com/tkaneda/queryloop/internal/repository/postgres"
	"github.com/tkaneda/queryloop/internal/repository/sqlite"
	"github.com/tkaneda/queryloop/internal/router"
	"github.com/tkaneda/queryloop/internal/server"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting queryloop service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"database_driver", cfg.DatabaseDriver,
	)

	repo, cleanup, err := newRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	idx, err := index.NewQdrantIndex(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer idx.Close()
	slog.Info("connected to Qdrant")

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	slog.Info("initialized embedder", "provider", cfg.EmbeddingProvider, "model", embedder.ModelName())

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	rewriter := rewrite.NewLLMRewriter(llmClient)
	reranker := rerank.NewLLMReranker(llmClient)

	engine := evaluation.NewEngine(repo, embedder, rewriter, reranker, idx,
		evaluation.WithTopK(cfg.RetrievalTopK),
		evaluation.WithRewriteTimeout(cfg.RewriteTimeout),
		evaluation.WithCallTimeout(cfg.GatewayTimeout),
	)

	performerCache := cache.New(cfg.PerformerCacheTTL)
	defer performerCache.Close()

	queryRouter := router.New(repo, embedder, rewriter, reranker, idx,
		router.WithTopK(cfg.RetrievalTopK),
		router.WithThresholds(cfg.MinScoreResults, cfg.MinScoreRecommend),
		router.WithRewriteTimeout(cfg.RewriteTimeout),
		router.WithCallTimeout(cfg.GatewayTimeout),
		router.WithCache(performerCache),
	)

	jwtConfig := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtConfig.Expiry = cfg.JWTExpiry
	jwtManager := auth.NewJWTManager(jwtConfig)
	authMW := auth.NewAPIKeyMiddleware(cfg.ClientAPIKeys, cfg.AdminAPIKey, jwtManager)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:   cfg.HTTPPort,
		Logger: slog.Default(),
	}, server.Deps{
		Router:     queryRouter,
		Engine:     engine,
		Repo:       repo,
		Auth:       authMW,
		JWTManager: jwtManager,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func newRepository(ctx context.Context, cfg *config.Config) (repository.GroupRepository, func(), error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		slog.Info("connected to PostgreSQL")
		return postgres.NewGroupRepo(db), db.Close, nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		slog.Info("opened SQLite database", "path", cfg.SQLitePath)
		return store, func() { _ = store.Close() }, nil
	case "memory":
		slog.Info("using in-memory store")
		return memory.NewStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embedding.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbeddingModel)
	default:
		return embedding.NewOllamaEmbedder(embedding.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
		}), nil
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.GroupRepository = (*postgres.GroupRepo)(nil)
	_ repository.GroupRepository = (*sqlite.Store)(nil)
	_ repository.GroupRepository = (*memory.Store)(nil)
	_ index.Index                = (*index.QdrantIndex)(nil)
	_ embedding.Embedder         = (*embedding.OllamaEmbedder)(nil)
	_ embedding.Embedder         = (*embedding.OpenAIEmbedder)(nil)
	_ llm.LLM                    = (*llm.OllamaClient)(nil)
)
