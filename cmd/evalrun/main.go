// Command evalrun runs evaluation campaigns against query groups. It is the
// external scheduler for the explore/evaluate/promote cycle: invoke it from
// cron or by hand with an explicit stopping policy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

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
)

func main() {
	groupsFlag := flag.String("groups", "all", "comma-separated group IDs, or 'all'")
	maxCycles := flag.Int("max-cycles", 5, "maximum cycles per group")
	minDelta := flag.Float64("min-delta", 0, "stop a group when best amplitude improves by less than this (0 disables)")
	budget := flag.Duration("budget", 0, "wall-clock budget per group (0 disables)")
	parallel := flag.Int("parallel", 4, "number of groups processed concurrently")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*groupsFlag, evaluation.Policy{
		MaxCycles: *maxCycles,
		MinDelta:  *minDelta,
		Budget:    *budget,
	}, *parallel); err != nil {
		slog.Error("campaign failed", "error", err)
		os.Exit(1)
	}
}

func run(groupsFlag string, policy evaluation.Policy, parallel int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

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

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaLLMModel),
	)

	engine := evaluation.NewEngine(repo, embedder, rewrite.NewLLMRewriter(llmClient), rerank.NewLLMReranker(llmClient), idx,
		evaluation.WithTopK(cfg.RetrievalTopK),
		evaluation.WithRewriteTimeout(cfg.RewriteTimeout),
		evaluation.WithCallTimeout(cfg.GatewayTimeout),
	)

	groupIDs, err := resolveGroupIDs(ctx, repo, groupsFlag)
	if err != nil {
		return err
	}
	if len(groupIDs) == 0 {
		slog.Info("no groups to process")
		return nil
	}

	slog.Info("starting campaign",
		"groups", len(groupIDs),
		"max_cycles", policy.MaxCycles,
		"min_delta", policy.MinDelta,
		"budget", policy.Budget,
		"parallel", parallel,
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, id := range groupIDs {
		g.Go(func() error {
			result, err := engine.RunCampaign(gctx, id, policy)
			if err != nil {
				slog.Error("group campaign failed", "group_id", id, "error", err)
				return err
			}
			slog.Info("group campaign finished",
				"group_id", id,
				"cycles", len(result.Cycles),
				"best_amplitude", result.BestAmplitude,
				"stopped", result.Stopped,
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("campaign complete", "groups", len(groupIDs), "elapsed", time.Since(start))
	return nil
}

func resolveGroupIDs(ctx context.Context, repo repository.GroupRepository, groupsFlag string) ([]uuid.UUID, error) {
	if groupsFlag != "all" {
		var ids []uuid.UUID
		for _, part := range strings.Split(groupsFlag, ",") {
			id, err := uuid.Parse(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("invalid group ID %q: %w", part, err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	var ids []uuid.UUID
	const pageSize = 200
	for offset := 0; ; offset += pageSize {
		groups, total, err := repo.ListGroups(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("listing groups: %w", err)
		}
		for _, g := range groups {
			ids = append(ids, g.ID)
		}
		if offset+pageSize >= total {
			return ids, nil
		}
	}
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
		return postgres.NewGroupRepo(db), db.Close, nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case "memory":
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
