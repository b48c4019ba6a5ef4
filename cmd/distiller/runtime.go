package main

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/distiller/internal/ai"
	"github.com/thebtf/distiller/internal/config"
	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/embedding"
	"github.com/thebtf/distiller/internal/jobs"
	"github.com/thebtf/distiller/internal/metrics"
	"github.com/thebtf/distiller/internal/synthesis"
	"github.com/thebtf/distiller/internal/vector"
	"github.com/thebtf/distiller/internal/vector/pgvector"
	"github.com/thebtf/distiller/internal/vector/scan"
)

// loadConfig ensures the data directory and reads settings.
func loadConfig() *config.Config {
	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure data directory")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	return cfg
}

// openStore opens the configured database. Migrations run on open.
func openStore(cfg *config.Config) (*gormdb.Store, error) {
	level := logger.Silent
	if cfg.LogLevel == "debug" || cfg.LogLevel == "trace" {
		level = logger.Info
	}
	store, err := gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DatabaseURL,
		MaxConns: cfg.MaxConns,
		LogLevel: level,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	return store, nil
}

func newSearcher(store *gormdb.Store) vector.Searcher {
	if store.IsPostgres() {
		return pgvector.New()
	}
	return scan.New()
}

// newRegistry builds the handlers for every job type.
func newRegistry(ctx context.Context, cfg *config.Config, store *gormdb.Store, m *metrics.Metrics) (*jobs.Registry, error) {
	llm, err := ai.NewLLMClient(ctx, ai.ClientConfig{
		Provider:       cfg.LLMProvider,
		Model:          cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		GeminiProject:  cfg.GeminiProject,
		GeminiLocation: cfg.GeminiLocation,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create LLM client")
	}
	capper, err := ai.NewTokenCapper(cfg.EmbeddingMaxTokens)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load tokenizer")
	}

	writer := synthesis.NewWriter(store, ai.NewSynthesizer(llm), m)
	searcher := newSearcher(store)
	hcfg := synthesis.HandlerConfig{
		Budget:    cfg.JobBudget(),
		BatchSize: cfg.ClusteringBatchSize,
	}
	icfg := synthesis.IncrementalConfig{
		MinSimilarity: cfg.SimilarityThreshold,
		CandidateMax:  cfg.CandidateLimit,
	}
	recent := icfg
	recent.NewestFirst = true

	backfill := embedding.NewBackfill(store, ai.NewEmbedder(llm), capper, m, embedding.Config{
		BatchSize:       cfg.EmbeddingBatchSize,
		Dimensions:      cfg.EmbeddingDimensions,
		RescheduleDelay: cfg.EmbeddingRescheduleDelay(),
	})

	registry := jobs.NewRegistry()
	for _, h := range []jobs.Handler{
		synthesis.NewIncrementalHandler(jobs.TypeClusterFragments,
			synthesis.NewIncremental(store, searcher, writer, icfg), hcfg, m),
		synthesis.NewIncrementalHandler(jobs.TypeClusterRecentFragments,
			synthesis.NewIncremental(store, searcher, writer, recent), hcfg, m),
		synthesis.NewTraversalHandler(synthesis.NewTraversal(store, writer), hcfg, m),
		embedding.NewFragmentHandler(backfill),
		embedding.NewKnowledgeUnitHandler(backfill),
	} {
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
