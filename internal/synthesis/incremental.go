package synthesis

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog/log"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/vector"
)

// Strategy names used in logs and metrics.
const (
	StrategyIncremental = "incremental"
	StrategyPrecomputed = "precomputed"
)

// Incremental clustering defaults.
const (
	DefaultSimilarityThreshold = 0.85
	DefaultCandidateLimit      = 100
)

// IncrementalConfig tunes the seed-and-grow engine.
type IncrementalConfig struct {
	NewestFirst   bool
	MinSimilarity float64
	CandidateMax  int
}

// IterationResult describes one iteration of either strategy.
type IterationResult struct {
	// Claimed is false when there was nothing left to process.
	Claimed bool
	SeedID  int64
	Outcome *Outcome
}

// Incremental grows one cluster around the oldest (or newest) unprocessed
// fragment per iteration.
type Incremental struct {
	store    *gormdb.Store
	frags    *gormdb.FragmentStore
	searcher vector.Searcher
	writer   *Writer
	cfg      IncrementalConfig
}

// NewIncremental creates an incremental engine.
func NewIncremental(store *gormdb.Store, searcher vector.Searcher, writer *Writer, cfg IncrementalConfig) *Incremental {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultSimilarityThreshold
	}
	if cfg.CandidateMax <= 0 {
		cfg.CandidateMax = DefaultCandidateLimit
	}
	return &Incremental{
		store:    store,
		frags:    gormdb.NewFragmentStore(store),
		searcher: searcher,
		writer:   writer,
		cfg:      cfg,
	}
}

// Step runs one iteration in its own transaction. afterCommit, when non-nil,
// is called after the commit if knowledge units were created.
func (e *Incremental) Step(ctx context.Context, afterCommit func(ctx context.Context, created []int64)) (*IterationResult, error) {
	return gormdb.RunInTransactionResult(ctx, e.store, func(ctx context.Context, tx *gormdb.Tx) (*IterationResult, error) {
		seed, err := e.frags.ClaimSeed(ctx, tx.DB, e.cfg.NewestFirst)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to claim seed fragment")
		}
		if seed == nil {
			return &IterationResult{}, nil
		}
		res := &IterationResult{Claimed: true, SeedID: seed.ID}

		matches, err := e.searcher.FindSimilar(ctx, tx.DB, vector.Query{
			Embedding:     seed.Embedding.Slice(),
			Limit:         e.cfg.CandidateMax,
			MinSimilarity: e.cfg.MinSimilarity,
			ExcludeID:     seed.ID,
			Filter:        gormdb.Unprocessed,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "similarity search failed", goerr.V("seed_id", seed.ID))
		}

		if len(matches) == 0 {
			n, err := e.writer.MarkProcessed(ctx, tx.DB, StrategyIncremental, []int64{seed.ID})
			if err != nil {
				return nil, err
			}
			res.Outcome = &Outcome{Participants: []int64{seed.ID}, Processed: n}
			log.Debug().Int64("seedId", seed.ID).Msg("No similar fragments, seed marked processed")
			return res, nil
		}

		ids := append([]int64{seed.ID}, vector.IDs(matches)...)
		participants, err := e.frags.LoadWithContext(ctx, tx.DB, ids)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load participants", goerr.V("seed_id", seed.ID))
		}

		outcome, err := e.writer.Synthesize(ctx, tx.DB, StrategyIncremental, participants)
		if err != nil {
			return nil, goerr.Wrap(err, "incremental iteration failed", goerr.V("seed_id", seed.ID))
		}
		res.Outcome = outcome

		if afterCommit != nil && len(outcome.Created) > 0 {
			created := outcome.Created
			tx.AfterCommit(func(ctx context.Context) { afterCommit(ctx, created) })
		}

		log.Info().
			Int64("seedId", seed.ID).
			Int("participants", len(participants)).
			Int("created", len(outcome.Created)).
			Int("rejected", outcome.Rejected).
			Msg("Incremental clustering iteration complete")
		return res, nil
	})
}
