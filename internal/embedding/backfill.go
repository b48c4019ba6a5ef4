// Package embedding backfills vectors for fragments and knowledge units that lack one.
package embedding

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/distiller/internal/ai"
	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/metrics"
	"github.com/thebtf/distiller/internal/privacy"
)

// Target selects which entities a backfill embeds.
type Target string

const (
	TargetFragments      Target = "fragment"
	TargetKnowledgeUnits Target = "knowledge_unit"
)

// Defaults.
const (
	DefaultBatchSize       = 100
	DefaultDimensions      = 2000
	DefaultRescheduleDelay = 5 * time.Second
)

// emptyText stands in for entities with nothing left to embed after cleaning.
const emptyText = "(empty)"

// Config tunes the backfill.
type Config struct {
	BatchSize       int
	Dimensions      int
	RescheduleDelay time.Duration
}

// BatchResult describes one backfill batch.
type BatchResult struct {
	Target   Target `json:"target"`
	Embedded int    `json:"embedded"`
	Full     bool   `json:"full"`
}

// Backfill embeds one batch of entities per call.
type Backfill struct {
	store    *gormdb.Store
	frags    *gormdb.FragmentStore
	units    *gormdb.KnowledgeUnitStore
	embedder ai.Embedder
	capper   *ai.TokenCapper
	metrics  *metrics.Metrics
	cfg      Config
}

// NewBackfill creates a backfill. capper and m may be nil.
func NewBackfill(store *gormdb.Store, embedder ai.Embedder, capper *ai.TokenCapper, m *metrics.Metrics, cfg Config) *Backfill {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.RescheduleDelay <= 0 {
		cfg.RescheduleDelay = DefaultRescheduleDelay
	}
	return &Backfill{
		store:    store,
		frags:    gormdb.NewFragmentStore(store),
		units:    gormdb.NewKnowledgeUnitStore(store),
		embedder: embedder,
		capper:   capper,
		metrics:  m,
		cfg:      cfg,
	}
}

type item struct {
	id   int64
	text string
}

// RunBatch embeds up to BatchSize entities of target, oldest first, with a
// single embedder call. Vectors are written in one transaction; any failure
// leaves the whole batch unembedded.
func (b *Backfill) RunBatch(ctx context.Context, target Target) (*BatchResult, error) {
	items, err := b.load(ctx, target)
	if err != nil {
		return nil, err
	}
	res := &BatchResult{Target: target, Full: len(items) == b.cfg.BatchSize}
	if len(items) == 0 {
		return res, nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	vectors, err := b.embedder.Embed(ctx, texts, b.cfg.Dimensions)
	if err != nil {
		return nil, goerr.Wrap(err, "embedding batch failed",
			goerr.V("target", target),
			goerr.V("count", len(items)))
	}
	if len(vectors) != len(items) {
		return nil, goerr.New("embedding count mismatch",
			goerr.V("target", target),
			goerr.V("expected", len(items)),
			goerr.V("actual", len(vectors)))
	}

	err = b.store.RunInTransaction(ctx, func(ctx context.Context, tx *gormdb.Tx) error {
		for i, it := range items {
			var setErr error
			switch target {
			case TargetFragments:
				setErr = b.frags.SetEmbedding(ctx, tx.DB, it.id, vectors[i])
			case TargetKnowledgeUnits:
				setErr = b.units.SetEmbedding(ctx, tx.DB, it.id, vectors[i])
			}
			if setErr != nil {
				return goerr.Wrap(setErr, "failed to store embedding", goerr.V("target", target), goerr.V("id", it.id))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Embedded = len(items)
	b.metrics.RecordEmbeddingBatch(ctx, string(target), len(items))
	log.Info().
		Str("target", string(target)).
		Int("count", len(items)).
		Bool("full", res.Full).
		Msg("Embedded batch")
	return res, nil
}

func (b *Backfill) load(ctx context.Context, target Target) ([]item, error) {
	var items []item
	switch target {
	case TargetFragments:
		rows, err := b.frags.ListMissingEmbedding(ctx, nil, b.cfg.BatchSize)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list fragments without embedding")
		}
		for _, f := range rows {
			items = append(items, item{id: f.ID, text: b.text(f.Title, f.Summary, f.Content)})
		}
	case TargetKnowledgeUnits:
		rows, err := b.units.ListMissingEmbedding(ctx, nil, b.cfg.BatchSize)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list knowledge units without embedding")
		}
		for _, ku := range rows {
			items = append(items, item{id: ku.ID, text: b.text(ku.Title, ku.Summary, ku.Content)})
		}
	default:
		return nil, goerr.New("unknown embedding target", goerr.V("target", target))
	}
	return items, nil
}

func (b *Backfill) text(fields ...string) string {
	text := b.capper.Cap(BuildText(fields...))
	if text == "" {
		return emptyText
	}
	return text
}

// BuildText joins the non-empty cleaned fields with blank lines.
func BuildText(fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = privacy.Clean(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, "\n\n")
}
