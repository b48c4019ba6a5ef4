// Package scan implements fragment similarity search by scoring embeddings in process.
// It serves SQLite, which has no vector operator.
package scan

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/vector"
	"github.com/thebtf/distiller/pkg/similarity"
)

// Searcher loads candidate embeddings and ranks them by cosine similarity.
type Searcher struct{}

// New creates a scanning searcher.
func New() *Searcher {
	return &Searcher{}
}

type row struct {
	ID        int64
	Embedding gormdb.NullVector
}

// FindSimilar implements vector.Searcher.
func (s *Searcher) FindSimilar(ctx context.Context, db *gorm.DB, q vector.Query) ([]vector.Match, error) {
	if len(q.Embedding) == 0 {
		return nil, nil
	}

	tx := db.WithContext(ctx).
		Model(&gormdb.Fragment{}).
		Select("fragments.id, fragments.embedding").
		Scopes(gormdb.Embedded)
	if q.ExcludeID != 0 {
		tx = tx.Where("fragments.id <> ?", q.ExcludeID)
	}
	if q.Filter != nil {
		tx = tx.Scopes(q.Filter)
	}

	var rows []row
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("load candidate embeddings: %w", err)
	}

	candidates := make([]similarity.Candidate, 0, len(rows))
	for _, r := range rows {
		candidates = append(candidates, similarity.Candidate{ID: r.ID, Vector: r.Embedding.Slice()})
	}

	ranked := similarity.Rank(q.Embedding, candidates, q.MinSimilarity, q.Limit)
	out := make([]vector.Match, len(ranked))
	for i, r := range ranked {
		out[i] = vector.Match{ID: r.ID, Similarity: r.Similarity}
	}
	return out, nil
}
