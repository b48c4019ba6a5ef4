// Package pgvector implements fragment similarity search with the pgvector cosine operator.
package pgvector

import (
	"context"
	"fmt"

	pgv "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/vector"
)

// Searcher runs similarity search inside postgres.
type Searcher struct{}

// New creates a pgvector searcher.
func New() *Searcher {
	return &Searcher{}
}

// FindSimilar implements vector.Searcher.
func (s *Searcher) FindSimilar(ctx context.Context, db *gorm.DB, q vector.Query) ([]vector.Match, error) {
	if len(q.Embedding) == 0 {
		return nil, nil
	}
	var out []vector.Match
	if err := s.query(db.WithContext(ctx), q).Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	return out, nil
}

func (s *Searcher) query(db *gorm.DB, q vector.Query) *gorm.DB {
	vec := pgv.NewVector(q.Embedding)
	tx := db.Model(&gormdb.Fragment{}).
		Select("fragments.id AS id, 1 - (fragments.embedding <=> ?) AS similarity", vec).
		Scopes(gormdb.Embedded).
		Where("1 - (fragments.embedding <=> ?) >= ?", vec, q.MinSimilarity)
	if q.ExcludeID != 0 {
		tx = tx.Where("fragments.id <> ?", q.ExcludeID)
	}
	if q.Filter != nil {
		tx = tx.Scopes(q.Filter)
	}
	tx = tx.Order("similarity DESC").Order("fragments.id ASC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	return tx
}
