// Package vector provides common interfaces for vector similarity search over fragments.
package vector

import (
	"context"

	"gorm.io/gorm"
)

// Query describes one similarity lookup.
type Query struct {
	Embedding     []float32
	Limit         int
	MinSimilarity float64
	// ExcludeID drops the query's own fragment from the results.
	ExcludeID int64
	// Filter narrows the candidate set, e.g. to fragments not yet clustered.
	Filter func(*gorm.DB) *gorm.DB
}

// Match is a fragment and its cosine similarity to the query.
type Match struct {
	ID         int64   `gorm:"column:id"`
	Similarity float64 `gorm:"column:similarity"`
}

// Searcher finds fragments similar to an embedding. Results are ordered by
// similarity descending, then id ascending. Fragments without an embedding never match.
// db may be an open transaction.
type Searcher interface {
	FindSimilar(ctx context.Context, db *gorm.DB, q Query) ([]Match, error)
}

// IDs returns the ids of matches in order.
func IDs(matches []Match) []int64 {
	out := make([]int64, len(matches))
	for i, m := range matches {
		out[i] = m.ID
	}
	return out
}
