package pgvector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/vector"
)

func TestSearcher_QuerySQL(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=test dbname=test sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	s := New()
	sql := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var out []vector.Match
		return s.query(tx, vector.Query{
			Embedding:     []float32{1, 0},
			Limit:         100,
			MinSimilarity: 0.85,
			ExcludeID:     7,
			Filter:        gormdb.Unprocessed,
		}).Scan(&out)
	})

	assert.Contains(t, sql, "1 - (fragments.embedding <=> '[1,0]') AS similarity")
	assert.Contains(t, sql, "fragments.embedding IS NOT NULL")
	assert.Contains(t, sql, "fragments.clustering_processed_at IS NULL")
	assert.Contains(t, sql, "fragments.id <> 7")
	assert.Contains(t, sql, "ORDER BY similarity DESC,fragments.id ASC")
	assert.Contains(t, sql, "LIMIT 100")
}
