package gorm

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FragmentStore provides fragment-related database operations using GORM.
// Every method takes an optional tx; nil runs against the store connection.
type FragmentStore struct {
	db *gorm.DB
}

// NewFragmentStore creates a new fragment store.
func NewFragmentStore(store *Store) *FragmentStore {
	return &FragmentStore{db: store.DB}
}

// Embedded limits a query to fragments that have an embedding.
func Embedded(db *gorm.DB) *gorm.DB {
	return db.Where("fragments.embedding IS NOT NULL")
}

// Unprocessed limits a query to fragments that clustering has not consumed yet.
func Unprocessed(db *gorm.DB) *gorm.DB {
	return db.Where("fragments.clustering_processed_at IS NULL")
}

// Create inserts a fragment with its tags.
func (s *FragmentStore) Create(ctx context.Context, tx *gorm.DB, f *Fragment) error {
	return pick(s.db, tx).WithContext(ctx).Create(f).Error
}

// Get loads one fragment with its prompt context.
func (s *FragmentStore) Get(ctx context.Context, tx *gorm.DB, id int64) (*Fragment, error) {
	var f Fragment
	err := withContext(pick(s.db, tx).WithContext(ctx)).First(&f, id).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ClaimSeed returns the next eligible seed fragment, oldest first unless newestFirst.
// It returns nil when nothing is eligible. On postgres the row is locked for the
// rest of the transaction and concurrently locked rows are skipped.
func (s *FragmentStore) ClaimSeed(ctx context.Context, tx *gorm.DB, newestFirst bool) (*Fragment, error) {
	order := "fragments.created_at ASC, fragments.id ASC"
	if newestFirst {
		order = "fragments.created_at DESC, fragments.id DESC"
	}

	var seeds []Fragment
	err := pick(s.db, tx).WithContext(ctx).
		Scopes(Embedded, Unprocessed).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Order(order).
		Limit(1).
		Find(&seeds).Error
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}
	return &seeds[0], nil
}

// LoadWithContext loads fragments by id with category, source, speaker and tags, ordered by id.
func (s *FragmentStore) LoadWithContext(ctx context.Context, tx *gorm.DB, ids []int64) ([]Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Fragment
	err := withContext(pick(s.db, tx).WithContext(ctx)).
		Where("fragments.id IN ?", ids).
		Order("fragments.id ASC").
		Find(&out).Error
	return out, err
}

// MarkProcessed stamps the clustering watermark on fragments that do not have one yet.
// It returns the number of fragments stamped.
func (s *FragmentStore) MarkProcessed(ctx context.Context, tx *gorm.DB, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := pick(s.db, tx).WithContext(ctx).
		Model(&Fragment{}).
		Where("id IN ?", ids).
		Where("clustering_processed_at IS NULL").
		Update("clustering_processed_at", at)
	return res.RowsAffected, res.Error
}

// ListMissingEmbedding returns up to limit fragments without an embedding, oldest first.
func (s *FragmentStore) ListMissingEmbedding(ctx context.Context, tx *gorm.DB, limit int) ([]Fragment, error) {
	var out []Fragment
	err := pick(s.db, tx).WithContext(ctx).
		Where("embedding IS NULL").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SetEmbedding stores the vector for one fragment.
func (s *FragmentStore) SetEmbedding(ctx context.Context, tx *gorm.DB, id int64, vec []float32) error {
	return pick(s.db, tx).WithContext(ctx).
		Model(&Fragment{}).
		Where("id = ?", id).
		Update("embedding", NewNullVector(vec)).Error
}

// CountUnprocessed returns how many embedded fragments still wait for clustering.
func (s *FragmentStore) CountUnprocessed(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := pick(s.db, tx).WithContext(ctx).
		Model(&Fragment{}).
		Scopes(Embedded, Unprocessed).
		Count(&n).Error
	return n, err
}

func withContext(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Category").
		Preload("Source").
		Preload("Source.PrimarySpeaker").
		Preload("Tags", func(db *gorm.DB) *gorm.DB {
			return db.Order("tags.name ASC")
		})
}
