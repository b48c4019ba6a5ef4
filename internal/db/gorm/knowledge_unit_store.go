package gorm

import (
	"context"

	"gorm.io/gorm"
)

// KnowledgeUnitStore provides knowledge unit database operations using GORM.
type KnowledgeUnitStore struct {
	db *gorm.DB
}

// NewKnowledgeUnitStore creates a new knowledge unit store.
func NewKnowledgeUnitStore(store *Store) *KnowledgeUnitStore {
	return &KnowledgeUnitStore{db: store.DB}
}

// NotDeleted hides soft-deleted knowledge units.
func NotDeleted(db *gorm.DB) *gorm.DB {
	return db.Where("knowledge_units.is_deleted = ?", false)
}

// CreateWithFragments inserts the unit and one link row per fragment. Call it
// inside a transaction so the unit and its links commit together.
func (s *KnowledgeUnitStore) CreateWithFragments(ctx context.Context, tx *gorm.DB, ku *KnowledgeUnit, fragmentIDs []int64) error {
	db := pick(s.db, tx).WithContext(ctx)
	if err := db.Create(ku).Error; err != nil {
		return err
	}
	links := make([]FragmentKnowledgeUnit, 0, len(fragmentIDs))
	for _, fid := range fragmentIDs {
		links = append(links, FragmentKnowledgeUnit{FragmentID: fid, KnowledgeUnitID: ku.ID})
	}
	return db.Create(&links).Error
}

// Get loads one knowledge unit.
func (s *KnowledgeUnitStore) Get(ctx context.Context, tx *gorm.DB, id int64) (*KnowledgeUnit, error) {
	var ku KnowledgeUnit
	if err := pick(s.db, tx).WithContext(ctx).Preload("Category").First(&ku, id).Error; err != nil {
		return nil, err
	}
	return &ku, nil
}

// FragmentIDs returns the fragments linked to a unit, ordered by id.
func (s *KnowledgeUnitStore) FragmentIDs(ctx context.Context, tx *gorm.DB, kuID int64) ([]int64, error) {
	var ids []int64
	err := pick(s.db, tx).WithContext(ctx).
		Model(&FragmentKnowledgeUnit{}).
		Where("knowledge_unit_id = ?", kuID).
		Order("fragment_id ASC").
		Pluck("fragment_id", &ids).Error
	return ids, err
}

// List returns live knowledge units, newest first.
func (s *KnowledgeUnitStore) List(ctx context.Context, tx *gorm.DB, limit int) ([]KnowledgeUnit, error) {
	var out []KnowledgeUnit
	err := pick(s.db, tx).WithContext(ctx).
		Scopes(NotDeleted).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListMissingEmbedding returns up to limit live units without an embedding, oldest first.
func (s *KnowledgeUnitStore) ListMissingEmbedding(ctx context.Context, tx *gorm.DB, limit int) ([]KnowledgeUnit, error) {
	var out []KnowledgeUnit
	err := pick(s.db, tx).WithContext(ctx).
		Scopes(NotDeleted).
		Where("embedding IS NULL").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SetEmbedding stores the vector for one knowledge unit.
func (s *KnowledgeUnitStore) SetEmbedding(ctx context.Context, tx *gorm.DB, id int64, vec []float32) error {
	return pick(s.db, tx).WithContext(ctx).
		Model(&KnowledgeUnit{}).
		Where("id = ?", id).
		Update("embedding", NewNullVector(vec)).Error
}

// SoftDelete flags a unit as deleted.
func (s *KnowledgeUnitStore) SoftDelete(ctx context.Context, tx *gorm.DB, id int64) error {
	return pick(s.db, tx).WithContext(ctx).
		Model(&KnowledgeUnit{}).
		Where("id = ?", id).
		Update("is_deleted", true).Error
}

// Count returns the number of live knowledge units.
func (s *KnowledgeUnitStore) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := pick(s.db, tx).WithContext(ctx).Model(&KnowledgeUnit{}).Scopes(NotDeleted).Count(&n).Error
	return n, err
}
