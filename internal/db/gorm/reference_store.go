package gorm

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/distiller/pkg/models"
)

// ReferenceStore manages categories, speakers, sources, tags and prompt templates.
type ReferenceStore struct {
	db *gorm.DB
}

// NewReferenceStore creates a new reference store.
func NewReferenceStore(store *Store) *ReferenceStore {
	return &ReferenceStore{db: store.DB}
}

// ListCategories returns every category ordered by name.
func (s *ReferenceStore) ListCategories(ctx context.Context, tx *gorm.DB) ([]Category, error) {
	var out []Category
	err := pick(s.db, tx).WithContext(ctx).Order("name ASC").Find(&out).Error
	return out, err
}

// UpsertCategory creates the category or updates its guidance.
func (s *ReferenceStore) UpsertCategory(ctx context.Context, tx *gorm.DB, name, guidance string) (*Category, error) {
	c := Category{Name: strings.TrimSpace(name), Guidance: guidance}
	err := pick(s.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"guidance"}),
		}).
		Create(&c).Error
	if err != nil {
		return nil, err
	}
	return s.categoryByName(ctx, tx, c.Name)
}

func (s *ReferenceStore) categoryByName(ctx context.Context, tx *gorm.DB, name string) (*Category, error) {
	var c Category
	if err := pick(s.db, tx).WithContext(ctx).Where("name = ?", name).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CategoryByName looks a category up by exact name.
func (s *ReferenceStore) CategoryByName(ctx context.Context, tx *gorm.DB, name string) (*Category, error) {
	return s.categoryByName(ctx, tx, strings.TrimSpace(name))
}

// UpsertSpeaker creates the speaker or updates the trust level.
func (s *ReferenceStore) UpsertSpeaker(ctx context.Context, tx *gorm.DB, name string, trust models.TrustLevel) (*Speaker, error) {
	sp := Speaker{Name: strings.TrimSpace(name), TrustLevel: trust}
	err := pick(s.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"trust_level"}),
		}).
		Create(&sp).Error
	if err != nil {
		return nil, err
	}
	var out Speaker
	if err := pick(s.db, tx).WithContext(ctx).Where("name = ?", sp.Name).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSource inserts a source.
func (s *ReferenceStore) CreateSource(ctx context.Context, tx *gorm.DB, src *Source) error {
	return pick(s.db, tx).WithContext(ctx).Create(src).Error
}

// EnsureTags returns tags for names, creating missing ones.
func (s *ReferenceStore) EnsureTags(ctx context.Context, tx *gorm.DB, names []string) ([]Tag, error) {
	db := pick(s.db, tx).WithContext(ctx)
	out := make([]Tag, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var t Tag
		if err := db.Where(Tag{Name: name}).FirstOrCreate(&t).Error; err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// PromptTemplate returns the named template, or nil when it does not exist.
func (s *ReferenceStore) PromptTemplate(ctx context.Context, tx *gorm.DB, name models.PromptTemplateName) (*PromptTemplate, error) {
	var out []PromptTemplate
	err := pick(s.db, tx).WithContext(ctx).Where("name = ?", name).Limit(1).Find(&out).Error
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// UpsertPromptTemplate creates or replaces a template body.
func (s *ReferenceStore) UpsertPromptTemplate(ctx context.Context, tx *gorm.DB, name models.PromptTemplateName, body string) error {
	return pick(s.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
		}).
		Create(&PromptTemplate{Name: name, Body: body}).Error
}
