package gorm

import (
	"database/sql/driver"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// NullVector is a nullable pgvector column. On SQLite it is stored as its text form.
type NullVector struct {
	pgvector.Vector
	Valid bool
}

// NewNullVector wraps a slice as a valid vector.
func NewNullVector(v []float32) NullVector {
	return NullVector{Vector: pgvector.NewVector(v), Valid: true}
}

// Scan implements sql.Scanner.
func (v *NullVector) Scan(src any) error {
	if src == nil {
		*v = NullVector{}
		return nil
	}
	if err := v.Vector.Scan(src); err != nil {
		return err
	}
	v.Valid = true
	return nil
}

// Value implements driver.Valuer.
func (v NullVector) Value() (driver.Value, error) {
	if !v.Valid {
		return nil, nil
	}
	return v.Vector.Value()
}

// Slice returns the components, or nil when the vector is null.
func (v NullVector) Slice() []float32 {
	if !v.Valid {
		return nil
	}
	return v.Vector.Slice()
}

// GormDBDataType picks the column type per dialect.
func (NullVector) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "vector"
	}
	return "text"
}

// GormDataType gives the schema parser a column type so the embedded struct is
// not mistaken for a relation.
func (NullVector) GormDataType() string {
	return "vector"
}
