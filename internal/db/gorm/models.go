// Package gorm provides GORM-based database operations for distiller.
package gorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/thebtf/distiller/pkg/models"
)

// Category groups fragments and knowledge units. Guidance is shown to the model.
type Category struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex;not null"`
	Guidance  string `gorm:"type:text"`
	CreatedAt time.Time
}

func (Category) TableName() string { return "categories" }

// Speaker is a person quoted by a source.
type Speaker struct {
	ID         int64             `gorm:"primaryKey;autoIncrement"`
	Name       string            `gorm:"uniqueIndex;not null"`
	TrustLevel models.TrustLevel `gorm:"type:text;default:'medium';check:trust_level IN ('low', 'medium', 'high')"`
	CreatedAt  time.Time
}

func (Speaker) TableName() string { return "speakers" }

// Source is the meeting or document a fragment was transcribed from.
type Source struct {
	ID               int64              `gorm:"primaryKey;autoIncrement"`
	Title            string             `gorm:"not null"`
	SourceType       string             `gorm:"type:text"`
	Scope            models.SourceScope `gorm:"type:text;default:'internal';check:scope IN ('internal', 'external')"`
	OccurredAt       *time.Time
	PrimarySpeakerID *int64   `gorm:"index"`
	PrimarySpeaker   *Speaker `gorm:"constraint:OnDelete:SET NULL"`
	CreatedAt        time.Time
}

func (Source) TableName() string { return "sources" }

// Tag is a free-form label attached to fragments.
type Tag struct {
	ID   int64  `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"uniqueIndex;not null"`
}

func (Tag) TableName() string { return "tags" }

// Fragment is one transcribed piece of knowledge awaiting synthesis.
// A nil embedding keeps it out of similarity search and clustering.
// ClusteringProcessedAt is the watermark: nil means eligible.
type Fragment struct {
	ID                    int64                  `gorm:"primaryKey;autoIncrement"`
	Title                 string                 `gorm:"type:text"`
	Summary               string                 `gorm:"type:text"`
	CategoryID            int64                  `gorm:"index;not null"`
	Category              *Category              `gorm:"constraint:OnDelete:RESTRICT"`
	Content               string                 `gorm:"type:text"`
	Embedding             NullVector             `gorm:"column:embedding"`
	ClusteringProcessedAt *time.Time             `gorm:"index"`
	SourceID              *int64                 `gorm:"index"`
	Source                *Source                `gorm:"constraint:OnDelete:SET NULL"`
	Confidence            models.ConfidenceLevel `gorm:"type:text;default:'medium';check:confidence IN ('low', 'medium', 'high')"`
	ConfidenceComment     string                 `gorm:"type:text"`
	Tags                  []Tag                  `gorm:"many2many:fragment_tags"`
	CreatedAt             time.Time              `gorm:"index"`
	UpdatedAt             time.Time
}

func (Fragment) TableName() string { return "fragments" }

// BeforeCreate defaults the confidence level.
func (f *Fragment) BeforeCreate(tx *gorm.DB) error {
	if f.Confidence == "" {
		f.Confidence = models.ConfidenceMedium
	}
	return nil
}

// KnowledgeUnit is a deduplicated unit synthesized from two or more fragments.
type KnowledgeUnit struct {
	ID                int64                  `gorm:"primaryKey;autoIncrement"`
	Title             string                 `gorm:"type:text"`
	Summary           string                 `gorm:"type:text"`
	CategoryID        int64                  `gorm:"index;not null"`
	Category          *Category              `gorm:"constraint:OnDelete:RESTRICT"`
	Content           string                 `gorm:"type:text"`
	Confidence        models.ConfidenceLevel `gorm:"type:text;default:'medium';check:confidence IN ('low', 'medium', 'high')"`
	ConfidenceComment string                 `gorm:"type:text"`
	ClusteringComment string                 `gorm:"type:text"`
	Embedding         NullVector             `gorm:"column:embedding"`
	IsDeleted         bool                   `gorm:"default:false;index"`
	CreatedAt         time.Time              `gorm:"index"`
	UpdatedAt         time.Time
}

func (KnowledgeUnit) TableName() string { return "knowledge_units" }

// BeforeCreate defaults the confidence level.
func (k *KnowledgeUnit) BeforeCreate(tx *gorm.DB) error {
	if k.Confidence == "" {
		k.Confidence = models.ConfidenceMedium
	}
	return nil
}

// FragmentKnowledgeUnit links a fragment to a knowledge unit. The pair is unique
// and the row goes away with either side.
type FragmentKnowledgeUnit struct {
	ID              int64          `gorm:"primaryKey;autoIncrement"`
	FragmentID      int64          `gorm:"not null;uniqueIndex:idx_fku_pair,priority:1"`
	Fragment        *Fragment      `gorm:"constraint:OnDelete:CASCADE"`
	KnowledgeUnitID int64          `gorm:"not null;uniqueIndex:idx_fku_pair,priority:2;index"`
	KnowledgeUnit   *KnowledgeUnit `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time
}

func (FragmentKnowledgeUnit) TableName() string { return "fragment_knowledge_units" }

// ClusteringSession is one offline clustering run over the fragment corpus.
type ClusteringSession struct {
	ID            int64                          `gorm:"primaryKey;autoIncrement"`
	Method        string                         `gorm:"type:text;not null"`
	FragmentCount int                            `gorm:"default:0"`
	ClusterCount  int                            `gorm:"default:0"`
	Status        models.ClusteringSessionStatus `gorm:"type:text;default:'pending';check:status IN ('pending', 'running', 'completed', 'failed');index"`
	CompletedAt   *time.Time                     `gorm:"index"`
	CreatedAt     time.Time
}

func (ClusteringSession) TableName() string { return "clustering_sessions" }

// Cluster is a precomputed group of fragments inside a session.
type Cluster struct {
	ID                int64              `gorm:"primaryKey;autoIncrement"`
	SessionID         int64              `gorm:"not null;index:idx_clusters_session_size,priority:1"`
	Session           *ClusteringSession `gorm:"constraint:OnDelete:CASCADE"`
	ClusterNumber     int                `gorm:"not null"`
	FragmentCount     int                `gorm:"default:0;index:idx_clusters_session_size,priority:2,sort:desc"`
	Centroid          NullVector         `gorm:"column:centroid"`
	ClusteringComment string             `gorm:"type:text"`
	Fragments         []Fragment         `gorm:"many2many:cluster_fragments"`
	CreatedAt         time.Time
}

func (Cluster) TableName() string { return "clusters" }

// PromptTemplate is an editable prompt section used by synthesis.
type PromptTemplate struct {
	ID        int64                     `gorm:"primaryKey;autoIncrement"`
	Name      models.PromptTemplateName `gorm:"type:text;uniqueIndex;not null"`
	Body      string                    `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (PromptTemplate) TableName() string { return "prompt_templates" }

// Job run statuses.
const (
	JobStatusQueued         = "queued"
	JobStatusScheduled      = "scheduled"
	JobStatusAwaitingParent = "awaiting_parent"
	JobStatusRunning        = "running"
	JobStatusSucceeded      = "succeeded"
	JobStatusFailed         = "failed"
	JobStatusDead           = "dead"
	JobStatusCanceled       = "canceled"
)

// JobRun is one durable background job invocation.
type JobRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	JobType     string         `gorm:"type:text;not null;index:idx_job_runs_type_status,priority:1"`
	Status      string         `gorm:"type:text;not null;index:idx_job_runs_type_status,priority:2;index"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	Result      datatypes.JSON `gorm:"column:result"`
	Stage       string         `gorm:"type:text"`
	Error       string         `gorm:"type:text"`
	ParentID    *uuid.UUID     `gorm:"type:uuid;index"`
	RunAt       time.Time      `gorm:"index"`
	Attempts    int            `gorm:"default:0"`
	MaxAttempts int            `gorm:"default:5"`
	LastErrorAt *time.Time
	LockedAt    *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

func (JobRun) TableName() string { return "job_runs" }

// BeforeCreate assigns the id and defaults.
func (j *JobRun) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}
	return nil
}

// AllModels returns every table model in migration order.
func AllModels() []any {
	return []any{
		&Category{},
		&Speaker{},
		&Source{},
		&Tag{},
		&Fragment{},
		&KnowledgeUnit{},
		&FragmentKnowledgeUnit{},
		&ClusteringSession{},
		&Cluster{},
		&PromptTemplate{},
		&JobRun{},
	}
}
