package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: pgvector extension (postgres only)
		{
			ID: "001_vector_extension",
			Migrate: func(tx *gorm.DB) error {
				if tx.Dialector.Name() != DriverPostgres {
					return nil
				}
				return tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return nil
			},
		},

		// Migration 002: Reference tables
		{
			ID: "002_reference_tables",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Category{}, &Speaker{}, &Source{}, &Tag{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("tags", "sources", "speakers", "categories")
			},
		},

		// Migration 003: Fragments and knowledge units
		{
			ID: "003_fragments_knowledge_units",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Fragment{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&KnowledgeUnit{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&FragmentKnowledgeUnit{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("fragment_knowledge_units", "knowledge_units", "fragment_tags", "fragments")
			},
		},

		// Migration 004: Precomputed clustering sessions
		{
			ID: "004_clustering_sessions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ClusteringSession{}, &Cluster{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("cluster_fragments", "clusters", "clustering_sessions")
			},
		},

		// Migration 005: Prompt templates
		{
			ID: "005_prompt_templates",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&PromptTemplate{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("prompt_templates")
			},
		},

		// Migration 006: Job runs
		{
			ID: "006_job_runs",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&JobRun{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("job_runs")
			},
		},

		// Migration 007: Partial index for the clustering claim query
		{
			ID: "007_fragments_unprocessed_index",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_fragments_unprocessed
					ON fragments (created_at)
					WHERE clustering_processed_at IS NULL AND embedding IS NOT NULL`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_fragments_unprocessed").Error
			},
		},

		// Migration 008: At most one queued or scheduled run per job type
		{
			ID: "008_job_runs_pending_unique",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_pending_type
					ON job_runs (job_type)
					WHERE status IN ('queued', 'scheduled')`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_job_runs_pending_type").Error
			},
		},
	})

	return m.Migrate()
}
