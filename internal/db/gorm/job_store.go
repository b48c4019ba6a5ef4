package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PendingJobStatuses are the states that count as "already queued" for deduplication.
var PendingJobStatuses = []string{JobStatusQueued, JobStatusScheduled, JobStatusFailed}

// JobStore provides job run persistence.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a new job store.
func NewJobStore(store *Store) *JobStore {
	return &JobStore{db: store.DB}
}

// Create inserts a job run.
func (s *JobStore) Create(ctx context.Context, tx *gorm.DB, job *JobRun) error {
	return pick(s.db, tx).WithContext(ctx).Create(job).Error
}

// Get loads one job run, or nil when it does not exist.
func (s *JobStore) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*JobRun, error) {
	var out []JobRun
	if err := pick(s.db, tx).WithContext(ctx).Where("id = ?", id).Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// List returns the most recent job runs, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, tx *gorm.DB, status string, limit int) ([]JobRun, error) {
	q := pick(s.db, tx).WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []JobRun
	err := q.Find(&out).Error
	return out, err
}

// FindPending returns a queued, scheduled or retrying run of jobType, or nil.
// exclude skips one id, typically the caller's own run.
func (s *JobStore) FindPending(ctx context.Context, tx *gorm.DB, jobType string, exclude uuid.UUID) (*JobRun, error) {
	q := pick(s.db, tx).WithContext(ctx).
		Where("job_type = ? AND status IN ?", jobType, PendingJobStatuses)
	if exclude != uuid.Nil {
		q = q.Where("id <> ?", exclude)
	}
	var out []JobRun
	if err := q.Order("run_at ASC").Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// ClaimOptions controls which runs ClaimNext considers.
type ClaimOptions struct {
	RetryDelay   time.Duration
	StaleRunning time.Duration
	JobTypes     []string // empty means all types
}

// ClaimNext atomically picks the next runnable job and marks it running.
// A run is runnable when it is queued or scheduled and due, failed with attempts
// left and past the retry delay, or running with a stale heartbeat. Job types
// that already have a live running run are skipped. It returns nil when nothing
// is runnable.
func (s *JobStore) ClaimNext(ctx context.Context, opts ClaimOptions) (*JobRun, error) {
	now := time.Now().UTC()
	retryCutoff := now.Add(-opts.RetryDelay)
	staleCutoff := now.Add(-opts.StaleRunning)

	var claimed *JobRun
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		live := txx.Model(&JobRun{}).
			Select("job_type").
			Where("status = ? AND heartbeat_at >= ?", JobStatusRunning, staleCutoff)

		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`(
				(status IN ? AND run_at <= ?)
				OR (
					status = ?
					AND attempts < max_attempts
					AND (last_error_at IS NULL OR last_error_at < ?)
				)
				OR (
					status = ?
					AND heartbeat_at IS NOT NULL
					AND heartbeat_at < ?
				)
			)`,
				[]string{JobStatusQueued, JobStatusScheduled}, now,
				JobStatusFailed, retryCutoff,
				JobStatusRunning, staleCutoff,
			).
			Where("job_type NOT IN (?)", live)
		if len(opts.JobTypes) > 0 {
			q = q.Where("job_type IN ?", opts.JobTypes)
		}

		var job JobRun
		qErr := q.Order("run_at ASC, created_at ASC").First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&JobRun{}).
			Where("id = ?", job.ID).
			Updates(map[string]any{
				"status":       JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = JobStatusRunning
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateFields applies updates to one run and bumps updated_at.
func (s *JobStore) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]any) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]any{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return pick(s.db, tx).WithContext(ctx).
		Model(&JobRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// Heartbeat refreshes the heartbeat of a running run.
func (s *JobStore) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	now := time.Now().UTC()
	return pick(s.db, tx).WithContext(ctx).
		Model(&JobRun{}).
		Where("id = ? AND status = ?", id, JobStatusRunning).
		Updates(map[string]any{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

// Children returns runs waiting on parentID.
func (s *JobStore) Children(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) ([]JobRun, error) {
	var out []JobRun
	err := pick(s.db, tx).WithContext(ctx).
		Where("parent_id = ? AND status = ?", parentID, JobStatusAwaitingParent).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// CancelChildren cancels every run still waiting on parentID.
func (s *JobStore) CancelChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, reason string) (int64, error) {
	now := time.Now().UTC()
	res := pick(s.db, tx).WithContext(ctx).
		Model(&JobRun{}).
		Where("parent_id = ? AND status = ?", parentID, JobStatusAwaitingParent).
		Updates(map[string]any{
			"status":      JobStatusCanceled,
			"error":       reason,
			"finished_at": now,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// CountByStatus returns run counts grouped by status.
func (s *JobStore) CountByStatus(ctx context.Context, tx *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := pick(s.db, tx).WithContext(ctx).
		Model(&JobRun{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
