package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
)

// Queue creates job runs. Every method takes an optional tx; nil means the
// store's own connection.
type Queue struct {
	jobs        *gormdb.JobStore
	events      EventSink
	maxAttempts int
}

// NewQueue creates a queue over store. maxAttempts <= 0 keeps the column default.
func NewQueue(store *gormdb.Store, maxAttempts int, events EventSink) *Queue {
	return &Queue{
		jobs:        gormdb.NewJobStore(store),
		events:      sinkOrNop(events),
		maxAttempts: maxAttempts,
	}
}

// Enqueue makes inv runnable now. When a run of the same type is already
// pending that run is returned instead of creating a new one.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, inv Invocation) (*gormdb.JobRun, error) {
	return q.Schedule(ctx, tx, inv, 0)
}

// Schedule makes inv runnable after delay, deduplicated like Enqueue.
func (q *Queue) Schedule(ctx context.Context, tx *gorm.DB, inv Invocation, delay time.Duration) (*gormdb.JobRun, error) {
	return q.schedule(ctx, tx, inv, delay, uuid.Nil)
}

func (q *Queue) schedule(ctx context.Context, tx *gorm.DB, inv Invocation, delay time.Duration, exclude uuid.UUID) (*gormdb.JobRun, error) {
	existing, err := q.jobs.FindPending(ctx, tx, inv.Type, exclude)
	if err != nil {
		return nil, fmt.Errorf("find pending %s: %w", inv.Type, err)
	}
	if existing != nil {
		log.Debug().
			Str("jobType", inv.Type).
			Str("jobId", existing.ID.String()).
			Msg("Job already pending, skipping enqueue")
		return existing, nil
	}

	job, err := q.newRun(inv)
	if err != nil {
		return nil, err
	}
	job.RunAt = time.Now().UTC().Add(delay)
	if delay > 0 {
		job.Status = gormdb.JobStatusScheduled
	} else {
		job.Status = gormdb.JobStatusQueued
	}

	if err := q.jobs.Create(ctx, tx, job); err != nil {
		// Lost a race against a concurrent enqueue of the same type.
		if again, findErr := q.jobs.FindPending(ctx, tx, inv.Type, exclude); findErr == nil && again != nil {
			return again, nil
		}
		return nil, fmt.Errorf("create %s run: %w", inv.Type, err)
	}

	q.publish(ctx, EventEnqueued, job, "")
	return job, nil
}

// ContinueWith creates a run of inv that becomes runnable only after parentID
// succeeds. If the parent already succeeded inv is enqueued directly; if the
// parent can no longer succeed the continuation is recorded as canceled.
func (q *Queue) ContinueWith(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, inv Invocation) (*gormdb.JobRun, error) {
	parent, err := q.jobs.Get(ctx, tx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load parent %s: %w", parentID, err)
	}
	if parent == nil {
		return nil, fmt.Errorf("parent job %s not found", parentID)
	}

	switch parent.Status {
	case gormdb.JobStatusSucceeded:
		return q.Enqueue(ctx, tx, inv)
	case gormdb.JobStatusDead, gormdb.JobStatusCanceled:
		job, err := q.newRun(inv)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		job.ParentID = &parentID
		job.Status = gormdb.JobStatusCanceled
		job.Error = "parent did not succeed"
		job.FinishedAt = &now
		if err := q.jobs.Create(ctx, tx, job); err != nil {
			return nil, fmt.Errorf("create %s continuation: %w", inv.Type, err)
		}
		return job, nil
	}

	job, err := q.newRun(inv)
	if err != nil {
		return nil, err
	}
	job.ParentID = &parentID
	job.Status = gormdb.JobStatusAwaitingParent
	if err := q.jobs.Create(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("create %s continuation: %w", inv.Type, err)
	}
	return job, nil
}

// promoteChildren releases the continuations of a succeeded parent. A child
// whose type already has a pending run is coalesced into it.
func (q *Queue) promoteChildren(ctx context.Context, parentID uuid.UUID) error {
	children, err := q.jobs.Children(ctx, nil, parentID)
	if err != nil {
		return err
	}
	for i := range children {
		child := &children[i]
		now := time.Now().UTC()

		pending, err := q.jobs.FindPending(ctx, nil, child.JobType, child.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			err = q.jobs.UpdateFields(ctx, nil, child.ID, map[string]any{
				"status":      gormdb.JobStatusCanceled,
				"error":       "coalesced into " + pending.ID.String(),
				"finished_at": now,
			})
			if err != nil {
				return err
			}
			child.Status = gormdb.JobStatusCanceled
			q.publish(ctx, EventCanceled, child, "coalesced")
			continue
		}

		err = q.jobs.UpdateFields(ctx, nil, child.ID, map[string]any{
			"status": gormdb.JobStatusQueued,
			"run_at": now,
		})
		if err != nil {
			return err
		}
		child.Status = gormdb.JobStatusQueued
		q.publish(ctx, EventEnqueued, child, "")
	}
	return nil
}

// cancelChildren cancels the continuations of a parent that will never succeed.
func (q *Queue) cancelChildren(ctx context.Context, parentID uuid.UUID) error {
	n, err := q.jobs.CancelChildren(ctx, nil, parentID, "parent did not succeed")
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().
			Str("parentId", parentID.String()).
			Int64("count", n).
			Msg("Canceled continuations of failed job")
	}
	return nil
}

func (q *Queue) newRun(inv Invocation) (*gormdb.JobRun, error) {
	if inv.Type == "" {
		return nil, fmt.Errorf("job type is required")
	}
	job := &gormdb.JobRun{
		ID:          uuid.New(),
		JobType:     inv.Type,
		MaxAttempts: q.maxAttempts,
	}
	if inv.Payload != nil {
		raw, err := encodePayload(inv.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", inv.Type, err)
		}
		job.Payload = raw
	}
	return job, nil
}

func encodePayload(v any) (datatypes.JSON, error) {
	switch p := v.(type) {
	case datatypes.JSON:
		return p, nil
	case json.RawMessage:
		return datatypes.JSON(p), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func (q *Queue) publish(ctx context.Context, kind string, job *gormdb.JobRun, msg string) {
	q.events.Publish(ctx, Event{
		Kind:    kind,
		JobID:   job.ID,
		JobType: job.JobType,
		Status:  job.Status,
		Error:   msg,
		At:      time.Now().UTC(),
	})
}
