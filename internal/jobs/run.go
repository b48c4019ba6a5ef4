package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/gorm"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
)

// Run is the runtime handle a handler receives for the job it executes.
type Run struct {
	Job    *gormdb.JobRun
	queue  *Queue
	jobs   *gormdb.JobStore
	result any
}

// ID returns the run id.
func (r *Run) ID() uuid.UUID { return r.Job.ID }

// Type returns the job type.
func (r *Run) Type() string { return r.Job.JobType }

// Attempt returns the 1-based attempt number.
func (r *Run) Attempt() int { return r.Job.Attempts }

// DecodePayload unmarshals the run payload into v. An empty payload leaves v untouched.
func (r *Run) DecodePayload(v any) error {
	if len(r.Job.Payload) == 0 || string(r.Job.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", r.Job.JobType, err))
	}
	return nil
}

// SetStage records a progress marker and refreshes the heartbeat.
func (r *Run) SetStage(ctx context.Context, stage string) error {
	now := time.Now().UTC()
	err := r.jobs.UpdateFields(context.WithoutCancel(ctx), nil, r.Job.ID, map[string]any{
		"stage":        stage,
		"heartbeat_at": now,
	})
	if err != nil {
		return err
	}
	r.Job.Stage = stage
	r.queue.events.Publish(ctx, Event{
		Kind:    EventStage,
		JobID:   r.Job.ID,
		JobType: r.Job.JobType,
		Status:  r.Job.Status,
		Stage:   stage,
		At:      now,
	})
	return nil
}

// SetResult stores v as the run result when the run succeeds.
func (r *Run) SetResult(v any) { r.result = v }

// ContinueWith queues inv to run after this run succeeds.
func (r *Run) ContinueWith(ctx context.Context, tx *gorm.DB, inv Invocation) (*gormdb.JobRun, error) {
	return r.queue.ContinueWith(ctx, tx, r.Job.ID, inv)
}

// Reschedule queues another run of this job type with the same payload after
// delay. It survives cancellation of ctx so a shutting-down worker still leaves
// the follow-up behind.
func (r *Run) Reschedule(ctx context.Context, delay time.Duration) (*gormdb.JobRun, error) {
	inv := Invocation{Type: r.Job.JobType}
	if len(r.Job.Payload) > 0 {
		inv.Payload = r.Job.Payload
	}
	return r.queue.schedule(context.WithoutCancel(ctx), nil, inv, delay, r.Job.ID)
}

// ContinueLoop reschedules this job when res says more work remains.
func (r *Run) ContinueLoop(ctx context.Context, res LoopResult, delay time.Duration) (bool, error) {
	if !res.ShouldContinue() {
		return false, nil
	}
	if _, err := r.Reschedule(ctx, delay); err != nil {
		return false, err
	}
	return true, nil
}
