// Package jobs provides the durable job queue, the worker pool that executes it
// and the bounded batch loop long-running handlers are built on.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Job types known to distiller.
const (
	TypeClusterFragments       = "cluster_fragments"
	TypeClusterRecentFragments = "cluster_recent_fragments"
	TypeTraverseClusters       = "traverse_clusters"
	TypeEmbedFragments         = "embed_fragments"
	TypeEmbedKnowledgeUnits    = "embed_knowledge_units"
)

// AllTypes lists every job type in a stable order.
var AllTypes = []string{
	TypeClusterFragments,
	TypeClusterRecentFragments,
	TypeTraverseClusters,
	TypeEmbedFragments,
	TypeEmbedKnowledgeUnits,
}

// Invocation names a job type and the payload to run it with.
type Invocation struct {
	Type    string
	Payload any
}

// ErrUnknownJobType is returned when no handler is registered for a type.
var ErrUnknownJobType = errors.New("unknown job type")

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker marks the run dead instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Event kinds published to an EventSink.
const (
	EventEnqueued  = "job.enqueued"
	EventStarted   = "job.started"
	EventSucceeded = "job.succeeded"
	EventFailed    = "job.failed"
	EventDead      = "job.dead"
	EventCanceled  = "job.canceled"
	EventStage     = "job.stage"
)

// Event describes a job lifecycle transition.
type Event struct {
	Kind    string    `json:"kind"`
	JobID   uuid.UUID `json:"job_id"`
	JobType string    `json:"job_type"`
	Status  string    `json:"status"`
	Stage   string    `json:"stage,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// EventSink receives job lifecycle events. Publish must not block.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}

func sinkOrNop(s EventSink) EventSink {
	if s == nil {
		return nopSink{}
	}
	return s
}
