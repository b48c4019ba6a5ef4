package jobs

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
)

// Scheduler enqueues job types on fixed intervals. Enqueue deduplication keeps
// a slow run from piling up copies of itself.
type Scheduler struct {
	scheduler *gocron.Scheduler
	queue     *Queue
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler that enqueues through q.
func NewScheduler(q *Queue) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	return &Scheduler{scheduler: s, queue: q, ctx: ctx, cancel: cancel}
}

// Every enqueues jobType every interval. A non-positive interval is ignored.
func (s *Scheduler) Every(jobType string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	_, err := s.scheduler.Every(interval).Tag(jobType).Do(func() {
		if _, err := s.queue.Enqueue(s.ctx, nil, Invocation{Type: jobType}); err != nil {
			log.Error().Err(err).Str("jobType", jobType).Msg("Scheduled enqueue failed")
		}
	})
	return err
}

// Tags returns the scheduled job types.
func (s *Scheduler) Tags() []string {
	var out []string
	for _, j := range s.scheduler.Jobs() {
		out = append(out, j.Tags()...)
	}
	return out
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops scheduling and aborts in-flight enqueues.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
	s.cancel()
}
