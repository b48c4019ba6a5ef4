package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	gormdb "github.com/thebtf/distiller/internal/db/gorm"
	"github.com/thebtf/distiller/internal/metrics"
)

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	StaleRunning      time.Duration
	// JobTypes restricts claiming to these types. Empty means every registered type.
	JobTypes []string
}

// Worker claims runs from the queue and executes them.
type Worker struct {
	cfg      WorkerConfig
	jobs     *gormdb.JobStore
	queue    *Queue
	registry *Registry
	metrics  *metrics.Metrics
}

// NewWorker creates a worker. m may be nil.
func NewWorker(store *gormdb.Store, queue *Queue, registry *Registry, m *metrics.Metrics, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.StaleRunning <= 0 {
		cfg.StaleRunning = 5 * time.Minute
	}
	return &Worker{
		cfg:      cfg,
		jobs:     gormdb.NewJobStore(store),
		queue:    queue,
		registry: registry,
		metrics:  m,
	}
}

// Start runs the pool until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Int("concurrency", w.cfg.Concurrency).
		Strs("jobTypes", w.claimTypes()).
		Msg("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.poll(gctx)
			return nil
		})
	}
	err := g.Wait()
	log.Info().Msg("Worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Job claim failed")
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one run. It reports whether a run was executed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	job, err := w.jobs.ClaimNext(ctx, gormdb.ClaimOptions{
		RetryDelay:   w.cfg.RetryDelay,
		StaleRunning: w.cfg.StaleRunning,
		JobTypes:     w.claimTypes(),
	})
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) claimTypes() []string {
	if len(w.cfg.JobTypes) > 0 {
		return w.cfg.JobTypes
	}
	return w.registry.Types()
}

func (w *Worker) execute(ctx context.Context, job *gormdb.JobRun) {
	start := time.Now()
	// Bookkeeping must land even when shutdown cancels ctx.
	bg := context.WithoutCancel(ctx)
	logger := log.With().
		Str("jobId", job.ID.String()).
		Str("jobType", job.JobType).
		Int("attempt", job.Attempts).
		Logger()

	w.queue.publish(ctx, EventStarted, job, "")
	logger.Info().Msg("Job started")

	handler, ok := w.registry.Get(job.JobType)
	if !ok {
		w.fail(bg, job, Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)), start)
		return
	}

	run := &Run{Job: job, queue: w.queue, jobs: w.jobs}

	hbCtx, stopHeartbeat := context.WithCancel(bg)
	go w.heartbeat(hbCtx, job)
	err := w.invoke(ctx, handler, run)
	stopHeartbeat()

	if err != nil {
		w.fail(bg, job, err, start)
		return
	}
	w.succeed(bg, run, start)
}

func (w *Worker) invoke(ctx context.Context, h Handler, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("jobId", run.ID().String()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Job handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Run(ctx, run)
}

func (w *Worker) heartbeat(ctx context.Context, job *gormdb.JobRun) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, nil, job.ID); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("jobId", job.ID.String()).Msg("Heartbeat failed")
			}
		}
	}
}

func (w *Worker) succeed(ctx context.Context, run *Run, start time.Time) {
	job := run.Job
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      gormdb.JobStatusSucceeded,
		"error":       "",
		"finished_at": now,
	}
	if run.result != nil {
		raw, err := encodePayload(run.result)
		if err != nil {
			log.Warn().Err(err).Str("jobId", job.ID.String()).Msg("Failed to encode job result")
		} else {
			updates["result"] = raw
		}
	}
	if err := w.jobs.UpdateFields(ctx, nil, job.ID, updates); err != nil {
		log.Error().Err(err).Str("jobId", job.ID.String()).Msg("Failed to mark job succeeded")
		return
	}
	job.Status = gormdb.JobStatusSucceeded
	job.FinishedAt = &now

	if err := w.queue.promoteChildren(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("jobId", job.ID.String()).Msg("Failed to release continuations")
	}

	elapsed := time.Since(start)
	w.metrics.RecordJob(ctx, job.JobType, job.Status, elapsed)
	w.queue.publish(ctx, EventSucceeded, job, "")
	log.Info().
		Str("jobId", job.ID.String()).
		Str("jobType", job.JobType).
		Dur("duration", elapsed).
		Msg("Job succeeded")
}

func (w *Worker) fail(ctx context.Context, job *gormdb.JobRun, jobErr error, start time.Time) {
	now := time.Now().UTC()
	dead := IsPermanent(jobErr) || (job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts)

	updates := map[string]any{
		"error":         jobErr.Error(),
		"last_error_at": now,
	}
	if dead {
		updates["status"] = gormdb.JobStatusDead
		updates["finished_at"] = now
	} else {
		updates["status"] = gormdb.JobStatusFailed
	}
	if err := w.jobs.UpdateFields(ctx, nil, job.ID, updates); err != nil {
		log.Error().Err(err).Str("jobId", job.ID.String()).Msg("Failed to record job failure")
		return
	}
	job.Status = updates["status"].(string)
	job.Error = jobErr.Error()

	kind := EventFailed
	if dead {
		kind = EventDead
		if err := w.queue.cancelChildren(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("jobId", job.ID.String()).Msg("Failed to cancel continuations")
		}
	}

	elapsed := time.Since(start)
	w.metrics.RecordJob(ctx, job.JobType, job.Status, elapsed)
	w.queue.publish(ctx, kind, job, job.Error)
	log.Warn().
		Err(jobErr).
		Str("jobId", job.ID.String()).
		Str("jobType", job.JobType).
		Int("attempt", job.Attempts).
		Bool("dead", dead).
		Bool("transient", gormdb.IsTransient(jobErr)).
		Msg("Job failed")
}
