package synthesis

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/distiller/internal/jobs"
	"github.com/thebtf/distiller/internal/metrics"
)

// HandlerConfig bounds one clustering job run.
type HandlerConfig struct {
	Budget          time.Duration
	BatchSize       int
	RescheduleDelay time.Duration
}

// TraversalPayload is the traverse_clusters payload.
type TraversalPayload struct {
	SessionID int64 `json:"session_id,omitempty"`
}

// RunSummary is stored as the result of a clustering run.
type RunSummary struct {
	SessionID   int64           `json:"session_id,omitempty"`
	Iterations  int             `json:"iterations"`
	Processed   int             `json:"processed"`
	Created     int             `json:"knowledge_units_created"`
	Rejected    int             `json:"proposals_rejected"`
	StopReason  jobs.StopReason `json:"stop_reason"`
	Rescheduled bool            `json:"rescheduled"`
}

// IncrementalHandler runs the incremental engine as a job.
type IncrementalHandler struct {
	jobType string
	engine  *Incremental
	cfg     HandlerConfig
	metrics *metrics.Metrics
}

// NewIncrementalHandler creates the handler for jobType, which is
// cluster_fragments or cluster_recent_fragments.
func NewIncrementalHandler(jobType string, engine *Incremental, cfg HandlerConfig, m *metrics.Metrics) *IncrementalHandler {
	return &IncrementalHandler{jobType: jobType, engine: engine, cfg: cfg, metrics: m}
}

// Type implements jobs.Handler.
func (h *IncrementalHandler) Type() string { return h.jobType }

// Run implements jobs.Handler.
func (h *IncrementalHandler) Run(ctx context.Context, run *jobs.Run) error {
	summary := &RunSummary{}
	res, err := jobs.RunLoop(ctx, loopConfig(h.cfg), func(stepCtx context.Context) (bool, error) {
		it, err := h.engine.Step(stepCtx, embedContinuation(run))
		if err != nil {
			return false, err
		}
		if it.Claimed {
			h.metrics.RecordIteration(stepCtx, h.jobType)
			summary.add(it.Outcome)
		}
		return it.Claimed, nil
	})
	return finish(ctx, run, summary, res, err, h.cfg.RescheduleDelay)
}

// TraversalHandler runs the precomputed cluster traversal as a job.
type TraversalHandler struct {
	traversal *Traversal
	cfg       HandlerConfig
	metrics   *metrics.Metrics
}

// NewTraversalHandler creates the traverse_clusters handler.
func NewTraversalHandler(traversal *Traversal, cfg HandlerConfig, m *metrics.Metrics) *TraversalHandler {
	return &TraversalHandler{traversal: traversal, cfg: cfg, metrics: m}
}

// Type implements jobs.Handler.
func (h *TraversalHandler) Type() string { return jobs.TypeTraverseClusters }

// Run implements jobs.Handler.
func (h *TraversalHandler) Run(ctx context.Context, run *jobs.Run) error {
	var p TraversalPayload
	if err := run.DecodePayload(&p); err != nil {
		return err
	}

	session, err := h.traversal.ResolveSession(ctx, p.SessionID)
	if errors.Is(err, ErrNoClusteringSession) {
		log.Warn().Str("jobId", run.ID().String()).Msg("No completed clustering session to traverse")
		run.SetResult(&RunSummary{StopReason: jobs.StopDrained})
		return nil
	}
	if err != nil {
		return err
	}

	summary := &RunSummary{SessionID: session.ID}
	res, err := jobs.RunLoop(ctx, loopConfig(h.cfg), func(stepCtx context.Context) (bool, error) {
		it, err := h.traversal.Step(stepCtx, session.ID, embedContinuation(run))
		if err != nil {
			return false, err
		}
		if it.Claimed {
			h.metrics.RecordIteration(stepCtx, jobs.TypeTraverseClusters)
			summary.add(it.Outcome)
		}
		return it.Claimed, nil
	})
	return finish(ctx, run, summary, res, err, h.cfg.RescheduleDelay)
}

func loopConfig(cfg HandlerConfig) jobs.LoopConfig {
	return jobs.LoopConfig{
		Budget:        cfg.Budget,
		MaxIterations: cfg.BatchSize,
		BatchSize:     cfg.BatchSize,
	}
}

// embedContinuation chains knowledge unit embedding after the iteration commits.
func embedContinuation(run *jobs.Run) func(ctx context.Context, created []int64) {
	return func(ctx context.Context, created []int64) {
		if _, err := run.ContinueWith(ctx, nil, jobs.Invocation{Type: jobs.TypeEmbedKnowledgeUnits}); err != nil {
			log.Error().
				Err(err).
				Str("jobId", run.ID().String()).
				Ints64("knowledgeUnitIds", created).
				Msg("Failed to chain knowledge unit embedding")
		}
	}
}

func finish(ctx context.Context, run *jobs.Run, summary *RunSummary, res jobs.LoopResult, loopErr error, delay time.Duration) error {
	summary.Iterations = res.Iterations
	summary.StopReason = res.Reason
	if loopErr != nil {
		if errors.Is(loopErr, ErrPromptTemplateMissing) {
			return jobs.Permanent(loopErr)
		}
		return loopErr
	}

	rescheduled, err := run.ContinueLoop(ctx, res, delay)
	if err != nil {
		return err
	}
	summary.Rescheduled = rescheduled
	run.SetResult(summary)

	log.Info().
		Str("jobId", run.ID().String()).
		Str("jobType", run.Type()).
		Int("processed", summary.Processed).
		Int("created", summary.Created).
		Str("stopReason", string(res.Reason)).
		Bool("rescheduled", rescheduled).
		Msg("Clustering run finished")
	return nil
}

func (s *RunSummary) add(o *Outcome) {
	if o == nil {
		return
	}
	s.Processed++
	s.Created += len(o.Created)
	s.Rejected += o.Rejected
}
