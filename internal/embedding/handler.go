package embedding

import (
	"context"

	"github.com/thebtf/distiller/internal/jobs"
)

// Handler runs one backfill batch per job and reschedules itself while batches come back full.
type Handler struct {
	jobType  string
	target   Target
	backfill *Backfill
}

// NewFragmentHandler creates the embed_fragments handler.
func NewFragmentHandler(b *Backfill) *Handler {
	return &Handler{jobType: jobs.TypeEmbedFragments, target: TargetFragments, backfill: b}
}

// NewKnowledgeUnitHandler creates the embed_knowledge_units handler.
func NewKnowledgeUnitHandler(b *Backfill) *Handler {
	return &Handler{jobType: jobs.TypeEmbedKnowledgeUnits, target: TargetKnowledgeUnits, backfill: b}
}

// Type implements jobs.Handler.
func (h *Handler) Type() string { return h.jobType }

// Run implements jobs.Handler.
func (h *Handler) Run(ctx context.Context, run *jobs.Run) error {
	res, err := h.backfill.RunBatch(ctx, h.target)
	if err != nil {
		return err
	}
	run.SetResult(res)
	if !res.Full {
		return nil
	}
	_, err = run.Reschedule(ctx, h.backfill.cfg.RescheduleDelay)
	return err
}
