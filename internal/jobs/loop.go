package jobs

import (
	"context"
	"time"
)

// StopReason says why a batch loop ended.
type StopReason string

const (
	StopDrained       StopReason = "drained"
	StopCanceled      StopReason = "canceled"
	StopBudget        StopReason = "budget_exhausted"
	StopMaxIterations StopReason = "max_iterations"
	StopError         StopReason = "error"
)

// LoopConfig bounds a batch loop.
type LoopConfig struct {
	// Budget is the wall-clock limit checked before each iteration. Zero means none.
	Budget time.Duration
	// MaxIterations caps the number of steps. Zero means none.
	MaxIterations int
	// BatchSize is the processed count at which a follow-up run is due.
	BatchSize int
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

// LoopResult summarizes a finished loop.
type LoopResult struct {
	Processed  int
	Iterations int
	Reason     StopReason
	BatchSize  int
	Elapsed    time.Duration
}

// ShouldContinue reports whether unfinished work remains: the loop filled its
// batch, ran out of budget or was canceled.
func (r LoopResult) ShouldContinue() bool {
	switch r.Reason {
	case StopBudget, StopCanceled:
		return true
	case StopError, StopDrained:
		return false
	}
	return r.BatchSize > 0 && r.Processed >= r.BatchSize
}

// Step runs one iteration. It returns false when there was nothing to process.
type Step func(ctx context.Context) (bool, error)

// RunLoop calls step until it reports no work or a bound is hit. Cancellation
// and the budget are checked only between iterations; a started step runs to
// completion with a context that ignores cancellation.
func RunLoop(ctx context.Context, cfg LoopConfig, step Step) (LoopResult, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	start := now()
	res := LoopResult{BatchSize: cfg.BatchSize}
	stepCtx := context.WithoutCancel(ctx)

	finish := func(reason StopReason) LoopResult {
		res.Reason = reason
		res.Elapsed = now().Sub(start)
		return res
	}

	for {
		if ctx.Err() != nil {
			return finish(StopCanceled), nil
		}
		if cfg.MaxIterations > 0 && res.Iterations >= cfg.MaxIterations {
			return finish(StopMaxIterations), nil
		}
		if cfg.Budget > 0 && now().Sub(start) >= cfg.Budget {
			return finish(StopBudget), nil
		}

		res.Iterations++
		progressed, err := step(stepCtx)
		if err != nil {
			return finish(StopError), err
		}
		if !progressed {
			return finish(StopDrained), nil
		}
		res.Processed++
	}
}
