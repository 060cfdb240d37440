package workflow

import (
	"context"
	"fmt"

	"github.com/goliatone/go-ossa"
)

// sequential runs stages in declared order, feeding each output to the next
// stage. The first failure aborts unless the stage continues on error.
func (r *run) sequential(ctx context.Context) (any, error) {
	return r.chain(ctx, r.req.Input, false)
}

// conditional is sequential with per-stage predicates. A stage whose
// conditions do not hold is skipped and its input passes through.
func (r *run) conditional(ctx context.Context) (any, error) {
	return r.chain(ctx, r.req.Input, true)
}

// loop repeats the stage list while the last output carries continue=true,
// up to the configured iteration ceiling.
func (r *run) loop(ctx context.Context) (any, error) {
	limit := r.engine.opts.loopMaxIterations
	current := r.req.Input
	for iteration := 1; iteration <= limit; iteration++ {
		r.mu.Lock()
		r.iterations = iteration
		r.mu.Unlock()

		out, err := r.chain(ctx, current, true)
		if err != nil {
			return nil, err
		}
		current = out
		if !shouldContinue(out) {
			return out, nil
		}
	}
	return nil, ossa.NewError(ossa.ErrLoopLimitExceeded,
		fmt.Sprintf("loop workflow %s exceeded %d iterations", r.def.ID, limit), nil,
		map[string]any{"workflow_id": r.def.ID, "limit": limit})
}

func (r *run) chain(ctx context.Context, input any, evaluate bool) (any, error) {
	current := input
	for _, stage := range r.def.Stages {
		if err := r.checkpoint(ctx); err != nil {
			return nil, err
		}
		if evaluate && len(stage.Conditions) > 0 && !Matches(stage.Conditions, current) {
			r.skip(stage, current)
			continue
		}
		res := r.runStage(ctx, stage, current)
		if res.Failed() {
			if stage.ContinueOnError {
				r.markPartial()
				continue
			}
			return nil, res.Err
		}
		current = res.Output
	}
	return current, nil
}

func (r *run) skip(stage Stage, input any) {
	now := r.engine.opts.now()
	r.record(StageResult{
		StageID: stage.ID,
		Status:  StageCompleted,
		Input:   input,
		Output:  input,
		Skipped: true,
		Metrics: StageMetrics{StartTime: now, EndTime: now},
	})
	r.engine.opts.logger.Debug("stage %s skipped: conditions not met", stage.ID)
}

func shouldContinue(out any) bool {
	v, ok := lookupPath(out, "continue")
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
