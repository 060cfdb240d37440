package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-ossa"
)

// run holds the mutable state of one execution while a topology drives it.
type run struct {
	engine *Engine
	exec   *Execution
	def    Definition
	req    Request
	start  time.Time

	mu         sync.Mutex
	results    map[string]StageResult
	order      []string
	rounds     [][]string
	iterations int
	fanout     *FanoutSummary
	partial    bool
}

func newRun(e *Engine, exec *Execution, def Definition, req Request) *run {
	return &run{
		engine:  e,
		exec:    exec,
		def:     def,
		req:     req,
		start:   e.opts.now(),
		results: make(map[string]StageResult, len(def.Stages)),
	}
}

func (r *run) dispatch(ctx context.Context) (any, error) {
	switch r.def.Type {
	case TypeSequential, TypePipeline:
		return r.sequential(ctx)
	case TypeParallel:
		return r.parallel(ctx)
	case TypeDAG, TypeEventDriven:
		return r.dag(ctx)
	case TypeFanout:
		return r.fanoutAll(ctx)
	case TypeScatterGather:
		return r.scatterGather(ctx)
	case TypeConditional:
		return r.conditional(ctx)
	case TypeLoop:
		return r.loop(ctx)
	default:
		return nil, ossa.NewError(ossa.ErrConfiguration, "unsupported workflow type "+string(r.def.Type), nil, map[string]any{
			"workflow_id": r.def.ID,
		})
	}
}

// runStage resolves the stage input and executes it, recording the result.
func (r *run) runStage(ctx context.Context, stage Stage, input any) StageResult {
	if len(stage.Input) > 0 {
		input = resolveParams(stage.Input, scope{
			input:    r.req.Input,
			context:  r.req.Context,
			previous: input,
			outputs:  r.outputs(),
		})
	}
	res := r.engine.executor.Execute(ctx, stage, input)
	r.record(res)
	return res
}

func (r *run) record(res StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.StageID] = res
	r.order = append(r.order, res.StageID)
}

func (r *run) outputs() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.results))
	for id, res := range r.results {
		if !res.Failed() {
			out[id] = res.Output
		}
	}
	return out
}

func (r *run) markPartial() {
	r.mu.Lock()
	r.partial = true
	r.mu.Unlock()
}

// checkpoint returns EXECUTION_CANCELLED once the execution was cancelled
// or its context is done, and STAGE_TIMEOUT when the request deadline passed.
func (r *run) checkpoint(ctx context.Context) error {
	cause := r.exec.control.Checkpoint(ctx)
	if cause == nil {
		return nil
	}
	if ossa.HasCode(cause, ossa.ErrCodeCancelled) {
		return cause
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return ossa.NewError(ossa.ErrStageTimeout, "execution "+r.exec.id+" exceeded its deadline", cause, map[string]any{
			"execution_id": r.exec.id,
		})
	}
	return ossa.NewError(ossa.ErrCancelled, "execution "+r.exec.id+" cancelled", cause, map[string]any{
		"execution_id": r.exec.id,
	})
}

func (r *run) finish(output any, err error) *Result {
	end := r.engine.opts.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	result := &Result{
		ExecutionID:    r.exec.id,
		WorkflowID:     r.def.ID,
		Type:           r.def.Type,
		Stages:         r.results,
		ExecutionOrder: r.order,
		Rounds:         r.rounds,
		Iterations:     r.iterations,
		Fanout:         r.fanout,
		StepsTotal:     len(r.def.Stages),
		StartTime:      r.start,
		EndTime:        end,
		Duration:       end.Sub(r.start),
	}
	for _, res := range r.results {
		if !res.Failed() {
			result.StepsCompleted++
		}
	}

	var status ExecutionStatus
	switch {
	case r.exec.Status() == StatusCancelled || ossa.HasCode(err, ossa.ErrCodeCancelled):
		status = StatusCancelled
		if err == nil {
			err = ossa.NewError(ossa.ErrCancelled, "execution "+r.exec.id+" cancelled", nil, nil)
		}
	case err != nil:
		status = StatusFailed
	case r.partial:
		status = StatusPartial
		result.Output = output
	default:
		status = StatusCompleted
		result.Output = output
	}
	if r.exec.transition(status, end) || r.exec.Status() == status {
		result.Status = status
	} else {
		result.Status = r.exec.Status()
	}

	if err != nil {
		result.Err = err
		result.Error = err.Error()
		result.ErrorCode = ossa.ErrorCode(err)
	}
	return result
}
