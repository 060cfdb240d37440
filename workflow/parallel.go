package workflow

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/goliatone/go-ossa"
	"golang.org/x/sync/errgroup"
)

// parallel runs every stage with the same input. Any failure fails the
// execution and cancels the stages still running.
func (r *run) parallel(ctx context.Context) (any, error) {
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	outputs := make(map[string]any, len(r.def.Stages))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range r.def.Stages {
		g.Go(func() error {
			res := r.runStage(gctx, stage, r.req.Input)
			if res.Failed() {
				return res.Err
			}
			mu.Lock()
			outputs[stage.ID] = res.Output
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// fanoutAll broadcasts the input to every stage and tolerates partial
// failure. Only an all-failed fanout fails the execution.
func (r *run) fanoutAll(ctx context.Context) (any, error) {
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	results := make([]StageResult, len(r.def.Stages))

	var wg sync.WaitGroup
	for i, stage := range r.def.Stages {
		wg.Add(1)
		go func(index int, s Stage) {
			defer wg.Done()
			results[index] = r.runStage(ctx, s, r.req.Input)
		}(i, stage)
	}
	wg.Wait()

	summary := &FanoutSummary{
		TotalCount: len(results),
		Successes:  make(map[string]any),
		Failures:   make(map[string]string),
	}
	for _, res := range results {
		if res.Failed() {
			summary.FailureCount++
			summary.Failures[res.StageID] = res.Error
			continue
		}
		summary.SuccessCount++
		summary.Successes[res.StageID] = res.Output
	}
	if summary.TotalCount > 0 {
		summary.SuccessRate = float64(summary.SuccessCount) / float64(summary.TotalCount)
	}

	r.mu.Lock()
	r.fanout = summary
	r.mu.Unlock()

	if summary.SuccessCount == 0 {
		return nil, ossa.NewError(ossa.ErrStageExecution,
			fmt.Sprintf("fanout: all %d stages failed", summary.TotalCount), results[0].Err,
			map[string]any{"workflow_id": r.def.ID, "failures": summary.Failures})
	}
	return map[string]any{
		"successes":   summary.Successes,
		"failures":    summary.Failures,
		"successRate": summary.SuccessRate,
	}, nil
}

// scatterGather splits array input into one contiguous chunk per stage,
// runs the stages concurrently and flattens their outputs in stage order.
// Non-array input is given whole to every stage.
func (r *run) scatterGather(ctx context.Context) (any, error) {
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	chunks := partition(r.req.Input, len(r.def.Stages))
	outputs := make([]any, len(r.def.Stages))

	g, gctx := errgroup.WithContext(ctx)
	for i, stage := range r.def.Stages {
		g.Go(func() error {
			res := r.runStage(gctx, stage, chunks[i])
			if res.Failed() {
				return res.Err
			}
			outputs[i] = res.Output
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return flatten(outputs), nil
}

// partition returns n inputs. Slices are cut into contiguous chunks of
// ceil(len/n); anything else is replicated.
func partition(input any, n int) []any {
	out := make([]any, n)
	items, ok := asSlice(input)
	if !ok {
		for i := range out {
			out[i] = input
		}
		return out
	}

	size := (len(items) + n - 1) / n
	for i := range out {
		lo := min(i*size, len(items))
		hi := min(lo+size, len(items))
		out[i] = append([]any{}, items[lo:hi]...)
	}
	return out
}

func flatten(outputs []any) []any {
	var out []any
	for _, o := range outputs {
		if items, ok := asSlice(o); ok {
			out = append(out, items...)
			continue
		}
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
