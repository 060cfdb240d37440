package workflow

import (
	"context"
	"sync"

	"github.com/goliatone/go-ossa"
)

// OriginalInputKey carries the request input into every DAG stage input.
const OriginalInputKey = "__original_input__"

// dag runs stages in rounds. Each round holds every stage whose
// dependencies have all completed, in declared order, and runs them
// concurrently. A round with nothing ready while stages remain means the
// graph cannot make progress.
func (r *run) dag(ctx context.Context) (any, error) {
	completed := make(map[string]bool, len(r.def.Stages))
	outputs := make(map[string]any, len(r.def.Stages))

	for len(completed) < len(r.def.Stages) {
		if err := r.checkpoint(ctx); err != nil {
			return nil, err
		}

		var ready []Stage
		for _, s := range r.def.Stages {
			if !completed[s.ID] && dependenciesMet(r.def.DependenciesOf(s.ID), completed) {
				ready = append(ready, s)
			}
		}
		if len(ready) == 0 {
			var pending []string
			for _, s := range r.def.Stages {
				if !completed[s.ID] {
					pending = append(pending, s.ID)
				}
			}
			return nil, ossa.NewError(ossa.ErrDependency,
				"circular or unresolved dependency: no stage is ready", nil,
				map[string]any{"workflow_id": r.def.ID, "pending": pending})
		}

		round := make([]string, len(ready))
		for i, s := range ready {
			round[i] = s.ID
		}
		r.mu.Lock()
		r.rounds = append(r.rounds, round)
		r.mu.Unlock()

		results := make([]StageResult, len(ready))
		var wg sync.WaitGroup
		for i, s := range ready {
			input := dagInput(r.def.DependenciesOf(s.ID), outputs, r.req.Input)
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = r.runStage(ctx, s, input)
			}()
		}
		wg.Wait()

		for i, res := range results {
			if res.Failed() {
				if !ready[i].ContinueOnError {
					return nil, res.Err
				}
				r.markPartial()
			}
			completed[res.StageID] = true
			outputs[res.StageID] = res.Output
		}
	}

	return sinkOutputs(r.def, outputs), nil
}

func dependenciesMet(deps []string, completed map[string]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}

func dagInput(deps []string, outputs map[string]any, original any) map[string]any {
	input := make(map[string]any, len(deps)+1)
	for _, d := range deps {
		input[d] = outputs[d]
	}
	input[OriginalInputKey] = original
	return input
}

// sinkOutputs keys the outputs of stages nothing depends on by stage id.
func sinkOutputs(def Definition, outputs map[string]any) map[string]any {
	depended := make(map[string]bool)
	for _, dep := range def.Dependencies {
		for _, parent := range dep.DependsOn {
			depended[parent] = true
		}
	}
	out := make(map[string]any)
	for _, s := range def.Stages {
		if !depended[s.ID] {
			out[s.ID] = outputs[s.ID]
		}
	}
	return out
}
