package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/agent"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine registers workflow definitions and executes them against an
// agent registry.
type Engine struct {
	registry agent.Registry
	executor *StageExecutor
	opts     options

	mu        sync.RWMutex
	workflows map[string]Definition
	active    map[string]*Execution

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	partial   atomic.Int64
}

// Stats counts executions by outcome.
type Stats struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Partial   int64 `json:"partial"`
	Active    int   `json:"active"`
}

func NewEngine(registry agent.Registry, opts ...Option) *Engine {
	return &Engine{
		registry:  registry,
		executor:  NewStageExecutor(registry, opts...),
		opts:      applyOptions(opts),
		workflows: make(map[string]Definition),
		active:    make(map[string]*Execution),
	}
}

// RegisterWorkflow validates def and checks that every stage's agent and
// capability resolve. Any failure is a CONFIGURATION_ERROR or, for the
// dependency graph, a DEPENDENCY_ERROR.
func (e *Engine) RegisterWorkflow(def Definition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	for _, s := range def.Stages {
		if _, err := agent.Resolve(e.registry, s.AgentID, s.CapabilityID); err != nil {
			return ossa.NewError(ossa.ErrConfiguration,
				fmt.Sprintf("workflow %s stage %s: %s", def.ID, s.ID, ossa.ErrorMessage(err)),
				err,
				map[string]any{"workflow_id": def.ID, "stage_id": s.ID},
			)
		}
	}

	e.mu.Lock()
	e.workflows[def.ID] = def
	e.mu.Unlock()

	e.opts.logger.Info("registered workflow %s (%s, %d stages)", def.ID, def.Type, len(def.Stages))
	return nil
}

func (e *Engine) UnregisterWorkflow(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.workflows[id]
	delete(e.workflows, id)
	return ok
}

func (e *Engine) Workflow(id string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.workflows[id]
	return def, ok
}

// Workflows returns registered definitions sorted by id.
func (e *Engine) Workflows() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, 0, len(e.workflows))
	for _, def := range e.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExecuteWorkflow runs a registered workflow by id.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, req Request) (*Result, error) {
	def, ok := e.Workflow(workflowID)
	if !ok {
		return nil, ossa.NewError(ossa.ErrWorkflowNotFound, "workflow "+workflowID+" not found", nil, map[string]any{
			"workflow_id": workflowID,
		})
	}
	return e.Execute(ctx, req, def)
}

// Execute runs def. The returned error is non-nil only for configuration,
// dependency and loop ceiling failures; the Result is still populated in
// that case. Stage failures are reported through Result.Status and
// Result.Err.
func (e *Engine) Execute(ctx context.Context, req Request, def Definition) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	id := req.ExecutionID
	if id == "" {
		id = ossa.NewID()
	}
	req.ExecutionID = id
	req.WorkflowID = def.ID

	exec := newExecution(id, req, def)
	e.track(exec)
	defer e.untrack(id)

	ctx, span := e.opts.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("ossa.workflow.id", def.ID),
		attribute.String("ossa.workflow.type", string(def.Type)),
		attribute.String("ossa.execution.id", id),
	))
	defer span.End()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	logger := ossa.WithFields(e.opts.logger, map[string]any{
		"execution_id": id,
		"workflow_id":  def.ID,
	})

	r := newRun(e, exec, def, req)
	exec.transition(StatusRunning, r.start)
	e.started.Add(1)
	logger.Debug("executing workflow %s as %s", def.ID, def.Type)

	output, err := r.dispatch(ctx)
	result := r.finish(output, err)

	e.count(result.Status)
	e.opts.metrics.RecordDuration("execution", string(def.Type), result.Duration)
	if result.Status == StatusCompleted {
		e.opts.metrics.RecordSuccess("execution", string(def.Type))
	} else {
		e.opts.metrics.RecordError("execution", string(def.Type))
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		span.SetStatus(codes.Error, string(result.Status))
	}
	span.SetAttributes(attribute.String("ossa.execution.status", string(result.Status)))

	if isFatal(err) {
		logger.Error("workflow %s aborted: %v", def.ID, err)
		return result, err
	}
	logger.Info("workflow %s finished with status %s in %s", def.ID, result.Status, result.Duration)
	return result, nil
}

// CancelExecution marks an active execution cancelled and removes it from
// the active set. Stage calls already in flight run to completion; no new
// stage starts after the next checkpoint.
func (e *Engine) CancelExecution(id string) error {
	e.mu.Lock()
	exec, ok := e.active[id]
	if ok {
		delete(e.active, id)
	}
	e.mu.Unlock()

	if !ok {
		return ossa.NewError(ossa.ErrExecutionNotFound, "execution "+id+" not found", nil, map[string]any{
			"execution_id": id,
		})
	}

	exec.control.Cancel(ossa.NewError(ossa.ErrCancelled, "execution "+id+" cancelled", nil, map[string]any{
		"execution_id": id,
	}))
	exec.transition(StatusCancelled, e.opts.now())
	e.opts.logger.Info("cancelled execution %s", id)
	return nil
}

// Execution returns a snapshot of an active execution.
func (e *Engine) Execution(id string) (ExecutionSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.active[id]
	if !ok {
		return ExecutionSnapshot{}, false
	}
	return exec.Snapshot(), true
}

// ActiveExecutions lists running executions sorted by id.
func (e *Engine) ActiveExecutions() []ExecutionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ExecutionSnapshot, 0, len(e.active))
	for _, exec := range e.active {
		out = append(out, exec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	active := len(e.active)
	e.mu.RUnlock()
	return Stats{
		Started:   e.started.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		Partial:   e.partial.Load(),
		Active:    active,
	}
}

func (e *Engine) track(exec *Execution) {
	e.mu.Lock()
	e.active[exec.id] = exec
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Engine) count(status ExecutionStatus) {
	switch status {
	case StatusCompleted:
		e.completed.Add(1)
	case StatusFailed:
		e.failed.Add(1)
	case StatusCancelled:
		e.cancelled.Add(1)
	case StatusPartial:
		e.partial.Add(1)
	}
}

func isFatal(err error) bool {
	switch ossa.ErrorCode(err) {
	case ossa.ErrCodeConfiguration, ossa.ErrCodeDependency, ossa.ErrCodeLoopLimitExceeded:
		return true
	default:
		return false
	}
}
