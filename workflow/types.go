package workflow

import (
	"sync"
	"time"

	"github.com/goliatone/go-ossa/runner"
)

// Type selects the execution topology of a workflow.
type Type string

const (
	TypeSequential    Type = "sequential"
	TypePipeline      Type = "pipeline"
	TypeParallel      Type = "parallel"
	TypeDAG           Type = "dag"
	TypeFanout        Type = "fanout"
	TypeScatterGather Type = "scatter_gather"
	TypeConditional   Type = "conditional"
	TypeLoop          Type = "loop"
	TypeEventDriven   Type = "event_driven"
)

// Types lists every supported topology.
var Types = []Type{
	TypeSequential, TypePipeline, TypeParallel, TypeDAG, TypeFanout,
	TypeScatterGather, TypeConditional, TypeLoop, TypeEventDriven,
}

// Condition is a single field predicate. Stage conditions are AND-ed.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Stage invokes one agent capability.
type Stage struct {
	ID              string         `json:"id" yaml:"id"`
	Name            string         `json:"name,omitempty" yaml:"name,omitempty"`
	AgentID         string         `json:"agentId" yaml:"agentId"`
	CapabilityID    string         `json:"capabilityId" yaml:"capabilityId"`
	Timeout         time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry           runner.Policy  `json:"retry" yaml:"retry"`
	Conditions      []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Input           map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
}

// Dependency declares that StageID waits for every stage in DependsOn.
type Dependency struct {
	StageID   string   `json:"stageId" yaml:"stageId"`
	DependsOn []string `json:"dependsOn" yaml:"dependsOn"`
}

// Definition is a registered workflow. It is treated as immutable once registered.
type Definition struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type         Type           `json:"type" yaml:"type"`
	Stages       []Stage        `json:"stages" yaml:"stages"`
	Dependencies []Dependency   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Stage finds a stage by id.
func (d Definition) Stage(id string) (Stage, bool) {
	for _, s := range d.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// DependenciesOf returns the declared dependencies of stageID.
func (d Definition) DependenciesOf(stageID string) []string {
	var out []string
	for _, dep := range d.Dependencies {
		if dep.StageID == stageID {
			out = append(out, dep.DependsOn...)
		}
	}
	return out
}

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageMetrics captures timing and retry information for a stage.
type StageMetrics struct {
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Duration      time.Duration  `json:"duration"`
	RetryCount    int            `json:"retryCount"`
	Attempts      int            `json:"attempts"`
	ResourceUsage map[string]any `json:"resourceUsage,omitempty"`
}

// StageResult is produced once per stage attempt sequence.
type StageResult struct {
	StageID     string       `json:"stageId"`
	Status      StageStatus  `json:"status"`
	Input       any          `json:"input,omitempty"`
	Output      any          `json:"output,omitempty"`
	Err         error        `json:"-"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   string       `json:"errorCode,omitempty"`
	Recoverable bool         `json:"recoverable"`
	Skipped     bool         `json:"skipped,omitempty"`
	Metrics     StageMetrics `json:"metrics"`
}

// Failed reports whether the stage ended in failure.
func (r StageResult) Failed() bool {
	return r.Status == StageFailed
}

// ExecutionStatus is the lifecycle state of one workflow execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusPartial   ExecutionStatus = "partial"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPartial:
		return true
	default:
		return false
	}
}

// Request asks the engine to run a workflow.
type Request struct {
	ExecutionID string         `json:"executionId,omitempty"`
	WorkflowID  string         `json:"workflowId,omitempty"`
	Input       any            `json:"input,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
}

// FanoutSummary reports partial-failure statistics for fanout workflows.
type FanoutSummary struct {
	SuccessCount int               `json:"successCount"`
	FailureCount int               `json:"failureCount"`
	TotalCount   int               `json:"totalCount"`
	SuccessRate  float64           `json:"successRate"`
	Successes    map[string]any    `json:"successes"`
	Failures     map[string]string `json:"failures"`
}

// Result is the structured outcome of an execution.
type Result struct {
	ExecutionID    string                 `json:"executionId"`
	WorkflowID     string                 `json:"workflowId"`
	Type           Type                   `json:"type"`
	Status         ExecutionStatus        `json:"status"`
	Output         any                    `json:"output,omitempty"`
	Stages         map[string]StageResult `json:"stages"`
	ExecutionOrder []string               `json:"executionOrder"`
	Rounds         [][]string             `json:"rounds,omitempty"`
	Iterations     int                    `json:"iterations,omitempty"`
	Fanout         *FanoutSummary         `json:"fanout,omitempty"`
	StepsCompleted int                    `json:"stepsCompleted"`
	StepsTotal     int                    `json:"stepsTotal"`
	StartTime      time.Time              `json:"startTime"`
	EndTime        time.Time              `json:"endTime"`
	Duration       time.Duration          `json:"duration"`
	Err            error                  `json:"-"`
	Error          string                 `json:"error,omitempty"`
	ErrorCode      string                 `json:"errorCode,omitempty"`
}

// Execution is the live record of one invocation.
type Execution struct {
	mu        sync.RWMutex
	id        string
	request   Request
	workflow  Definition
	status    ExecutionStatus
	startTime time.Time
	endTime   time.Time
	control   *runner.Control
}

// ExecutionSnapshot is a read-only copy of an Execution.
type ExecutionSnapshot struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Status     ExecutionStatus `json:"status"`
	StartTime  time.Time       `json:"startTime"`
	EndTime    time.Time       `json:"endTime,omitempty"`
}

var allowedTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPartial},
}

func newExecution(id string, req Request, def Definition) *Execution {
	return &Execution{
		id:       id,
		request:  req,
		workflow: def,
		status:   StatusPending,
		control:  runner.NewControl(),
	}
}

func (e *Execution) ID() string { return e.id }

func (e *Execution) Status() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// transition moves the execution forward. Terminal states never change.
func (e *Execution) transition(to ExecutionStatus, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, allowed := range allowedTransitions[e.status] {
		if allowed != to {
			continue
		}
		e.status = to
		switch {
		case to == StatusRunning:
			e.startTime = at
		case to.Terminal():
			e.endTime = at
		}
		return true
	}
	return false
}

func (e *Execution) Snapshot() ExecutionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ExecutionSnapshot{
		ID:         e.id,
		WorkflowID: e.workflow.ID,
		Status:     e.status,
		StartTime:  e.startTime,
		EndTime:    e.endTime,
	}
}
