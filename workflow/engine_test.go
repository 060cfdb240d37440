package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/agent"
	"github.com/goliatone/go-ossa/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, id)
}

func (l *callLog) count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == id {
			n++
		}
	}
	return n
}

func newTestRegistry(log *callLog) *agent.MemoryRegistry {
	track := func(name string, fn agent.Handler) agent.Handler {
		return func(ctx context.Context, input any) (any, error) {
			log.add(name)
			return fn(ctx, input)
		}
	}
	return agent.MustNewMemoryRegistry(&agent.Agent{
		ID:   "worker",
		Name: "Worker",
		Capabilities: []agent.Capability{
			{ID: "echo", Handler: track("echo", func(_ context.Context, in any) (any, error) { return in, nil })},
			{ID: "fail", Handler: track("fail", func(context.Context, any) (any, error) { return nil, errors.New("always fails") })},
			{ID: "reject", Handler: track("reject", func(context.Context, any) (any, error) {
				return nil, ossa.NewError(ossa.ErrValidation, "input rejected", nil, nil)
			})},
			{ID: "double", Handler: track("double", func(_ context.Context, in any) (any, error) {
				items, _ := in.([]any)
				out := make([]any, len(items))
				for i, v := range items {
					out[i] = v.(int) * 2
				}
				return out, nil
			})},
			{ID: "slow", Handler: track("slow", func(ctx context.Context, in any) (any, error) {
				select {
				case <-time.After(time.Second):
					return in, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			})},
		},
	})
}

func stage(id, capability string) Stage {
	return Stage{ID: id, AgentID: "worker", CapabilityID: capability}
}

func newTestEngine(log *callLog, opts ...Option) *Engine {
	opts = append([]Option{
		WithLogger(ossa.NewFmtLogger(&discard{})),
		WithStageSleep(func(context.Context, time.Duration) error { return nil }),
	}, opts...)
	return NewEngine(newTestRegistry(log), opts...)
}

func TestSequentialFailFastStopsLaterStages(t *testing.T) {
	log := &callLog{}
	engine := newTestEngine(log)

	b := stage("B", "fail")
	b.Retry = runner.Policy{MaxAttempts: 2, Backoff: runner.BackoffFixed, BaseDelay: time.Millisecond}
	def := Definition{
		ID: "seq", Name: "Sequential", Type: TypeSequential,
		Stages: []Stage{stage("A", "echo"), b, stage("C", "echo")},
	}

	result, err := engine.Execute(context.Background(), Request{Input: "payload"}, def)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ossa.ErrCodeStageExecution, result.ErrorCode)
	assert.Equal(t, 2, result.Stages["B"].Metrics.RetryCount)
	assert.Equal(t, 3, log.count("fail"))
	assert.True(t, result.Stages["B"].Recoverable)
	_, ranC := result.Stages["C"]
	assert.False(t, ranC)
	assert.Equal(t, []string{"A", "B"}, result.ExecutionOrder)
	assert.Equal(t, 1, result.StepsCompleted)
	assert.Equal(t, 3, result.StepsTotal)
}

func TestSequentialPipesOutputs(t *testing.T) {
	engine := NewEngine(agent.MustNewMemoryRegistry(&agent.Agent{
		ID: "math",
		Capabilities: []agent.Capability{
			{ID: "inc", Handler: func(_ context.Context, in any) (any, error) { return in.(int) + 1, nil }},
		},
	}), WithLogger(ossa.NewFmtLogger(&discard{})))

	def := Definition{
		ID: "pipe", Name: "Pipeline", Type: TypePipeline,
		Stages: []Stage{
			{ID: "one", AgentID: "math", CapabilityID: "inc"},
			{ID: "two", AgentID: "math", CapabilityID: "inc"},
			{ID: "three", AgentID: "math", CapabilityID: "inc"},
		},
	}
	result, err := engine.Execute(context.Background(), Request{Input: 1}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 4, result.Output)
}

func TestContinueOnErrorEndsPartial(t *testing.T) {
	engine := newTestEngine(&callLog{})
	b := stage("B", "fail")
	b.ContinueOnError = true
	def := Definition{
		ID: "seq", Name: "Sequential", Type: TypeSequential,
		Stages: []Stage{stage("A", "echo"), b, stage("C", "echo")},
	}

	result, err := engine.Execute(context.Background(), Request{Input: "x"}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, "x", result.Output)
	assert.Equal(t, []string{"A", "B", "C"}, result.ExecutionOrder)
}

func TestParallelAnyFailureFails(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "par", Name: "Parallel", Type: TypeParallel,
		Stages: []Stage{stage("ok", "echo"), stage("bad", "fail")},
	}

	result, err := engine.Execute(context.Background(), Request{Input: 1}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Nil(t, result.Output)
	assert.NotNil(t, result.Err)
}

func TestParallelCombinesOutputsByStage(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "par", Name: "Parallel", Type: TypeParallel,
		Stages: []Stage{stage("a", "echo"), stage("b", "echo")},
	}

	result, err := engine.Execute(context.Background(), Request{Input: "in"}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, map[string]any{"a": "in", "b": "in"}, result.Output)
}

func TestFanoutSuccessRate(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "fan", Name: "Fanout", Type: TypeFanout,
		Stages: []Stage{stage("a", "echo"), stage("b", "echo"), stage("c", "fail")},
	}

	result, err := engine.Execute(context.Background(), Request{Input: 1}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	require.NotNil(t, result.Fanout)
	assert.Equal(t, 2, result.Fanout.SuccessCount)
	assert.Equal(t, 3, result.Fanout.TotalCount)
	assert.InDelta(t, 2.0/3.0, result.Fanout.SuccessRate, 1e-9)
	assert.Contains(t, result.Fanout.Failures, "c")
}

func TestFanoutAllFailedIsFailed(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "fan", Name: "Fanout", Type: TypeFanout,
		Stages: []Stage{stage("a", "fail"), stage("b", "fail")},
	}

	result, err := engine.Execute(context.Background(), Request{}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 0.0, result.Fanout.SuccessRate)
}

func TestDAGRespectsDependencies(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "dag", Name: "DAG", Type: TypeDAG,
		Stages: []Stage{stage("D", "echo"), stage("C", "echo"), stage("A", "echo"), stage("B", "echo")},
		Dependencies: []Dependency{
			{StageID: "C", DependsOn: []string{"A", "B"}},
			{StageID: "D", DependsOn: []string{"C"}},
		},
	}

	result, err := engine.Execute(context.Background(), Request{Input: "root"}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, [][]string{{"A", "B"}, {"C"}, {"D"}}, result.Rounds)

	cInput, ok := result.Stages["C"].Input.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "root", cInput[OriginalInputKey])
	assert.Contains(t, cInput, "A")
	assert.Contains(t, cInput, "B")

	out, ok := result.Output.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, out, "D")
	assert.Len(t, out, 1)
}

func TestDAGCycleIsDependencyError(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "cyclic", Name: "Cyclic", Type: TypeDAG,
		Stages: []Stage{stage("A", "echo"), stage("B", "echo")},
		Dependencies: []Dependency{
			{StageID: "A", DependsOn: []string{"B"}},
			{StageID: "B", DependsOn: []string{"A"}},
		},
	}

	_, err := engine.Execute(context.Background(), Request{}, def)
	require.Error(t, err)
	assert.Equal(t, ossa.ErrCodeDependency, ossa.ErrorCode(err))

	err = engine.RegisterWorkflow(def)
	assert.Equal(t, ossa.ErrCodeDependency, ossa.ErrorCode(err))
}

func TestEventDrivenRunsAsDAG(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "events", Name: "Events", Type: TypeEventDriven,
		Stages:       []Stage{stage("listen", "echo"), stage("react", "echo")},
		Dependencies: []Dependency{{StageID: "react", DependsOn: []string{"listen"}}},
	}

	result, err := engine.Execute(context.Background(), Request{Input: 1}, def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"listen"}, {"react"}}, result.Rounds)
}

func TestScatterGatherPartitionsAndFlattens(t *testing.T) {
	engine := newTestEngine(&callLog{})
	def := Definition{
		ID: "sg", Name: "Scatter", Type: TypeScatterGather,
		Stages: []Stage{stage("left", "double"), stage("right", "double")},
	}

	result, err := engine.Execute(context.Background(), Request{Input: []any{1, 2, 3, 4, 5}}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []any{2, 4, 6, 8, 10}, result.Output)
	assert.Equal(t, []any{1, 2, 3}, result.Stages["left"].Input)
	assert.Equal(t, []any{4, 5}, result.Stages["right"].Input)
}

func TestPartitionReplicatesScalars(t *testing.T) {
	assert.Equal(t, []any{"x", "x", "x"}, partition("x", 3))
	assert.Equal(t, []any{[]any{"a"}, []any{"b"}, []any{}}, partition([]string{"a", "b"}, 3))
}

func TestConditionalSkipsStage(t *testing.T) {
	log := &callLog{}
	engine := newTestEngine(log)
	gated := stage("gated", "fail")
	gated.Conditions = []Condition{{Field: "priority", Operator: OpEquals, Value: "high"}}
	def := Definition{
		ID: "cond", Name: "Conditional", Type: TypeConditional,
		Stages: []Stage{gated, stage("after", "echo")},
	}

	input := map[string]any{"priority": "low"}
	result, err := engine.Execute(context.Background(), Request{Input: input}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.Stages["gated"].Skipped)
	assert.Equal(t, input, result.Stages["gated"].Output)
	assert.Equal(t, 0, log.count("fail"))
	assert.Equal(t, input, result.Output)
}

func TestLoopRunsUntilContinueClears(t *testing.T) {
	var n atomic.Int64
	engine := NewEngine(agent.MustNewMemoryRegistry(&agent.Agent{
		ID: "counter",
		Capabilities: []agent.Capability{{ID: "tick", Handler: func(context.Context, any) (any, error) {
			v := n.Add(1)
			return map[string]any{"count": v, "continue": v < 3}, nil
		}}},
	}), WithLogger(ossa.NewFmtLogger(&discard{})))

	def := Definition{
		ID: "loop", Name: "Loop", Type: TypeLoop,
		Stages: []Stage{{ID: "tick", AgentID: "counter", CapabilityID: "tick"}},
	}
	result, err := engine.Execute(context.Background(), Request{}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, result.Iterations)
	assert.Len(t, result.ExecutionOrder, 3)
}

func TestLoopCeilingIsFatal(t *testing.T) {
	engine := NewEngine(agent.MustNewMemoryRegistry(&agent.Agent{
		ID: "forever",
		Capabilities: []agent.Capability{{ID: "spin", Handler: func(context.Context, any) (any, error) {
			return map[string]any{"continue": true}, nil
		}}},
	}), WithLogger(ossa.NewFmtLogger(&discard{})), WithLoopMaxIterations(5))

	def := Definition{
		ID: "loop", Name: "Loop", Type: TypeLoop,
		Stages: []Stage{{ID: "spin", AgentID: "forever", CapabilityID: "spin"}},
	}
	result, err := engine.Execute(context.Background(), Request{}, def)
	require.Error(t, err)
	assert.Equal(t, ossa.ErrCodeLoopLimitExceeded, ossa.ErrorCode(err))
	require.NotNil(t, result)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 5, result.Iterations)
}

func TestCancelExecutionStopsLaterStages(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var after atomic.Bool

	engine := NewEngine(agent.MustNewMemoryRegistry(&agent.Agent{
		ID: "svc",
		Capabilities: []agent.Capability{
			{ID: "block", Handler: func(context.Context, any) (any, error) {
				close(started)
				<-release
				return "done", nil
			}},
			{ID: "after", Handler: func(context.Context, any) (any, error) {
				after.Store(true)
				return nil, nil
			}},
		},
	}), WithLogger(ossa.NewFmtLogger(&discard{})))

	def := Definition{
		ID: "cancel", Name: "Cancel", Type: TypeSequential,
		Stages: []Stage{
			{ID: "first", AgentID: "svc", CapabilityID: "block"},
			{ID: "second", AgentID: "svc", CapabilityID: "after"},
		},
	}

	done := make(chan *Result, 1)
	go func() {
		result, _ := engine.Execute(context.Background(), Request{ExecutionID: "exec-1"}, def)
		done <- result
	}()

	<-started
	snap, ok := engine.Execution("exec-1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, snap.Status)

	require.NoError(t, engine.CancelExecution("exec-1"))
	assert.Empty(t, engine.ActiveExecutions())
	close(release)

	result := <-done
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, ossa.ErrCodeCancelled, result.ErrorCode)
	assert.False(t, after.Load())
	assert.Equal(t, StageCompleted, result.Stages["first"].Status)
	assert.Equal(t, int64(1), engine.Stats().Cancelled)

	err := engine.CancelExecution("exec-1")
	assert.Equal(t, ossa.ErrCodeExecutionNotFound, ossa.ErrorCode(err))
}

func TestNonRetryableStageFailureIsRecoverable(t *testing.T) {
	log := &callLog{}
	engine := newTestEngine(log)

	s := stage("R", "reject")
	s.Retry = runner.Policy{MaxAttempts: 3, Backoff: runner.BackoffFixed, BaseDelay: time.Millisecond}
	def := Definition{ID: "reject", Name: "Reject", Type: TypeSequential, Stages: []Stage{s}}

	result, err := engine.Execute(context.Background(), Request{}, def)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, log.count("reject"))
	assert.Zero(t, result.Stages["R"].Metrics.RetryCount)
	assert.True(t, result.Stages["R"].Recoverable)
}

func TestStageTimeout(t *testing.T) {
	engine := newTestEngine(&callLog{})
	slow := stage("slow", "slow")
	slow.Timeout = 20 * time.Millisecond
	def := Definition{ID: "t", Name: "Timeout", Type: TypeSequential, Stages: []Stage{slow}}

	result, err := engine.Execute(context.Background(), Request{}, def)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, ossa.ErrCodeStageTimeout, result.Stages["slow"].ErrorCode)
	assert.True(t, ossa.HasCode(result.Err, ossa.ErrCodeStageTimeout))
}

func TestRegisterWorkflowValidation(t *testing.T) {
	engine := newTestEngine(&callLog{})

	err := engine.RegisterWorkflow(Definition{ID: "empty", Name: "Empty", Type: TypeSequential})
	assert.Equal(t, ossa.ErrCodeConfiguration, ossa.ErrorCode(err))

	err = engine.RegisterWorkflow(Definition{
		ID: "ghost", Name: "Ghost", Type: TypeSequential,
		Stages: []Stage{{ID: "a", AgentID: "nobody", CapabilityID: "echo"}},
	})
	assert.Equal(t, ossa.ErrCodeConfiguration, ossa.ErrorCode(err))
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeAgentNotFound))

	err = engine.RegisterWorkflow(Definition{
		ID: "nocap", Name: "NoCap", Type: TypeSequential,
		Stages: []Stage{{ID: "a", AgentID: "worker", CapabilityID: "missing"}},
	})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeCapabilityNotFound))

	err = engine.RegisterWorkflow(Definition{
		ID: "dup", Name: "Dup", Type: TypeSequential,
		Stages: []Stage{stage("a", "echo"), stage("a", "echo")},
	})
	assert.Equal(t, ossa.ErrCodeConfiguration, ossa.ErrorCode(err))

	require.NoError(t, engine.RegisterWorkflow(Definition{
		ID: "ok", Name: "OK", Type: TypeSequential, Stages: []Stage{stage("a", "echo")},
	}))
	result, err := engine.ExecuteWorkflow(context.Background(), "ok", Request{Input: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, result.Output)

	_, err = engine.ExecuteWorkflow(context.Background(), "missing", Request{})
	assert.Equal(t, ossa.ErrCodeWorkflowNotFound, ossa.ErrorCode(err))
}

func TestStageInputParams(t *testing.T) {
	engine := newTestEngine(&callLog{})
	second := stage("second", "echo")
	second.Input = map[string]any{
		"user":     "${input.user}",
		"previous": "${first.user}",
		"greeting": "hello ${input.user}",
	}
	def := Definition{
		ID: "params", Name: "Params", Type: TypeSequential,
		Stages: []Stage{stage("first", "echo"), second},
	}

	result, err := engine.Execute(context.Background(), Request{Input: map[string]any{"user": "ada"}}, def)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"user":     "ada",
		"previous": "ada",
		"greeting": "hello ada",
	}, result.Output)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
