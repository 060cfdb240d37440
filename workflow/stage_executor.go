package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/agent"
	"github.com/goliatone/go-ossa/runner"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StageExecutor resolves a stage's capability and runs it under the
// stage timeout and retry policy.
type StageExecutor struct {
	registry agent.Registry
	opts     options
}

func NewStageExecutor(registry agent.Registry, opts ...Option) *StageExecutor {
	return &StageExecutor{registry: registry, opts: applyOptions(opts)}
}

// Execute never returns an error value; failures are carried by the result.
func (s *StageExecutor) Execute(ctx context.Context, stage Stage, input any) StageResult {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.opts.tracer.Start(ctx, "workflow.stage", trace.WithAttributes(
		attribute.String("ossa.stage.id", stage.ID),
		attribute.String("ossa.agent.id", stage.AgentID),
		attribute.String("ossa.capability.id", stage.CapabilityID),
	))
	defer span.End()

	logger := ossa.WithFields(s.opts.logger, map[string]any{
		"stage_id":      stage.ID,
		"agent_id":      stage.AgentID,
		"capability_id": stage.CapabilityID,
	})

	start := s.opts.now()
	result := StageResult{
		StageID: stage.ID,
		Status:  StageCompleted,
		Input:   input,
		Metrics: StageMetrics{StartTime: start},
	}

	capability, err := agent.Resolve(s.registry, stage.AgentID, stage.CapabilityID)
	if err == nil && capability.Handler == nil {
		err = ossa.NewError(ossa.ErrConfiguration, "capability "+stage.CapabilityID+" has no handler", nil, nil)
	}
	if err != nil {
		s.fail(&result, err, 0, false)
		s.finish(&result, span)
		logger.Warn("stage %s could not resolve capability: %v", stage.ID, err)
		return result
	}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = s.opts.stageTimeout
	}
	runnerOpts := []runner.Option{
		runner.WithAttemptName("stage " + stage.ID),
		runner.WithTimeout(timeout),
		runner.WithPolicy(stage.Retry),
		runner.WithRetryable(ossa.IsRetryable),
		runner.WithLogger(logger),
		runner.WithErrorHandler(func(err error) {
			logger.Debug("stage %s retrying: %v", stage.ID, err)
		}),
	}
	if s.opts.sleep != nil {
		runnerOpts = append(runnerOpts, runner.WithSleep(s.opts.sleep))
	}

	var (
		mu      sync.Mutex
		output  any
		settled bool
	)
	report := runner.NewHandler(runnerOpts...).Run(ctx, func(ctx context.Context) error {
		out, err := capability.Handler(ctx, input)
		if err != nil {
			return err
		}
		mu.Lock()
		if !settled {
			output = out
		}
		mu.Unlock()
		return nil
	})
	mu.Lock()
	settled = true
	result.Output = output
	mu.Unlock()

	result.Metrics.RetryCount = report.Retries
	result.Metrics.Attempts = report.Attempts
	result.Metrics.ResourceUsage = map[string]any{
		"attempts":  report.Attempts,
		"timed_out": report.TimedOut,
		"timeout":   timeout.String(),
	}

	if report.Err != nil {
		recoverable := report.Retries <= stage.Retry.MaxAttempts
		s.fail(&result, report.Err, report.Attempts, recoverable)
		logger.Warn("stage %s failed after %d attempts: %v", stage.ID, report.Attempts, report.Err)
	}

	s.finish(&result, span)
	return result
}

func (s *StageExecutor) fail(result *StageResult, cause error, attempts int, recoverable bool) {
	err := ossa.NewError(ossa.ErrStageExecution,
		fmt.Sprintf("stage %s failed: %s", result.StageID, ossa.ErrorMessage(cause)),
		cause,
		map[string]any{
			"stage_id":    result.StageID,
			"attempts":    attempts,
			"retry_count": result.Metrics.RetryCount,
			"cause_code":  ossa.ErrorCode(cause),
		},
	)
	result.Status = StageFailed
	result.Output = nil
	result.Err = err
	result.Error = err.Error()
	result.ErrorCode = ossa.ErrorCode(cause)
	if result.ErrorCode == "" {
		result.ErrorCode = ossa.ErrCodeStageExecution
	}
	result.Recoverable = recoverable
}

func (s *StageExecutor) finish(result *StageResult, span trace.Span) {
	result.Metrics.EndTime = s.opts.now()
	result.Metrics.Duration = result.Metrics.EndTime.Sub(result.Metrics.StartTime)

	s.opts.metrics.RecordDuration("stage", result.StageID, result.Metrics.Duration)
	if result.Failed() {
		s.opts.metrics.RecordError("stage", result.StageID)
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Error)
		return
	}
	s.opts.metrics.RecordSuccess("stage", result.StageID)
	span.SetAttributes(attribute.Int("ossa.stage.retry_count", result.Metrics.RetryCount))
}
