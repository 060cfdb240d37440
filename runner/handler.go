package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-ossa"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Report describes one Run: how many attempts were made and how it ended.
type Report struct {
	Attempts   int
	Retries    int
	Err        error
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Metadata   map[string]any
}

// Handler runs a function with per-attempt timeout and retry/backoff.
type Handler struct {
	mu sync.Mutex

	name          string
	logger        ossa.Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	retryable     func(error) bool
	sleep         SleepFunc

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		name:          "runner",
		logger:        ossa.NormalizeLogger(nil),
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
		sleep:         sleepContext,
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run executes fn once plus up to maxRetries retries. Each attempt gets its
// own timeout; an attempt that outlives it is abandoned, not killed. Run stops
// early when the parent context is done or the strategy declines a retry.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) Report {
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	retryable := h.retryable
	h.mu.Unlock()

	ctx, cancel := h.contextWithDeadline(ctx)
	defer cancel()

	report := Report{StartedAt: time.Now()}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		report.Attempts++
		timedOut, err := h.runAttempt(ctx, fn)
		report.Err = err
		report.TimedOut = timedOut
		if err == nil {
			break
		}

		if ctx.Err() != nil || attempt == maxRetries {
			break
		}
		if retryable != nil && !retryable(err) {
			report.Metadata = map[string]any{"reason": "non_retryable", "code": ossa.ErrorCode(err)}
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if len(decision.Metadata) > 0 {
			report.Metadata = decision.Metadata
		}
		if !decision.ShouldRetry {
			break
		}

		h.handleError(ossa.NewError(ossa.ErrStageExecution,
			fmt.Sprintf("%s failed, attempt %d of %d", h.name, attempt+1, maxRetries+1),
			err,
			map[string]any{"attempt": attempt + 1, "delay": decision.Delay.String()},
		))

		if decision.Delay > 0 {
			if serr := h.sleep(ctx, decision.Delay); serr != nil {
				break
			}
		}
		report.Retries++
	}

	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	h.mu.Lock()
	h.runs++
	if report.Err == nil {
		h.successfulRuns++
	}
	h.mu.Unlock()

	if report.Err != nil {
		h.logger.Debug("%s exhausted after %d attempts: %v", h.name, report.Attempts, report.Err)
	}
	return report
}

func (h *Handler) runAttempt(parent context.Context, fn func(context.Context) error) (bool, error) {
	attemptCtx, cancel := h.attemptContext(parent)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- ossa.SafeCall(h.name, ossa.ErrStageExecution, ossa.LoggerPanicLogger(h.logger), func() error {
			return fn(attemptCtx)
		})
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return true, h.timeoutError(err)
		}
		return false, err
	case <-attemptCtx.Done():
		if perr := parent.Err(); perr != nil {
			return false, perr
		}
		return true, h.timeoutError(attemptCtx.Err())
	}
}

func (h *Handler) timeoutError(source error) error {
	return ossa.NewError(ossa.ErrStageTimeout,
		fmt.Sprintf("%s timed out after %s", h.name, h.timeout),
		source,
		map[string]any{"timeout": h.timeout.String()},
	)
}

// Runs returns how many times Run was called.
func (h *Handler) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// SuccessfulRuns returns how many Run calls ended without error.
func (h *Handler) SuccessfulRuns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successfulRuns
}

// MaxRetries exposes the configured retry budget.
func (h *Handler) MaxRetries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxRetries
}

func (h *Handler) handleError(err error) {
	h.errorHandler(err)
}

func (h *Handler) attemptContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(parent, h.timeout)
	}
	return context.WithCancel(parent)
}

func (h *Handler) contextWithDeadline(parent context.Context) (context.Context, context.CancelFunc) {
	if !h.deadline.IsZero() {
		return context.WithDeadline(parent, h.deadline)
	}
	return parent, func() {}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
