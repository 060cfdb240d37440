package workflow

import (
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/runner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLoopMaxIterations = 100
	DefaultStageTimeout      = 30 * time.Second
)

type options struct {
	logger            ossa.Logger
	metrics           MetricsRecorder
	tracer            trace.Tracer
	loopMaxIterations int
	stageTimeout      time.Duration
	now               func() time.Time
	sleep             runner.SleepFunc
}

func defaultOptions() options {
	return options{
		logger:            ossa.NormalizeLogger(nil),
		metrics:           noopRecorder{},
		tracer:            otel.Tracer("go-ossa/workflow"),
		loopMaxIterations: DefaultLoopMaxIterations,
		stageTimeout:      DefaultStageTimeout,
		now:               time.Now,
	}
}

// Option configures an Engine or a StageExecutor.
type Option func(*options)

func WithLogger(l ossa.Logger) Option {
	return func(o *options) {
		o.logger = ossa.NormalizeLogger(l)
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLoopMaxIterations sets the hard ceiling for loop workflows.
func WithLoopMaxIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.loopMaxIterations = n
		}
	}
}

// WithDefaultStageTimeout applies to stages that do not declare a timeout.
func WithDefaultStageTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.stageTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithStageSleep overrides the wait between stage retries.
func WithStageSleep(fn runner.SleepFunc) Option {
	return func(o *options) {
		o.sleep = fn
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
