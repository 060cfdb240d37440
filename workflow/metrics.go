package workflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder receives stage and execution outcomes. name is "stage" or
// "execution"; kind is the stage id or the workflow type.
type MetricsRecorder interface {
	RecordDuration(name, kind string, duration time.Duration)
	RecordError(name, kind string)
	RecordSuccess(name, kind string)
}

type noopRecorder struct{}

func (noopRecorder) RecordDuration(string, string, time.Duration) {}
func (noopRecorder) RecordError(string, string)                   {}
func (noopRecorder) RecordSuccess(string, string)                 {}

var (
	otelMetricsOnce  sync.Once
	outcomeCounter   metric.Int64Counter
	durationMs       metric.Float64Histogram
	otelMetricsReady bool
)

func initOTelMetrics() {
	otelMetricsOnce.Do(func() {
		meter := otel.Meter("go-ossa/workflow")
		var err error
		outcomeCounter, err = meter.Int64Counter("ossa.workflow.outcome.count")
		if err != nil {
			return
		}
		durationMs, err = meter.Float64Histogram("ossa.workflow.duration_ms")
		if err != nil {
			return
		}
		otelMetricsReady = true
	})
}

// OTelRecorder publishes outcomes through the global OpenTelemetry meter.
type OTelRecorder struct{}

func NewOTelRecorder() *OTelRecorder {
	initOTelMetrics()
	return &OTelRecorder{}
}

func (OTelRecorder) RecordDuration(name, kind string, duration time.Duration) {
	if !otelMetricsReady {
		return
	}
	durationMs.Record(context.Background(), float64(duration.Microseconds())/1000,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("kind", kind),
		))
}

func (OTelRecorder) RecordError(name, kind string) {
	recordOutcome(name, kind, "error")
}

func (OTelRecorder) RecordSuccess(name, kind string) {
	recordOutcome(name, kind, "success")
}

func recordOutcome(name, kind, outcome string) {
	if !otelMetricsReady {
		return
	}
	outcomeCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		))
}
