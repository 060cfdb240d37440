package broker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	brokerMetricsOnce sync.Once
	messageCounter    metric.Int64Counter
	sweepCounter      metric.Int64Counter
	sweepLatencyMs    metric.Float64Histogram
)

func initBrokerMetrics() {
	brokerMetricsOnce.Do(func() {
		meter := otel.Meter("go-ossa/broker")
		messageCounter, _ = meter.Int64Counter("ossa.broker.message.count")
		sweepCounter, _ = meter.Int64Counter("ossa.broker.sweep.count")
		sweepLatencyMs, _ = meter.Float64Histogram("ossa.broker.sweep.latency_ms")
	})
}

func (b *MemoryBroker) recordMessage(channel, outcome string) {
	if !b.metricsEnabled || messageCounter == nil {
		return
	}
	messageCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

func (b *MemoryBroker) recordSweep(ctx context.Context, report SweepReport) {
	if !b.metricsEnabled || sweepCounter == nil {
		return
	}
	sweepCounter.Add(ctx, 1)
	for outcome, n := range map[string]int{
		"retried":       report.Retried,
		"redelivered":   report.Redelivered,
		"ack_timeout":   report.AckTimeouts,
		"dead_lettered": report.DeadLettered,
		"expired":       report.Expired,
	} {
		if n > 0 && messageCounter != nil {
			messageCounter.Add(ctx, int64(n), metric.WithAttributes(
				attribute.String("channel", "*"),
				attribute.String("outcome", "sweep_"+outcome),
			))
		}
	}
	if sweepLatencyMs != nil {
		sweepLatencyMs.Record(ctx, float64(report.FinishedAt.Sub(report.StartedAt))/float64(time.Millisecond))
	}
}
