package messaging

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMetricsWindow = 1000
	DefaultEMAAlpha      = 0.1
)

// Metrics is a snapshot of the service's rolling counters.
type Metrics struct {
	Published        int64     `json:"published"`
	Delivered        int64     `json:"delivered"`
	Failed           int64     `json:"failed"`
	Rejected         int64     `json:"rejected"`
	CommandsSent     int64     `json:"commandsSent"`
	CommandsTimedOut int64     `json:"commandsTimedOut"`
	CommandsServed   int64     `json:"commandsServed"`
	AvgLatencyMs     float64   `json:"avgLatencyMs"`
	P95LatencyMs     float64   `json:"p95LatencyMs"`
	P99LatencyMs     float64   `json:"p99LatencyMs"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// rollingMetrics keeps an exponential moving average of delivery latency
// and a fixed window of recent samples for percentile estimates.
type rollingMetrics struct {
	mu      sync.Mutex
	alpha   float64
	window  []float64
	next    int
	filled  bool
	ema     float64
	hasEMA  bool
	current Metrics

	otel      bool
	counter   metric.Int64Counter
	latencyMs metric.Float64Histogram
}

func newRollingMetrics(window int, alpha float64, withOTel bool) *rollingMetrics {
	if window <= 0 {
		window = DefaultMetricsWindow
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultEMAAlpha
	}
	m := &rollingMetrics{
		alpha:  alpha,
		window: make([]float64, window),
		otel:   withOTel,
	}
	if withOTel {
		meter := otel.Meter("go-ossa/messaging")
		m.counter, _ = meter.Int64Counter("ossa.messaging.message.count")
		m.latencyMs, _ = meter.Float64Histogram("ossa.messaging.latency_ms")
	}
	return m
}

func (m *rollingMetrics) count(outcome, channel string, at time.Time) {
	m.mu.Lock()
	switch outcome {
	case "published":
		m.current.Published++
	case "rejected":
		m.current.Rejected++
	case "command_sent":
		m.current.CommandsSent++
	case "command_timeout":
		m.current.CommandsTimedOut++
	case "command_served":
		m.current.CommandsServed++
	}
	m.current.LastUpdated = at
	m.mu.Unlock()
	m.emit(outcome, channel)
}

// delivery records a completed handler invocation.
func (m *rollingMetrics) delivery(channel string, latency time.Duration, failed bool, at time.Time) {
	ms := float64(latency) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	m.mu.Lock()
	if failed {
		m.current.Failed++
	} else {
		m.current.Delivered++
	}
	if m.hasEMA {
		m.ema = m.alpha*ms + (1-m.alpha)*m.ema
	} else {
		m.ema = ms
		m.hasEMA = true
	}
	m.window[m.next] = ms
	m.next = (m.next + 1) % len(m.window)
	if m.next == 0 {
		m.filled = true
	}
	m.current.LastUpdated = at
	m.mu.Unlock()

	outcome := "delivered"
	if failed {
		outcome = "failed"
	}
	m.emit(outcome, channel)
	if m.otel && m.latencyMs != nil {
		m.latencyMs.Record(context.Background(), ms, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

func (m *rollingMetrics) emit(outcome, channel string) {
	if !m.otel || m.counter == nil {
		return
	}
	m.counter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

func (m *rollingMetrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.current
	out.AvgLatencyMs = m.ema

	n := m.next
	if m.filled {
		n = len(m.window)
	}
	if n == 0 {
		return out
	}
	samples := slices.Clone(m.window[:n])
	slices.Sort(samples)
	out.P95LatencyMs = percentile(samples, 0.95)
	out.P99LatencyMs = percentile(samples, 0.99)
	return out
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}
