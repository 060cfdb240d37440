package messaging

import (
	"testing"
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollingMetricsEMA(t *testing.T) {
	m := newRollingMetrics(10, 0.5, false)
	now := time.Now()

	m.delivery("a", 100*time.Millisecond, false, now)
	assert.InDelta(t, 100, m.snapshot().AvgLatencyMs, 0.001)

	m.delivery("a", 200*time.Millisecond, false, now)
	assert.InDelta(t, 150, m.snapshot().AvgLatencyMs, 0.001)

	m.delivery("a", 50*time.Millisecond, true, now)
	snap := m.snapshot()
	assert.InDelta(t, 100, snap.AvgLatencyMs, 0.001)
	assert.EqualValues(t, 2, snap.Delivered)
	assert.EqualValues(t, 1, snap.Failed)
	assert.Equal(t, now, snap.LastUpdated)
}

func TestRollingMetricsPercentiles(t *testing.T) {
	m := newRollingMetrics(100, 0.1, false)
	for i := 1; i <= 100; i++ {
		m.delivery("a", time.Duration(i)*time.Millisecond, false, time.Now())
	}
	snap := m.snapshot()
	assert.InDelta(t, 95, snap.P95LatencyMs, 0.001)
	assert.InDelta(t, 99, snap.P99LatencyMs, 0.001)

	// the window only keeps the latest samples
	for i := 0; i < 100; i++ {
		m.delivery("a", time.Millisecond, false, time.Now())
	}
	snap = m.snapshot()
	assert.InDelta(t, 1, snap.P99LatencyMs, 0.001)
}

func TestPercentileEdges(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.95))
	assert.Equal(t, 7.0, percentile([]float64{7}, 0.99))
	assert.Equal(t, 2.0, percentile([]float64{1, 2}, 0.95))
}

func TestSchemaRegistry(t *testing.T) {
	r := NewSchemaRegistry()
	require.NoError(t, r.Register("orders", orderSchema))
	assert.True(t, r.Has("orders"))
	assert.Equal(t, []string{"orders"}, r.Names())

	assert.NoError(t, r.Validate("orders", map[string]any{"orderId": "x"}))
	assert.NoError(t, r.Validate("unknown", 42))

	err := r.Validate("orders", map[string]any{"orderId": 5})
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeValidation))
	assert.False(t, ossa.IsRetryable(err))

	err = r.Validate("orders", make(chan int))
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeValidation))

	require.NoError(t, r.Register("orders", nil))
	assert.False(t, r.Has("orders"))
}

func TestParseManifestRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"wildcard publish":  "publishes:\n  - channel: orders.*\n",
		"missing channel":   "publishes:\n  - contentType: application/json\n",
		"duplicate channel": "publishes:\n  - channel: a\n  - channel: a\n",
		"command name":      "commands:\n  - description: nameless\n",
		"bad schema":        "publishes:\n  - channel: a\n    schema:\n      type: 3\n",
		"not yaml":          "publishes: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			require.Error(t, err)
			assert.True(t, ossa.HasCode(err, ossa.ErrCodeConfiguration), "got %v", err)
		})
	}
}
