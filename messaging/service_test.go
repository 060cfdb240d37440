package messaging

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/broker"
	"github.com/goliatone/go-ossa/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderSchema = map[string]any{
	"type":     "object",
	"required": []any{"orderId"},
	"properties": map[string]any{
		"orderId": map[string]any{"type": "string"},
		"amount":  map[string]any{"type": "number", "minimum": 0},
	},
}

func newTestBroker(t *testing.T) *broker.MemoryBroker {
	t.Helper()
	return broker.NewMemoryBroker(
		broker.WithLogger(ossa.NewFmtLogger(io.Discard)),
		broker.WithSweepInterval(0),
		broker.WithMetrics(false),
		broker.WithGracePeriod(20*time.Millisecond),
	)
}

func newTestService(t *testing.T, b broker.Broker, source string, opts ...Option) *Service {
	t.Helper()
	base := []Option{
		WithSource(source),
		WithLogger(ossa.NewFmtLogger(io.Discard)),
		WithTelemetry(false),
		WithSharedBroker(),
	}
	s := NewService(b, append(base, opts...)...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, "shop")
	require.NoError(t, svc.RegisterChannel(broker.ChannelSpec{Name: "orders.created", Schema: orderSchema}))

	var received atomic.Int32
	_, err := svc.Subscribe("orders.created", func(context.Context, broker.Envelope) error {
		received.Add(1)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), "orders.created", map[string]any{}, PublishOptions{})
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeValidation))

	fields, ok := goerrors.GetValidationErrors(err)
	require.True(t, ok)
	assert.Contains(t, fields.Error(), "orderId")

	stats, ok := b.ChannelStats("orders.created")
	require.True(t, ok)
	assert.Zero(t, stats.Published)

	_, err = svc.Publish(context.Background(), "orders.created", map[string]any{"orderId": "o-1", "amount": 12.5}, PublishOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)

	m := svc.Metrics()
	assert.EqualValues(t, 1, m.Published)
	assert.EqualValues(t, 1, m.Rejected)
	require.Eventually(t, func() bool { return svc.Metrics().Delivered == 1 }, time.Second, 5*time.Millisecond)
}

type order struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func TestPublishValidatesStructPayloads(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, "shop")
	require.NoError(t, svc.RegisterChannel(broker.ChannelSpec{Name: "orders.created", Schema: orderSchema}))

	_, err := svc.Publish(context.Background(), "orders.created", order{OrderID: "o-2", Amount: 3}, PublishOptions{})
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), "orders.created", order{OrderID: "o-3", Amount: -1}, PublishOptions{})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeValidation))
}

func TestInvalidDeliveriesAreSkipped(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, "shop")
	require.NoError(t, b.Connect(context.Background()))

	var received atomic.Int32
	_, err := svc.Subscribe("orders.#", func(context.Context, broker.Envelope) error {
		received.Add(1)
		return nil
	}, SubscribeOptions{Schema: orderSchema})
	require.NoError(t, err)

	// bypass the service so the invalid payload reaches the subscription
	badID, err := b.Publish(context.Background(), "orders.created", broker.Envelope{Payload: map[string]any{"nope": true}})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), "orders.created", broker.Envelope{Payload: map[string]any{"orderId": "ok"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		state, retries, _ := b.MessageState(badID)
		return state == broker.StateAcknowledged && retries == 0
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, svc.Metrics().Rejected)
	assert.Empty(t, b.DeadLetters())
}

func TestSendCommandTimesOut(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, "agentY")

	start := time.Now()
	_, err := svc.SendCommand(context.Background(), "agentX", "ping", map[string]any{}, CommandOptions{Timeout: time.Second})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeCommandTimeout))
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)

	assert.Zero(t, b.Health().Subscriptions)
	stats, ok := b.ChannelStats("agentY.responses")
	require.True(t, ok)
	assert.Zero(t, stats.SubscriptionCount)
	assert.EqualValues(t, 1, svc.Metrics().CommandsTimedOut)
}

func TestSendCommandCancelled(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, "agentY")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := svc.SendCommand(ctx, "agentX", "ping", map[string]any{}, CommandOptions{Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeCancelled))
	assert.False(t, ossa.HasCode(err, ossa.ErrCodeCommandTimeout))
	assert.Zero(t, b.Health().Subscriptions)
}

func TestPublishRoundsSubSecondTTLUp(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, "shop")

	ttls := make(chan int, 2)
	_, err := b.Subscribe("ticks", func(_ context.Context, env broker.Envelope) error {
		ttls <- env.Metadata.TTLSeconds
		return nil
	}, broker.SubscribeOptions{})
	require.NoError(t, err)

	_, err = svc.Publish(context.Background(), "ticks", map[string]any{}, PublishOptions{TTL: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, <-ttls)

	_, err = svc.Publish(context.Background(), "ticks", map[string]any{}, PublishOptions{TTL: 1500 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, <-ttls)
}

func TestCommandRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	callee := newTestService(t, b, "agentX")
	caller := newTestService(t, b, "agentY")

	type pingIn struct {
		Name string `json:"name"`
	}
	_, err := callee.RegisterCommandHandler("ping", rpc.NewCommand(func(_ context.Context, in pingIn) (map[string]any, error) {
		return map[string]any{"reply": "pong " + in.Name}, nil
	}))
	require.NoError(t, err)

	out, err := caller.SendCommand(context.Background(), "agentX", "ping", map[string]any{"name": "y"}, CommandOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"reply": "pong y"}, out)

	assert.EqualValues(t, 1, caller.Metrics().CommandsSent)
	assert.EqualValues(t, 1, callee.Metrics().CommandsServed)

	// only the callee's command subscription remains
	require.Eventually(t, func() bool { return b.Health().Subscriptions == 1 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentCommandsAreCorrelated(t *testing.T) {
	b := newTestBroker(t)
	callee := newTestService(t, b, "math")
	caller := newTestService(t, b, "client")

	_, err := callee.RegisterCommandHandler("double", rpc.NewCommand(func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(n%3) * 5 * time.Millisecond)
		return n * 2, nil
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := caller.SendCommand(context.Background(), "math", "double", n, CommandOptions{Timeout: 2 * time.Second})
			if err != nil {
				errs <- err
				return
			}
			if out != n*2 {
				errs <- errors.New("mismatched response")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCommandErrorsPropagate(t *testing.T) {
	b := newTestBroker(t)
	callee := newTestService(t, b, "agentX")
	caller := newTestService(t, b, "agentY")

	_, err := callee.RegisterCommand(rpc.CommandSpec{
		Name: "charge",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"amount"},
		},
	}, func(_ context.Context, req rpc.Request) (any, error) {
		return nil, ossa.NewError(ossa.ErrStageExecution, "card declined", nil, nil)
	})
	require.NoError(t, err)

	_, err = caller.SendCommand(context.Background(), "agentX", "charge", map[string]any{}, CommandOptions{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeValidation))

	_, err = caller.SendCommand(context.Background(), "agentX", "charge", map[string]any{"amount": 5}, CommandOptions{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeStageExecution))
	assert.Contains(t, err.Error(), "card declined")

	require.NoError(t, callee.UnregisterCommandHandler("charge"))
	err = callee.UnregisterCommandHandler("charge")
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeCommandNotFound))
}

func TestServiceRequiresStart(t *testing.T) {
	svc := NewService(newTestBroker(t), WithTelemetry(false))

	_, err := svc.Publish(context.Background(), "a", map[string]any{}, PublishOptions{})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeNotConnected))

	_, err = svc.Subscribe("a", func(context.Context, broker.Envelope) error { return nil }, SubscribeOptions{})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeNotConnected))

	_, err = svc.SendCommand(context.Background(), "x", "y", nil, CommandOptions{})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeNotConnected))

	_, err = svc.RegisterCommandHandler("y", func(context.Context, rpc.Request) (any, error) { return nil, nil })
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeNotConnected))
}

func TestStopDisconnectsOwnedBroker(t *testing.T) {
	b := newTestBroker(t)
	svc := NewService(b, WithTelemetry(false), WithLogger(ossa.NewFmtLogger(io.Discard)))
	require.NoError(t, svc.Start(context.Background()))
	_, err := svc.Subscribe("a.b", func(context.Context, broker.Envelope) error { return nil }, SubscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, broker.Healthy, svc.Health().Status)

	require.NoError(t, svc.Stop(context.Background()))
	assert.False(t, svc.Started())
	assert.Equal(t, broker.Unhealthy, b.Health().Status)
}

func TestRegisterManifest(t *testing.T) {
	b := newTestBroker(t)
	svc := newTestService(t, b, "agentX")

	m, err := ParseManifest([]byte(`
agent: agentX
publishes:
  - channel: orders.created
    contentType: application/json
    schema:
      type: object
      required: [orderId]
subscribes:
  - channel: payments.settled
    schema:
      type: object
      required: [paymentId]
  - channel: audit.#
commands:
  - name: ping
    timeout: 2s
    inputSchema:
      type: object
`))
	require.NoError(t, err)
	require.NoError(t, svc.RegisterManifest(*m))

	channels := svc.Channels()
	require.Len(t, channels, 2)
	assert.Equal(t, "orders.created", channels[0].Name)
	assert.Equal(t, "payments.settled", channels[1].Name)

	_, err = svc.Publish(context.Background(), "payments.settled", map[string]any{}, PublishOptions{})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeValidation))

	_, err = svc.RegisterCommandHandler("ping", func(context.Context, rpc.Request) (any, error) { return "pong", nil })
	require.NoError(t, err)
	specs := svc.Commands()
	require.Len(t, specs, 1)
	assert.Equal(t, 2*time.Second, specs[0].Timeout)

	stats, ok := b.ChannelStats("orders.created")
	require.True(t, ok)
	assert.Equal(t, "application/json", stats.ContentType)
}

func TestRegisterChannelRejectsBadInput(t *testing.T) {
	svc := newTestService(t, newTestBroker(t), "x")

	err := svc.RegisterChannel(broker.ChannelSpec{Name: "orders.*"})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeConfiguration))

	err = svc.RegisterChannel(broker.ChannelSpec{Name: "bad", Schema: map[string]any{"type": 12}})
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeConfiguration))
}
