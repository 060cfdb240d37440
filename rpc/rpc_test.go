package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingInput struct {
	Name string `json:"name"`
}

type pingOutput struct {
	Greeting string `json:"greeting"`
}

func ping(_ context.Context, in pingInput) (pingOutput, error) {
	return pingOutput{Greeting: "pong:" + in.Name}, nil
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "agentX.commands.ping", CommandChannel("agentX", "ping"))
	assert.Equal(t, "agentY.responses", ResponseChannel("agentY"))
}

func TestServerRegisterAndInvoke(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(CommandSpec{
		Name:        "ping",
		Description: "Replies with a greeting",
		Timeout:     time.Second,
		Tags:        []string{"health"},
	}, NewCommand(ping)))

	out, err := s.Invoke(context.Background(), Request{Command: "ping", Input: map[string]any{"name": "alice"}})
	require.NoError(t, err)
	assert.Equal(t, pingOutput{Greeting: "pong:alice"}, out)

	out, err = s.Invoke(context.Background(), Request{Command: "ping", Input: pingInput{Name: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, pingOutput{Greeting: "pong:bob"}, out)

	spec, ok := s.Command("ping")
	require.True(t, ok)
	assert.Equal(t, time.Second, spec.Timeout)
	assert.Equal(t, []string{"health"}, spec.Tags)
}

func TestServerInvokeErrors(t *testing.T) {
	s := NewServer()

	_, err := s.Invoke(context.Background(), Request{Command: "missing"})
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeCommandNotFound))

	require.NoError(t, s.Register(CommandSpec{Name: "ping"}, NewCommand(ping)))
	_, err = s.Invoke(context.Background(), Request{Command: "ping", Input: "not an object"})
	require.Error(t, err)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeValidation))
}

func TestServerRegisterValidation(t *testing.T) {
	s := NewServer()
	err := s.Register(CommandSpec{}, NewCommand(ping))
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeConfiguration))

	err = s.Register(CommandSpec{Name: "nil"}, nil)
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeConfiguration))
}

func TestServerRegisterDuplicateCommand(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(CommandSpec{Name: "ping"}, NewCommand(ping)))
	err := s.Register(CommandSpec{Name: "ping"}, NewCommand(ping))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.True(t, s.Unregister("ping"))
	assert.False(t, s.Unregister("ping"))
}

func TestServerCommandsSorted(t *testing.T) {
	s := NewServer()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Register(CommandSpec{Name: name}, NewCommand(ping)))
	}
	specs := s.Commands()
	require.Len(t, specs, 3)
	assert.Equal(t, "alpha", specs[0].Name)
	assert.Equal(t, "mid", specs[1].Name)
	assert.Equal(t, "zeta", specs[2].Name)
}

func TestCommandReturnsDefensiveCopy(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(CommandSpec{Name: "ping", Tags: []string{"a"}}, NewCommand(ping)))

	spec, _ := s.Command("ping")
	spec.Tags[0] = "mutated"

	again, _ := s.Command("ping")
	assert.Equal(t, []string{"a"}, again.Tags)
}

func TestServeWrapsOutcome(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(CommandSpec{Name: "ping"}, NewCommand(ping)))
	require.NoError(t, s.Register(CommandSpec{Name: "fail"}, func(context.Context, Request) (any, error) {
		return nil, ossa.NewError(ossa.ErrValidation, "bad order", nil, map[string]any{"field": "orderId"})
	}))

	res := s.Serve(context.Background(), Request{Command: "ping", CorrelationID: "c-1", Input: pingInput{Name: "x"}})
	assert.True(t, res.Success)
	assert.Equal(t, "c-1", res.CorrelationID)
	assert.Equal(t, pingOutput{Greeting: "pong:x"}, res.Output)
	assert.Nil(t, res.Error)

	res = s.Serve(context.Background(), Request{Command: "fail", CorrelationID: "c-2"})
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, ossa.ErrCodeValidation, res.Error.Code)
	assert.Equal(t, "bad order", res.Error.Message)
	assert.False(t, res.Error.Retryable)
	assert.Equal(t, "orderId", res.Error.Details["field"])
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	plain := FromError(errors.New("boom"))
	assert.Equal(t, ossa.ErrCodeCommandFailed, plain.Code)
	assert.Equal(t, "boom", plain.Message)
	assert.True(t, plain.Retryable)

	timeout := FromError(ossa.NewError(ossa.ErrCommandTimeout, "too slow", nil, nil))
	assert.Equal(t, ossa.ErrCodeCommandTimeout, timeout.Code)

	rebuilt := timeout.Err()
	assert.True(t, ossa.HasCode(rebuilt, ossa.ErrCodeCommandTimeout))
	assert.Equal(t, "COMMAND_TIMEOUT: too slow", timeout.Error())
}

func TestMiddlewareOrder(t *testing.T) {
	var calls []string
	mark := func(name string) Middleware {
		return func(next InvokeHandler) InvokeHandler {
			return func(ctx context.Context, req InvokeRequest) (any, error) {
				calls = append(calls, name+":before")
				out, err := next(ctx, req)
				calls = append(calls, name+":after")
				return out, err
			}
		}
	}
	s := NewServer(WithMiddleware(mark("outer"), nil, mark("inner")))
	require.NoError(t, s.Register(CommandSpec{Name: "ping"}, func(context.Context, Request) (any, error) {
		calls = append(calls, "handler")
		return "ok", nil
	}))

	out, err := s.Invoke(context.Background(), Request{Command: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, calls)
}

func TestTimeoutMiddleware(t *testing.T) {
	s := NewServer(WithMiddleware(Timeout(time.Hour)))
	require.NoError(t, s.Register(CommandSpec{Name: "slow", Timeout: 20 * time.Millisecond}, func(ctx context.Context, _ Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	start := time.Now()
	_, err := s.Invoke(context.Background(), Request{Command: "slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	s := NewServer(WithMiddleware(Logging(nil)))
	require.NoError(t, s.Register(CommandSpec{Name: "ping"}, NewCommand(ping)))

	out, err := s.Invoke(context.Background(), Request{Command: "ping", Input: pingInput{Name: "z"}})
	require.NoError(t, err)
	assert.Equal(t, pingOutput{Greeting: "pong:z"}, out)
}

func TestServerFailureModeRecoverConvertsPanicToError(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(CommandSpec{Name: "panic.recover"}, func(context.Context, Request) (any, error) {
		panic("boom")
	}))

	out, err := s.Invoke(context.Background(), Request{Command: "panic.recover"})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "panicked")
	assert.True(t, ossa.HasCode(err, ossa.ErrCodeCommandFailed))
}

func TestServerFailureModeRejectRepanics(t *testing.T) {
	s := NewServer(WithFailureMode(FailureModeReject))
	require.NoError(t, s.Register(CommandSpec{Name: "panic.reject"}, func(context.Context, Request) (any, error) {
		panic("boom")
	}))

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = s.Invoke(context.Background(), Request{Command: "panic.reject"})
	})
}

func TestServerFailureModeLogAndContinueSkipsInvalidRegistration(t *testing.T) {
	var events []FailureEvent
	s := NewServer(
		WithFailureMode(FailureModeLogAndContinue),
		WithFailureLogger(func(event FailureEvent) {
			events = append(events, event)
		}),
	)

	err := s.Register(CommandSpec{Name: "bad.handler"}, nil)
	require.NoError(t, err)

	_, ok := s.Command("bad.handler")
	assert.False(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, FailureStageRegister, events[0].Stage)
	assert.Equal(t, "bad.handler", events[0].Command)
	assert.Error(t, events[0].Err)
}

func TestServerFailureModeLogAndContinueReturnsInvokePanicError(t *testing.T) {
	var events []FailureEvent
	s := NewServer(
		WithFailureMode(FailureModeLogAndContinue),
		WithFailureLogger(func(event FailureEvent) {
			events = append(events, event)
		}),
	)
	require.NoError(t, s.Register(CommandSpec{Name: "panic.log"}, func(context.Context, Request) (any, error) {
		panic("boom")
	}))

	out, err := s.Invoke(context.Background(), Request{Command: "panic.log"})
	require.Error(t, err)
	assert.Nil(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, FailureStageInvoke, events[0].Stage)
	assert.Equal(t, "panic.log", events[0].Command)
	assert.Equal(t, "boom", events[0].Panic)
}
