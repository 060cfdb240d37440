package ossa

import (
	"context"
	"fmt"
	"testing"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorDoesNotMutateSentinel(t *testing.T) {
	err := NewError(ErrAgentNotFound, "agent foo not found", nil, map[string]any{"agent_id": "foo"})

	assert.Equal(t, ErrCodeAgentNotFound, err.TextCode)
	assert.Equal(t, "agent foo not found", err.Message)
	assert.Equal(t, "foo", err.Metadata["agent_id"])

	assert.Equal(t, "agent not found", ErrAgentNotFound.Message)
	assert.Empty(t, ErrAgentNotFound.Metadata)
}

func TestHasCodeWalksSourceChain(t *testing.T) {
	inner := NewError(ErrStageTimeout, "stage a timed out", context.DeadlineExceeded, nil)
	outer := NewError(ErrStageExecution, "stage a failed", inner, nil)

	assert.True(t, HasCode(outer, ErrCodeStageExecution))
	assert.True(t, HasCode(outer, ErrCodeStageTimeout))
	assert.False(t, HasCode(outer, ErrCodeValidation))
	assert.Equal(t, ErrCodeStageExecution, ErrorCode(outer))
	assert.Empty(t, ErrorCode(fmt.Errorf("plain")))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", fmt.Errorf("boom"), true},
		{"timeout", NewError(ErrStageTimeout, "", nil, nil), true},
		{"agent not found", NewError(ErrAgentNotFound, "", nil, nil), false},
		{"configuration", NewError(ErrConfiguration, "", nil, nil), false},
		{"nested validation", NewError(ErrStageExecution, "", NewError(ErrValidation, "", nil, nil), nil), false},
		{"validation category", errors.New("bad", errors.CategoryValidation), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestSafeCallRecoversPanic(t *testing.T) {
	var logged string
	logger := func(funcName string, err any, stack []byte, fields ...map[string]any) {
		logged = funcName
	}

	err := SafeCall("handler", ErrDelivery, logger, func() error {
		panic("kaboom")
	})

	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeDelivery))
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, "handler", logged)

	err = SafeCall("handler", ErrDelivery, nil, func() error { return nil })
	assert.NoError(t, err)
}
