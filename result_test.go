package ossa

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultFirstResolutionWins(t *testing.T) {
	r := NewResult[string]()

	assert.True(t, r.Store("first"))
	assert.False(t, r.StoreError(fmt.Errorf("late")))
	assert.False(t, r.Store("second"))

	val, ok := r.Load()
	assert.True(t, ok)
	assert.Equal(t, "first", val)
	assert.NoError(t, r.Error())
}

func TestResultWait(t *testing.T) {
	r := NewResult[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.StoreWithMeta(42, map[string]any{"source": "test"})
	}()

	val, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val)

	meta, ok := r.GetMetadata("source")
	assert.True(t, ok)
	assert.Equal(t, "test", meta)
}

func TestResultWaitHonoursContext(t *testing.T) {
	r := NewResult[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
