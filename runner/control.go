package runner

import (
	"context"
	"errors"
	"sync"
)

// Control is a cooperative cancellation flag. Work in flight is not
// interrupted; callers check Checkpoint between units of work.
type Control struct {
	mu     sync.RWMutex
	doneCh chan struct{}
	cause  error
}

// NewControl creates a control that can be cancelled once.
func NewControl() *Control {
	return &Control{doneCh: make(chan struct{})}
}

// Cancel marks control as done and records cause. Returns false when the
// control was already cancelled.
func (c *Control) Cancel(cause error) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.doneCh:
		return false
	default:
	}
	if cause == nil {
		cause = errors.New("execution canceled")
	}
	c.cause = cause
	close(c.doneCh)
	return true
}

func (c *Control) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.doneCh
}

func (c *Control) Cause() error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

func (c *Control) Cancelled() bool {
	if c == nil {
		return false
	}
	select {
	case <-c.doneCh:
		return true
	default:
		return false
	}
}

// Checkpoint returns the cancel cause, or ctx.Err() if the context is done.
func (c *Control) Checkpoint(ctx context.Context) error {
	if c.Cancelled() {
		return c.Cause()
	}
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
