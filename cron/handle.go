package cron

import (
	"sync"
	"time"
)

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCanceled, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// Handle controls one scheduled job. A failed run of a recurring job does
// not end the schedule; the next tick runs again.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
	Runs() int
	LastRun() time.Time
}

type handle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}

	mu      sync.RWMutex
	status  ScheduleStatus
	err     error
	runs    int
	lastRun time.Time
	once    sync.Once
	closed  sync.Once
}

func (h *handle) Cancel() {
	h.once.Do(func() {
		h.scheduler.removeHandle(h.id)
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *handle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} { return h.done }
func (h *handle) ID() int64             { return h.id }
func (h *handle) Name() string          { return h.name }

func (h *handle) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *handle) LastRun() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}

func (h *handle) begin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isTerminalStatus(h.status) {
		return
	}
	h.status = ScheduleStatusRunning
	h.runs++
	h.lastRun = time.Now()
}

// end records the outcome of a recurring run unless the handle was
// cancelled or stopped meanwhile.
func (h *handle) end(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isTerminalStatus(h.status) {
		return
	}
	h.status = status
	h.err = err
}

func (h *handle) setTerminal(status ScheduleStatus, err error) {
	h.mu.Lock()
	h.status = status
	h.err = err
	h.mu.Unlock()

	h.closed.Do(func() { close(h.done) })
}
