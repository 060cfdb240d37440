package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/runner"

	rcron "github.com/robfig/cron/v3"
)

// JobFunc is a unit of scheduled work.
type JobFunc func(ctx context.Context) error

// JobConfig controls how each run of a job is executed.
type JobConfig struct {
	Name       string
	Timeout    time.Duration
	MaxRetries int
}

// Scheduler owns a cron instance and the handles of the jobs it runs.
// Jobs never overlap with themselves; a tick that arrives while the
// previous run is still going is skipped.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    ossa.Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*handle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[int64]*handle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron schedules a recurring job by cron expression.
func (s *Scheduler) ScheduleCron(expression string, cfg JobConfig, job JobFunc) (Handle, error) {
	if expression == "" {
		return nil, ossa.NewError(ossa.ErrConfiguration, "cron expression cannot be empty", nil, nil)
	}
	schedule, err := s.parse(expression)
	if err != nil {
		return nil, ossa.NewError(ossa.ErrConfiguration, fmt.Sprintf("parse cron expression %q", expression), err, map[string]any{
			"expression": expression,
		})
	}
	return s.schedule(schedule, cfg, job)
}

// ScheduleEvery runs job at a fixed interval, rounded to whole seconds
// with a one second minimum.
func (s *Scheduler) ScheduleEvery(interval time.Duration, cfg JobConfig, job JobFunc) (Handle, error) {
	if interval <= 0 {
		return nil, ossa.NewError(ossa.ErrConfiguration, fmt.Sprintf("interval must be positive, got %s", interval), nil, nil)
	}
	return s.schedule(rcron.Every(interval), cfg, job)
}

func (s *Scheduler) schedule(schedule rcron.Schedule, cfg JobConfig, job JobFunc) (Handle, error) {
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	h := s.newHandle(cfg.Name)
	entryID := s.cron.Schedule(schedule, rcron.FuncJob(func() {
		if isTerminalStatus(h.Status()) {
			return
		}
		h.begin()
		if err := run(); err != nil {
			h.end(ScheduleStatusFailed, err)
			s.errorHandler(err)
			return
		}
		h.end(ScheduleStatusIdle, nil)
	}))
	h.entryID = int(entryID)
	s.storeHandle(h)
	return h, nil
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops the cron loop, waits for running jobs until ctx is done and
// marks every handle stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.cancel()
	stopped := s.cron.Stop()

	var handles []*handle
	s.mu.Lock()
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*handle)
	s.mu.Unlock()

	for _, h := range handles {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		if !isTerminalStatus(h.Status()) {
			h.setTerminal(ScheduleStatusStopped, nil)
		}
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handles returns the number of live handles.
func (s *Scheduler) Handles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) removeHandle(id int64) {
	h := s.removeStoredHandle(id)
	if h == nil {
		return
	}
	if h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *handle {
	if id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Scheduler) storeHandle(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle(name string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	if name == "" {
		name = fmt.Sprintf("job-%d", s.nextHandleID)
	}
	return &handle{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) buildRunnable(cfg JobConfig, job JobFunc) (func() error, error) {
	if job == nil {
		return nil, ossa.NewError(ossa.ErrConfiguration, "job cannot be nil", nil, nil)
	}
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithErrorHandler(s.errorHandler),
		runner.WithLogger(s.logger),
	}
	if cfg.Name != "" {
		opts = append(opts, runner.WithAttemptName(cfg.Name))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	h := runner.NewHandler(opts...)
	return func() error {
		return h.Run(s.ctx, job).Err
	}, nil
}

func (s *Scheduler) parse(expression string) (rcron.Schedule, error) {
	switch s.parser {
	case SecondsParser:
		return rcron.NewParser(
			rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
		).Parse(expression)
	case StandardParser:
		return rcron.NewParser(
			rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
		).Parse(expression)
	default:
		return rcron.ParseStandard(expression)
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	default:
		cronLogger = rcron.DiscardLogger
	}
	opts = append(opts, rcron.WithLogger(cronLogger))

	opts = append(opts, rcron.WithChain(
		rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		rcron.SkipIfStillRunning(cronLogger),
	))
	return opts
}
