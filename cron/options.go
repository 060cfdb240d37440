package cron

import (
	"fmt"
	"io"
	"time"

	"github.com/goliatone/go-ossa"
)

// LogLevel controls how much of the cron loop's own chatter is logged.
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

func WithLogger(logger ossa.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogWriter sends cron loop logs to writer when no logger is set.
func WithLogWriter(writer io.Writer) Option {
	return func(s *Scheduler) {
		s.logWriter = writer
	}
}

func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler receives job failures and recovered panics.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		if handler != nil {
			s.errorHandler = handler
		}
	}
}

func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// loggerAdapter adapts ossa.Logger to robfig/cron's logger
type loggerAdapter struct {
	logger ossa.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, args ...any) {
	if l.level >= LogLevelInfo {
		l.logger.Debug(msg+" %v", args)
	}
}

func (l *loggerAdapter) Error(err error, msg string, args ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("%s: %v %v", msg, err, args)
	}
}

// errorHandlerAdapter feeds panics recovered by the cron chain to the
// scheduler's error handler.
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(string, ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...any) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf("%s %v", msg, args))
}
