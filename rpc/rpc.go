package rpc

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ossa"
)

// FailureStage identifies where a failure happened.
type FailureStage string

const (
	FailureStageRegister FailureStage = "register"
	FailureStageInvoke   FailureStage = "invoke"
)

// FailureMode controls how the server reacts to registration/invocation failures.
type FailureMode int

const (
	// FailureModeRecover returns registration errors and converts invoke panics to errors.
	FailureModeRecover FailureMode = iota
	// FailureModeReject returns registration errors and re-panics invoke panics.
	FailureModeReject
	// FailureModeLogAndContinue suppresses failures after logging them.
	// For register, the command is skipped. For invoke panic, call returns an error.
	FailureModeLogAndContinue
)

// FailureEvent carries context for strategy/logging decisions.
type FailureEvent struct {
	Stage   FailureStage
	Command string
	Err     error
	Panic   any
}

// FailureStrategy decides how to handle a failure event.
type FailureStrategy func(FailureEvent) FailureMode

// FailureLogger receives failure events when configured.
type FailureLogger func(FailureEvent)

// Option customizes server behavior.
type Option func(*Server)

// WithFailureStrategy sets a custom failure strategy function.
func WithFailureStrategy(strategy FailureStrategy) Option {
	return func(s *Server) {
		if strategy != nil {
			s.failureStrategy = strategy
		}
	}
}

// WithFailureMode sets a fixed strategy mode.
func WithFailureMode(mode FailureMode) Option {
	return WithFailureStrategy(func(FailureEvent) FailureMode {
		return mode
	})
}

// WithFailureLogger sets an optional callback for failure events.
func WithFailureLogger(logger FailureLogger) Option {
	return func(s *Server) {
		s.failureLogger = logger
	}
}

// WithMiddleware appends invoke middleware in registration order.
func WithMiddleware(mw ...Middleware) Option {
	return func(s *Server) {
		if s == nil {
			return
		}
		for _, m := range mw {
			if m != nil {
				s.middleware = append(s.middleware, m)
			}
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

type commandEntry struct {
	spec    CommandSpec
	handler CommandHandler
}

// Server is the in-memory command table behind command channels. Transport
// adapters decode a Request, call Serve and publish the Response.
type Server struct {
	mu              sync.RWMutex
	commands        map[string]commandEntry
	middleware      []Middleware
	failureStrategy FailureStrategy
	failureLogger   FailureLogger
	now             func() time.Time
}

// NewServer creates an empty command server.
func NewServer(opts ...Option) *Server {
	server := &Server{
		commands: make(map[string]commandEntry),
		failureStrategy: func(FailureEvent) FailureMode {
			return FailureModeRecover
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	return server
}

// Register stores handler under spec.Name.
func (s *Server) Register(spec CommandSpec, handler CommandHandler) error {
	if s == nil {
		return fmt.Errorf("rpc server not configured")
	}
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return s.handleRegisterFailure("", ossa.NewError(ossa.ErrConfiguration, "command name required", nil, nil))
	}
	if handler == nil {
		return s.handleRegisterFailure(spec.Name, ossa.NewError(ossa.ErrConfiguration, "command handler required", nil, map[string]any{
			"command": spec.Name,
		}))
	}
	spec.Tags = cloneStrings(spec.Tags)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[spec.Name]; exists {
		return s.handleRegisterFailure(spec.Name, ossa.NewError(ossa.ErrConfiguration,
			fmt.Sprintf("command %q already registered", spec.Name), nil, map[string]any{"command": spec.Name}))
	}
	s.commands[spec.Name] = commandEntry{spec: spec, handler: handler}
	return nil
}

// Unregister removes a command. It reports whether the command existed.
func (s *Server) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.commands[name]
	delete(s.commands, name)
	return ok
}

// Invoke runs the command named by req.Command through the middleware chain.
func (s *Server) Invoke(ctx context.Context, req Request) (out any, err error) {
	if s == nil {
		return nil, fmt.Errorf("rpc server not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.RLock()
	entry, ok := s.commands[req.Command]
	middleware := cloneMiddleware(s.middleware)
	s.mu.RUnlock()
	if !ok {
		return nil, ossa.NewError(ossa.ErrCommandNotFound, fmt.Sprintf("command %q not found", req.Command), nil, map[string]any{
			"command": req.Command,
		})
	}

	defer func() {
		if p := recover(); p != nil {
			panErr := ossa.NewError(ossa.ErrCommandFailed, fmt.Sprintf("command %q panicked: %v", req.Command, p), nil, map[string]any{
				"command": req.Command,
			})
			event := FailureEvent{
				Stage:   FailureStageInvoke,
				Command: req.Command,
				Err:     panErr,
				Panic:   p,
			}
			switch s.failureMode(event) {
			case FailureModeReject:
				panic(p)
			default:
				s.logFailure(event)
				out = nil
				err = panErr
			}
		}
	}()

	invoke := InvokeRequest{
		Command: req.Command,
		Spec:    entry.spec,
		Request: req,
	}
	return applyMiddleware(middleware, entry.handler)(ctx, invoke)
}

// Serve invokes the command and wraps the outcome in a Response.
func (s *Server) Serve(ctx context.Context, req Request) Response {
	start := s.now()
	out, err := s.Invoke(ctx, req)
	res := Response{
		CorrelationID: req.CorrelationID,
		Command:       req.Command,
		Success:       err == nil,
		DurationMs:    s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		res.Error = FromError(err)
	} else {
		res.Output = out
	}
	return res
}

// Command returns the CommandSpec registered under name.
func (s *Server) Command(name string) (CommandSpec, bool) {
	if s == nil {
		return CommandSpec{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.commands[name]
	if !ok {
		return CommandSpec{}, false
	}
	return cloneSpec(entry.spec), true
}

// Commands returns all command specs sorted by name.
func (s *Server) Commands() []CommandSpec {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CommandSpec, 0, len(s.commands))
	for _, entry := range s.commands {
		out = append(out, cloneSpec(entry.spec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return slices.Clone(values)
}

func cloneMiddleware(values []Middleware) []Middleware {
	if len(values) == 0 {
		return nil
	}
	return slices.Clone(values)
}

func cloneSpec(spec CommandSpec) CommandSpec {
	spec.Tags = cloneStrings(spec.Tags)
	return spec
}

func (s *Server) handleRegisterFailure(name string, err error) error {
	event := FailureEvent{
		Stage:   FailureStageRegister,
		Command: name,
		Err:     err,
	}
	switch s.failureMode(event) {
	case FailureModeLogAndContinue:
		s.logFailure(event)
		return nil
	default:
		return err
	}
}

func (s *Server) failureMode(event FailureEvent) FailureMode {
	if s == nil || s.failureStrategy == nil {
		return FailureModeRecover
	}
	return s.failureStrategy(event)
}

func (s *Server) logFailure(event FailureEvent) {
	if s == nil || s.failureLogger == nil {
		return
	}
	s.failureLogger(event)
}
