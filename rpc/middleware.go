package rpc

import (
	"context"
	"time"

	"github.com/goliatone/go-ossa"
)

// InvokeRequest carries the command spec and request through middleware.
type InvokeRequest struct {
	Command string
	Spec    CommandSpec
	Request Request
}

// InvokeHandler executes one invoke step in a middleware chain.
type InvokeHandler func(context.Context, InvokeRequest) (any, error)

// Middleware wraps invoke execution with cross-cutting behavior.
type Middleware func(next InvokeHandler) InvokeHandler

func applyMiddleware(middleware []Middleware, handler CommandHandler) InvokeHandler {
	next := func(ctx context.Context, req InvokeRequest) (any, error) {
		return handler(ctx, req.Request)
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		current := middleware[i]
		if current == nil {
			continue
		}
		next = current(next)
	}
	return next
}

// Timeout bounds each invoke by the command spec timeout, or by fallback
// when the CommandSpec does not set one.
func Timeout(fallback time.Duration) Middleware {
	return func(next InvokeHandler) InvokeHandler {
		return func(ctx context.Context, req InvokeRequest) (any, error) {
			limit := req.Spec.Timeout
			if limit <= 0 {
				limit = fallback
			}
			if limit <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Logging logs the outcome and duration of every invoke.
func Logging(logger ossa.Logger) Middleware {
	logger = ossa.NormalizeLogger(logger)
	return func(next InvokeHandler) InvokeHandler {
		return func(ctx context.Context, req InvokeRequest) (any, error) {
			start := time.Now()
			out, err := next(ctx, req)
			log := ossa.WithFields(logger, map[string]any{
				"command":        req.Command,
				"correlation_id": req.Request.CorrelationID,
				"duration_ms":    time.Since(start).Milliseconds(),
			})
			if err != nil {
				log.Warn("command failed: %v", err)
			} else {
				log.Debug("command served")
			}
			return out, err
		}
	}
}
