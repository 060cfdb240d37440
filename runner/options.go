package runner

import (
	"time"

	"github.com/goliatone/go-ossa"
)

type Option func(*Handler)

// WithTimeout bounds every attempt. Zero disables the per-attempt timeout.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		if t >= 0 {
			r.timeout = t
		}
	}
}

// WithNoTimeout clears any configured attempt timeout.
func WithNoTimeout() Option {
	return func(r *Handler) {
		r.timeout = 0
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max >= 0 {
			r.maxRetries = max
		}
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l ossa.Logger) Option {
	return func(r *Handler) {
		r.logger = ossa.NormalizeLogger(l)
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		if s != nil {
			r.retryStrategy = s
		}
	}
}

// WithPolicy sets retries and backoff from a Policy.
func WithPolicy(p Policy) Option {
	return func(r *Handler) {
		if p.MaxAttempts >= 0 {
			r.maxRetries = p.MaxAttempts
		}
		r.retryStrategy = p.Strategy()
	}
}

// WithAttemptName labels log lines and recovered panics.
func WithAttemptName(name string) Option {
	return func(r *Handler) {
		if name != "" {
			r.name = name
		}
	}
}

// WithSleep overrides the wait between retries.
func WithSleep(fn SleepFunc) Option {
	return func(r *Handler) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithRetryable stops retrying as soon as fn reports false for an attempt error.
func WithRetryable(fn func(error) bool) Option {
	return func(r *Handler) {
		r.retryable = fn
	}
}
