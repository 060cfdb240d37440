package broker

import (
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/runner"
)

const (
	DefaultTTL            = 3600 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultAckTimeout     = 30 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultMaxConcurrency = 10
)

// DefaultRetryPolicy bounds failed deliveries. For messages MaxAttempts is
// the retry count at which a message is dead-lettered.
var DefaultRetryPolicy = runner.Policy{
	MaxAttempts: 3,
	Backoff:     runner.BackoffExponential,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	Multiplier:  2,
}

// Option configures a MemoryBroker.
type Option func(*MemoryBroker)

func WithLogger(l ossa.Logger) Option {
	return func(b *MemoryBroker) {
		b.logger = ossa.NormalizeLogger(l)
	}
}

func WithRetryPolicy(p runner.Policy) Option {
	return func(b *MemoryBroker) {
		if p.MaxAttempts > 0 {
			b.retry = p
		}
	}
}

// WithDefaultTTL applies to envelopes that do not set ttlSeconds.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(b *MemoryBroker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithSweepInterval sets the background sweep cadence. Zero disables the
// scheduled sweep; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(b *MemoryBroker) {
		if d >= 0 {
			b.sweepInterval = d
		}
	}
}

// WithSweepSchedule runs the sweep on a cron expression with a seconds
// field, e.g. "*/5 * * * * *" or "@every 2s". It takes precedence over
// the sweep interval.
func WithSweepSchedule(expression string) Option {
	return func(b *MemoryBroker) {
		b.sweepSchedule = expression
	}
}

func WithAckTimeout(d time.Duration) Option {
	return func(b *MemoryBroker) {
		if d > 0 {
			b.ackTimeout = d
		}
	}
}

// WithMaxConcurrency sets the in-flight limit for subscriptions that do not
// choose one.
func WithMaxConcurrency(n int) Option {
	return func(b *MemoryBroker) {
		if n > 0 {
			b.maxConcurrency = n
		}
	}
}

// WithGracePeriod bounds how long Disconnect waits for pending acks.
func WithGracePeriod(d time.Duration) Option {
	return func(b *MemoryBroker) {
		if d >= 0 {
			b.grace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *MemoryBroker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithMetrics toggles OpenTelemetry instruments.
func WithMetrics(enabled bool) Option {
	return func(b *MemoryBroker) {
		b.metricsEnabled = enabled
	}
}
