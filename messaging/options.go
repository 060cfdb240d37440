package messaging

import (
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/broker"
	"github.com/goliatone/go-ossa/rpc"
)

const (
	DefaultSource         = "ossa"
	DefaultCommandTimeout = 30 * time.Second
)

// PublishOptions tune one publish.
type PublishOptions struct {
	Source        string
	CorrelationID string
	Priority      broker.Priority
	TTL           time.Duration
	ContentType   string
	Headers       map[string]string
	Delivery      broker.DeliveryGuarantee
}

// SubscribeOptions extend broker subscription options with an optional
// schema checked on every delivery. Without one the channel's registered
// schema applies.
type SubscribeOptions struct {
	broker.SubscribeOptions
	Schema map[string]any
}

// CommandOptions tune one SendCommand call.
type CommandOptions struct {
	Timeout  time.Duration
	Priority broker.Priority
	Headers  map[string]string
}

type Option func(*Service)

// WithSource names this service on the bus. Replies to commands it sends
// arrive on "<source>.responses" and handlers it registers listen on
// "<source>.commands.<name>".
func WithSource(source string) Option {
	return func(s *Service) {
		if source != "" {
			s.source = source
		}
	}
}

func WithLogger(l ossa.Logger) Option {
	return func(s *Service) {
		s.logger = ossa.NormalizeLogger(l)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.commandTimeout = d
		}
	}
}

// WithMetricsWindow sets how many latency samples feed the percentiles.
func WithMetricsWindow(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.metricsWindow = n
		}
	}
}

func WithEMAAlpha(alpha float64) Option {
	return func(s *Service) {
		if alpha > 0 && alpha <= 1 {
			s.emaAlpha = alpha
		}
	}
}

// WithTelemetry toggles OpenTelemetry instruments and spans.
func WithTelemetry(enabled bool) Option {
	return func(s *Service) {
		s.telemetry = enabled
	}
}

// WithCommandMiddleware wraps every served command.
func WithCommandMiddleware(mw ...rpc.Middleware) Option {
	return func(s *Service) {
		s.middleware = append(s.middleware, mw...)
	}
}
