package broker

import (
	"context"
	"maps"
	"time"
)

// Priority orders subscriptions and retry re-emission.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// DeliveryGuarantee selects whether failed deliveries are retried.
// ExactlyOnce is accepted and behaves as AtLeastOnce.
type DeliveryGuarantee string

const (
	AtMostOnce  DeliveryGuarantee = "at_most_once"
	AtLeastOnce DeliveryGuarantee = "at_least_once"
	ExactlyOnce DeliveryGuarantee = "exactly_once"
)

// AckMode selects who acknowledges a delivery.
type AckMode string

const (
	AckAuto   AckMode = "auto"
	AckManual AckMode = "manual"
)

const (
	HeaderResponseChannel = "x-response-channel"
	DefaultContentType    = "application/json"
)

// Metadata travels with every envelope.
type Metadata struct {
	CorrelationID string            `json:"correlationId,omitempty"`
	Priority      Priority          `json:"priority"`
	TTLSeconds    int               `json:"ttlSeconds,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	RetryCount    int               `json:"retryCount"`
	Delivery      DeliveryGuarantee `json:"deliveryGuarantee,omitempty"`
}

// Envelope is the unit the broker moves. It is immutable once published;
// handlers receive copies.
type Envelope struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Channel   string    `json:"channel"`
	Payload   any       `json:"payload"`
	Metadata  Metadata  `json:"metadata"`
}

// Header returns a metadata header.
func (e Envelope) Header(name string) string {
	return e.Metadata.Headers[name]
}

func (e Envelope) clone() Envelope {
	out := e
	out.Metadata.Headers = maps.Clone(e.Metadata.Headers)
	return out
}

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// Filter decides whether a subscription receives an envelope.
type Filter func(env Envelope) bool

// SubscribeOptions tune one subscription.
type SubscribeOptions struct {
	MaxConcurrency int
	Priority       Priority
	AckMode        AckMode
	AckTimeout     time.Duration
	Filter         Filter
}

// MessageState is the lifecycle of a queued message.
type MessageState string

const (
	StatePending      MessageState = "pending"
	StateProcessing   MessageState = "processing"
	StateAcknowledged MessageState = "acknowledged"
	StateDeadLettered MessageState = "dead_lettered"
	StateExpired      MessageState = "expired"
)

// ChannelSpec declares a channel ahead of traffic.
type ChannelSpec struct {
	Name        string         `json:"name" yaml:"name"`
	ContentType string         `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// ChannelStats is a point-in-time view of one channel.
type ChannelStats struct {
	Name              string         `json:"name"`
	ContentType       string         `json:"contentType"`
	Schema            map[string]any `json:"schema,omitempty"`
	SubscriptionCount int            `json:"subscriptionCount"`
	Published         int64          `json:"published"`
	Delivered         int64          `json:"delivered"`
	Acknowledged      int64          `json:"acknowledged"`
	Failed            int64          `json:"failed"`
	DeadLettered      int64          `json:"deadLettered"`
	Expired           int64          `json:"expired"`
	Pending           int            `json:"pending"`
	CreatedAt         time.Time      `json:"createdAt"`
	LastMessageAt     time.Time      `json:"lastMessageAt,omitempty"`
}

// SubscriptionStats is a point-in-time view of one subscription.
type SubscriptionStats struct {
	ID                 string   `json:"id"`
	Channel            string   `json:"channel"`
	AckMode            AckMode  `json:"ackMode"`
	Priority           Priority `json:"priority"`
	MaxConcurrency     int      `json:"maxConcurrency"`
	CurrentConcurrency int      `json:"currentConcurrency"`
	Processed          int64    `json:"processed"`
	Errors             int64    `json:"errors"`
}

// HealthStatus is healthy while connected.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

type Health struct {
	Status          HealthStatus `json:"status"`
	Connections     int          `json:"connections"`
	Channels        int          `json:"channels"`
	Subscriptions   int          `json:"subscriptions"`
	PendingMessages int          `json:"pendingMessages"`
	UptimeMs        int64        `json:"uptimeMs"`
	Timestamp       time.Time    `json:"timestamp"`
}

// DeadLetter is a message that exhausted its retries.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	StartedAt    time.Time
	FinishedAt   time.Time
	Retried      int
	Redelivered  int
	AckTimeouts  int
	DeadLettered int
	Expired      int
	Purged       int
}

// Broker is the pub/sub contract the messaging layer builds on.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, channel string, env Envelope) (string, error)
	Subscribe(channel string, handler Handler, opts SubscribeOptions) (string, error)
	Unsubscribe(id string) error
	Acknowledge(messageID string, success bool) error
	Health() Health
	ChannelStats(channel string) (ChannelStats, bool)
}
