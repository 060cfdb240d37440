package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/cron"
	"github.com/goliatone/go-ossa/runner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnected
	stateDraining
)

type channel struct {
	name        string
	contentType string
	schema      map[string]any
	createdAt   time.Time
	lastMessage time.Time

	published    int64
	delivered    int64
	acknowledged int64
	failed       int64
	deadLettered int64
	expired      int64

	queue map[string]*queuedMessage
	order []string
}

type queuedMessage struct {
	env         Envelope
	state       MessageState
	enqueuedAt  time.Time
	expiresAt   time.Time
	retryCount  int
	nextRetryAt time.Time
	deferred    map[string]struct{}
	seq         uint64
}

type subscription struct {
	id      string
	channel string
	handler Handler
	opts    SubscribeOptions
	seq     uint64

	current   int
	processed int64
	errors    int64
}

type pendingAck struct {
	messageID      string
	channel        string
	subscriptionID string
	deadline       time.Time
}

// MemoryBroker is an in-process Broker. Publishing fans the envelope out to
// matching subscriptions right away; the per-channel queue only tracks
// acknowledgment, retry, expiry and dead-lettering. A scheduled sweep
// re-emits due retries, expires old messages and fails overdue acks.
//
// Acknowledgment is tracked per message, not per subscription: on a channel
// with several subscribers the first resolution wins, so a failure in one
// handler can be masked by another handler's success. Failure handling on
// multi-subscriber channels is best-effort.
type MemoryBroker struct {
	mu sync.Mutex

	logger         ossa.Logger
	tracer         trace.Tracer
	retry          runner.Policy
	ttl            time.Duration
	sweepInterval  time.Duration
	sweepSchedule  string
	ackTimeout     time.Duration
	maxConcurrency int
	grace          time.Duration
	now            func() time.Time
	metricsEnabled bool

	state       connState
	connectedAt time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	scheduler   *cron.Scheduler
	inflight    sync.WaitGroup

	seq         uint64
	channels    map[string]*channel
	subs        map[string]*subscription
	pending     map[string]*pendingAck
	messages    map[string]*queuedMessage
	deadLetters map[string]DeadLetter
}

var _ Broker = (*MemoryBroker)(nil)

func NewMemoryBroker(opts ...Option) *MemoryBroker {
	b := &MemoryBroker{
		logger:         ossa.NormalizeLogger(nil),
		tracer:         otel.Tracer("go-ossa/broker"),
		retry:          DefaultRetryPolicy,
		ttl:            DefaultTTL,
		sweepInterval:  DefaultSweepInterval,
		ackTimeout:     DefaultAckTimeout,
		maxConcurrency: DefaultMaxConcurrency,
		grace:          DefaultGracePeriod,
		now:            time.Now,
		metricsEnabled: true,
		channels:       make(map[string]*channel),
		subs:           make(map[string]*subscription),
		pending:        make(map[string]*pendingAck),
		messages:       make(map[string]*queuedMessage),
		deadLetters:    make(map[string]DeadLetter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.metricsEnabled {
		initBrokerMetrics()
	}
	return b
}

// Connect starts the broker and its sweep schedule. Connecting twice is a no-op.
func (b *MemoryBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateConnected {
		return nil
	}
	if b.state == stateDraining {
		return ossa.NewError(ossa.ErrNotConnected, "broker is disconnecting", nil, nil)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.connectedAt = b.now()

	if b.sweepSchedule != "" || b.sweepInterval > 0 {
		b.scheduler = cron.NewScheduler(
			cron.WithLogger(b.logger),
			cron.WithParser(cron.SecondsParser),
			cron.WithErrorHandler(func(err error) {
				b.logger.Error("broker sweep failed: %v", err)
			}),
		)
		job := func(ctx context.Context) error {
			b.Sweep(ctx)
			return nil
		}
		var err error
		if b.sweepSchedule != "" {
			_, err = b.scheduler.ScheduleCron(b.sweepSchedule, cron.JobConfig{Name: "broker-sweep"}, job)
		} else {
			_, err = b.scheduler.ScheduleEvery(b.sweepInterval, cron.JobConfig{Name: "broker-sweep"}, job)
		}
		if err != nil {
			b.cancel()
			return ossa.NewError(ossa.ErrConfiguration, "schedule broker sweep", err, nil)
		}
		if err := b.scheduler.Start(ctx); err != nil {
			b.cancel()
			return ossa.NewError(ossa.ErrConfiguration, "start broker sweep", err, nil)
		}
	}

	b.state = stateConnected
	b.logger.Info("broker connected")
	return nil
}

// Disconnect stops the sweep, waits up to the grace period for pending
// acknowledgments and in-flight handlers, then tears down every
// subscription. Queued messages and dead letters are kept.
func (b *MemoryBroker) Disconnect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.state != stateConnected {
		b.mu.Unlock()
		return nil
	}
	b.state = stateDraining
	scheduler := b.scheduler
	b.scheduler = nil
	b.mu.Unlock()

	if scheduler != nil {
		stopCtx, cancel := context.WithTimeout(ctx, b.grace+time.Second)
		if err := scheduler.Stop(stopCtx); err != nil {
			b.logger.Warn("broker sweep did not stop cleanly: %v", err)
		}
		cancel()
	}

	drained := b.drain(ctx)

	b.mu.Lock()
	remaining := len(b.pending)
	b.subs = make(map[string]*subscription)
	b.pending = make(map[string]*pendingAck)
	for _, qm := range b.messages {
		if qm.state == StateProcessing {
			qm.state = StatePending
		}
	}
	b.state = stateDisconnected
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !drained {
		b.logger.Warn("broker disconnected with %d pending acknowledgments", remaining)
	} else {
		b.logger.Info("broker disconnected")
	}
	return nil
}

func (b *MemoryBroker) drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	handlersDone := false
	for {
		b.mu.Lock()
		pending := len(b.pending)
		b.mu.Unlock()
		if pending == 0 && handlersDone {
			return true
		}
		select {
		case <-done:
			handlersDone = true
			done = nil
		case <-ticker.C:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Publish enqueues env on channel and delivers it to matching subscriptions.
// It returns the message id.
func (b *MemoryBroker) Publish(ctx context.Context, channelName string, env Envelope) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	channelName = strings.TrimSpace(channelName)
	if channelName == "" {
		return "", ossa.NewError(ossa.ErrConfiguration, "channel is required", nil, nil)
	}
	if IsPattern(channelName) {
		return "", ossa.NewError(ossa.ErrConfiguration, "cannot publish to wildcard channel "+channelName, nil, nil)
	}

	_, span := b.tracer.Start(ctx, "broker.publish", trace.WithAttributes(
		attribute.String("ossa.channel", channelName),
	))
	defer span.End()

	b.mu.Lock()
	if b.state != stateConnected {
		b.mu.Unlock()
		return "", ossa.NewError(ossa.ErrNotConnected, "broker is not connected", nil, map[string]any{
			"channel": channelName,
		})
	}

	now := b.now()
	env = b.normalize(channelName, env, now)
	if b.idInUseLocked(env.ID) {
		b.mu.Unlock()
		err := ossa.NewError(ossa.ErrValidation, "message id "+env.ID+" is already in use", nil, map[string]any{
			"channel":    channelName,
			"message_id": env.ID,
		})
		span.RecordError(err)
		return "", err
	}
	ttl := time.Duration(env.Metadata.TTLSeconds) * time.Second

	ch := b.channelLocked(channelName, now)
	ch.published++
	ch.lastMessage = now

	b.seq++
	qm := &queuedMessage{
		env:        env,
		state:      StatePending,
		enqueuedAt: now,
		expiresAt:  now.Add(ttl),
		seq:        b.seq,
	}
	ch.queue[env.ID] = qm
	ch.order = append(ch.order, env.ID)
	b.messages[env.ID] = qm
	targets := b.matchingLocked(channelName)
	b.mu.Unlock()

	span.SetAttributes(
		attribute.String("ossa.message.id", env.ID),
		attribute.Int("ossa.subscriptions", len(targets)),
	)
	b.recordMessage(channelName, "published")
	b.logger.Debug("published %s on %s to %d subscriptions", env.ID, channelName, len(targets))

	b.deliver(qm, targets)
	return env.ID, nil
}

// idInUseLocked reports whether id is tracked as a queued or dead-lettered message.
func (b *MemoryBroker) idInUseLocked(id string) bool {
	if _, ok := b.messages[id]; ok {
		return true
	}
	_, ok := b.deadLetters[id]
	return ok
}

func (b *MemoryBroker) normalize(channelName string, env Envelope, now time.Time) Envelope {
	env = env.clone()
	if env.ID == "" {
		env.ID = ossa.NewID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	env.Channel = channelName
	if env.Metadata.Priority == "" {
		env.Metadata.Priority = PriorityNormal
	}
	if env.Metadata.TTLSeconds <= 0 {
		env.Metadata.TTLSeconds = int(b.ttl / time.Second)
	}
	if env.Metadata.ContentType == "" {
		env.Metadata.ContentType = DefaultContentType
	}
	if env.Metadata.Delivery == "" {
		env.Metadata.Delivery = AtLeastOnce
	}
	env.Metadata.RetryCount = 0
	return env
}

// DeclareChannel creates or updates a channel ahead of traffic.
func (b *MemoryBroker) DeclareChannel(spec ChannelSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" || IsPattern(name) {
		return ossa.NewError(ossa.ErrConfiguration, "invalid channel name "+spec.Name, nil, nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.channelLocked(name, b.now())
	if spec.ContentType != "" {
		ch.contentType = spec.ContentType
	}
	if spec.Schema != nil {
		ch.schema = spec.Schema
	}
	return nil
}

func (b *MemoryBroker) channelLocked(name string, now time.Time) *channel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &channel{
			name:        name,
			contentType: DefaultContentType,
			createdAt:   now,
			queue:       make(map[string]*queuedMessage),
		}
		b.channels[name] = ch
	}
	return ch
}

// matchingLocked returns subscriptions for channelName ordered by priority,
// then by subscription order.
func (b *MemoryBroker) matchingLocked(channelName string) []*subscription {
	var out []*subscription
	for _, s := range b.subs {
		if MatchChannel(s.channel, channelName) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].opts.Priority.rank(), out[j].opts.Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Subscribe registers handler on a channel or wildcard pattern.
func (b *MemoryBroker) Subscribe(channelName string, handler Handler, opts SubscribeOptions) (string, error) {
	channelName = strings.TrimSpace(channelName)
	if channelName == "" {
		return "", ossa.NewError(ossa.ErrConfiguration, "channel is required", nil, nil)
	}
	if handler == nil {
		return "", ossa.NewError(ossa.ErrConfiguration, "handler is required", nil, map[string]any{
			"channel": channelName,
		})
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = b.maxConcurrency
	}
	if opts.AckMode == "" {
		opts.AckMode = AckAuto
	}
	if opts.AckMode != AckAuto && opts.AckMode != AckManual {
		return "", ossa.NewError(ossa.ErrConfiguration, "unknown ack mode "+string(opts.AckMode), nil, nil)
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = b.ackTimeout
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateConnected {
		return "", ossa.NewError(ossa.ErrNotConnected, "broker is not connected", nil, map[string]any{
			"channel": channelName,
		})
	}
	b.seq++
	s := &subscription{
		id:      ossa.NewID(),
		channel: channelName,
		handler: handler,
		opts:    opts,
		seq:     b.seq,
	}
	b.subs[s.id] = s
	if !IsPattern(channelName) {
		b.channelLocked(channelName, b.now())
	}
	b.logger.Debug("subscription %s on %s", s.id, channelName)
	return s.id, nil
}

// Unsubscribe stops new deliveries to the subscription. Deliveries already
// running complete and release their slot.
func (b *MemoryBroker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return ossa.NewError(ossa.ErrSubscriptionNotFound, "subscription "+id+" not found", nil, map[string]any{
			"subscription_id": id,
		})
	}
	delete(b.subs, id)
	for _, qm := range b.messages {
		delete(qm.deferred, id)
	}
	return nil
}

// deliver hands qm to each target with a free slot that accepts it.
// Targets at their concurrency limit get the message on a later sweep.
func (b *MemoryBroker) deliver(qm *queuedMessage, targets []*subscription) {
	for _, s := range targets {
		if s.opts.Filter != nil && !s.opts.Filter(qm.env.clone()) {
			continue
		}
		b.dispatch(qm, s)
	}
}

func (b *MemoryBroker) dispatch(qm *queuedMessage, s *subscription) {
	b.mu.Lock()
	if b.state == stateDisconnected {
		b.mu.Unlock()
		return
	}
	if _, live := b.subs[s.id]; !live {
		b.mu.Unlock()
		return
	}
	if !deliverable(qm, s.id) {
		b.mu.Unlock()
		return
	}
	if s.current >= s.opts.MaxConcurrency {
		if qm.deferred == nil {
			qm.deferred = make(map[string]struct{})
		}
		qm.deferred[s.id] = struct{}{}
		b.mu.Unlock()
		b.logger.Debug("deferred %s for subscription %s: at max concurrency", qm.env.ID, s.id)
		return
	}
	delete(qm.deferred, s.id)
	s.current++

	atMostOnce := qm.env.Metadata.Delivery == AtMostOnce
	if atMostOnce {
		qm.state = StateAcknowledged
	} else {
		qm.state = StateProcessing
		if _, tracked := b.pending[qm.env.ID]; !tracked {
			b.pending[qm.env.ID] = &pendingAck{
				messageID:      qm.env.ID,
				channel:        qm.env.Channel,
				subscriptionID: s.id,
				deadline:       b.now().Add(s.opts.AckTimeout),
			}
		}
	}
	if ch, ok := b.channels[qm.env.Channel]; ok {
		ch.delivered++
	}
	env := qm.env.clone()
	env.Metadata.RetryCount = qm.retryCount
	ctx := b.ctx
	b.inflight.Add(1)
	b.mu.Unlock()

	go b.invoke(ctx, s, env, atMostOnce)
}

// deliverable reports whether qm may still go to subscription id. An
// acknowledged message still reaches subscriptions it was deferred for.
func deliverable(qm *queuedMessage, id string) bool {
	switch qm.state {
	case StatePending, StateProcessing:
		return true
	case StateAcknowledged:
		_, ok := qm.deferred[id]
		return ok
	}
	return false
}

func (b *MemoryBroker) invoke(ctx context.Context, s *subscription, env Envelope, atMostOnce bool) {
	defer b.inflight.Done()

	err := ossa.SafeCall("subscription "+s.id, ossa.ErrDelivery, ossa.LoggerPanicLogger(b.logger), func() error {
		return s.handler(ctx, env)
	})

	b.mu.Lock()
	s.current--
	if err != nil {
		s.errors++
	} else {
		s.processed++
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("handler for %s on %s failed: %v", env.ID, env.Channel, err)
		b.recordMessage(env.Channel, "handler_error")
	} else {
		b.recordMessage(env.Channel, "delivered")
	}

	if atMostOnce || s.opts.AckMode != AckAuto {
		return
	}
	if ackErr := b.Acknowledge(env.ID, err == nil); ackErr != nil {
		b.logger.Debug("auto ack for %s: %v", env.ID, ackErr)
	}
}

// Acknowledge resolves the pending acknowledgment of a message. A failed
// acknowledgment schedules a retry or dead-letters the message. Resolving
// an already resolved message is a no-op.
func (b *MemoryBroker) Acknowledge(messageID string, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[messageID]; !ok {
		if _, known := b.messages[messageID]; known {
			return nil
		}
		if _, dead := b.deadLetters[messageID]; dead {
			return nil
		}
		return ossa.NewError(ossa.ErrDelivery, "message "+messageID+" is not awaiting acknowledgment", nil, map[string]any{
			"message_id": messageID,
		})
	}

	if success {
		delete(b.pending, messageID)
		qm := b.messages[messageID]
		if qm != nil {
			qm.state = StateAcknowledged
			if ch, ok := b.channels[qm.env.Channel]; ok {
				ch.acknowledged++
			}
		}
		return nil
	}
	b.failLocked(messageID, "negative acknowledgment")
	return nil
}

// failLocked resolves a pending ack as failed: bump retryCount and either
// schedule the next attempt or move the message to the dead-letter store.
func (b *MemoryBroker) failLocked(messageID, reason string) (deadLettered bool) {
	delete(b.pending, messageID)
	qm := b.messages[messageID]
	if qm == nil {
		return false
	}
	now := b.now()
	ch := b.channels[qm.env.Channel]
	if ch != nil {
		ch.failed++
	}

	qm.retryCount++
	qm.env.Metadata.RetryCount = qm.retryCount
	if qm.retryCount < b.retry.MaxAttempts {
		qm.state = StatePending
		qm.nextRetryAt = now.Add(b.retry.Delay(qm.retryCount))
		b.logger.Debug("message %s retry %d scheduled at %s", messageID, qm.retryCount, qm.nextRetryAt)
		return false
	}

	qm.state = StateDeadLettered
	qm.deferred = nil
	b.deadLetters[messageID] = DeadLetter{
		Envelope: qm.env.clone(),
		Reason:   fmt.Sprintf("%s after %d attempts", reason, qm.retryCount),
		At:       now,
	}
	b.removeLocked(qm)
	if ch != nil {
		ch.deadLettered++
	}
	b.recordMessage(qm.env.Channel, "dead_lettered")
	b.logger.Warn("message %s dead-lettered after %d attempts", messageID, qm.retryCount)
	return true
}

func (b *MemoryBroker) removeLocked(qm *queuedMessage) {
	delete(b.messages, qm.env.ID)
	ch := b.channels[qm.env.Channel]
	if ch == nil {
		return
	}
	delete(ch.queue, qm.env.ID)
	for i, id := range ch.order {
		if id == qm.env.ID {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}
}

// Health reports connection state and queue sizes.
func (b *MemoryBroker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	h := Health{
		Status:          Unhealthy,
		Channels:        len(b.channels),
		Subscriptions:   len(b.subs),
		PendingMessages: b.pendingCountLocked(),
		Timestamp:       now,
	}
	if b.state == stateConnected {
		h.Status = Healthy
		h.Connections = 1
		h.UptimeMs = now.Sub(b.connectedAt).Milliseconds()
	}
	return h
}

func (b *MemoryBroker) pendingCountLocked() int {
	n := 0
	for _, qm := range b.messages {
		if qm.state == StatePending || qm.state == StateProcessing {
			n++
		}
	}
	return n
}

func (b *MemoryBroker) ChannelStats(name string) (ChannelStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		return ChannelStats{}, false
	}
	stats := ChannelStats{
		Name:          ch.name,
		ContentType:   ch.contentType,
		Schema:        ch.schema,
		Published:     ch.published,
		Delivered:     ch.delivered,
		Acknowledged:  ch.acknowledged,
		Failed:        ch.failed,
		DeadLettered:  ch.deadLettered,
		Expired:       ch.expired,
		CreatedAt:     ch.createdAt,
		LastMessageAt: ch.lastMessage,
	}
	for _, s := range b.subs {
		if MatchChannel(s.channel, name) {
			stats.SubscriptionCount++
		}
	}
	for _, qm := range ch.queue {
		if qm.state == StatePending || qm.state == StateProcessing {
			stats.Pending++
		}
	}
	return stats, true
}

// Channels lists known channel names in order.
func (b *MemoryBroker) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.channels))
	for name := range b.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DeadLetters returns dead-lettered messages, oldest first.
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, 0, len(b.deadLetters))
	for _, dl := range b.deadLetters {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Envelope.ID < out[j].Envelope.ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

func (b *MemoryBroker) SubscriptionStats(id string) (SubscriptionStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return SubscriptionStats{}, false
	}
	return SubscriptionStats{
		ID:                 s.id,
		Channel:            s.channel,
		AckMode:            s.opts.AckMode,
		Priority:           s.opts.Priority,
		MaxConcurrency:     s.opts.MaxConcurrency,
		CurrentConcurrency: s.current,
		Processed:          s.processed,
		Errors:             s.errors,
	}, true
}

// MessageState reports the state of a queued or dead-lettered message.
func (b *MemoryBroker) MessageState(id string) (MessageState, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qm, ok := b.messages[id]; ok {
		return qm.state, qm.retryCount, true
	}
	if dl, ok := b.deadLetters[id]; ok {
		return StateDeadLettered, dl.Envelope.Metadata.RetryCount, true
	}
	return "", 0, false
}

// Connected reports whether the broker accepts traffic.
func (b *MemoryBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateConnected
}
