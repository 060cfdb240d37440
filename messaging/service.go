package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/broker"
	"github.com/goliatone/go-ossa/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type channelDeclarer interface {
	DeclareChannel(spec broker.ChannelSpec) error
}

type subscriptionInfo struct {
	channel   string
	schemaKey string
}

// Service puts schema validation and command RPC in front of a Broker.
type Service struct {
	mu sync.Mutex

	broker         broker.Broker
	source         string
	logger         ossa.Logger
	tracer         trace.Tracer
	now            func() time.Time
	commandTimeout time.Duration
	metricsWindow  int
	emaAlpha       float64
	telemetry      bool
	middleware     []rpc.Middleware
	ownsBroker     bool

	started      bool
	schemas      *SchemaRegistry
	channels     map[string]broker.ChannelSpec
	subs         map[string]subscriptionInfo
	commands     *rpc.Server
	commandSpecs map[string]rpc.CommandSpec
	commandSubs  map[string]string
	metrics      *rollingMetrics
}

func NewService(b broker.Broker, opts ...Option) *Service {
	s := &Service{
		broker:         b,
		source:         DefaultSource,
		logger:         ossa.NormalizeLogger(nil),
		tracer:         otel.Tracer("go-ossa/messaging"),
		now:            time.Now,
		commandTimeout: DefaultCommandTimeout,
		metricsWindow:  DefaultMetricsWindow,
		emaAlpha:       DefaultEMAAlpha,
		telemetry:      true,
		ownsBroker:     true,
		schemas:        NewSchemaRegistry(),
		channels:       make(map[string]broker.ChannelSpec),
		subs:           make(map[string]subscriptionInfo),
		commandSpecs:   make(map[string]rpc.CommandSpec),
		commandSubs:    make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = ossa.WithFields(s.logger, map[string]any{"source": s.source})
	s.metrics = newRollingMetrics(s.metricsWindow, s.emaAlpha, s.telemetry)

	mw := append([]rpc.Middleware{rpc.Logging(s.logger), rpc.Timeout(s.commandTimeout)}, s.middleware...)
	s.commands = rpc.NewServer(
		rpc.WithMiddleware(mw...),
		rpc.WithClock(s.now),
		rpc.WithFailureLogger(func(event rpc.FailureEvent) {
			s.logger.Error("command %s %s failure: %v", event.Command, event.Stage, event.Err)
		}),
	)
	return s
}

// WithSharedBroker leaves the broker connected on Stop.
func WithSharedBroker() Option {
	return func(s *Service) {
		s.ownsBroker = false
	}
}

func (s *Service) Source() string { return s.source }

// Start connects the broker.
func (s *Service) Start(ctx context.Context) error {
	if s.broker == nil {
		return ossa.NewError(ossa.ErrConfiguration, "messaging service has no broker", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.broker.Connect(ctx); err != nil {
		return err
	}
	for _, spec := range s.channels {
		s.declare(spec)
	}
	s.started = true
	s.logger.Info("messaging service started")
	return nil
}

// Stop tears down every subscription the service made and disconnects the
// broker unless it is shared.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	ids := make([]string, 0, len(s.subs))
	for id, info := range s.subs {
		ids = append(ids, id)
		if info.schemaKey != "" && !strings.HasPrefix(info.schemaKey, channelPrefix) {
			s.schemas.Remove(info.schemaKey)
		}
	}
	s.subs = make(map[string]subscriptionInfo)
	for _, id := range s.commandSubs {
		ids = append(ids, id)
	}
	s.commandSubs = make(map[string]string)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.broker.Unsubscribe(id); err != nil {
			s.logger.Debug("unsubscribe %s on stop: %v", id, err)
		}
	}
	if s.ownsBroker {
		if err := s.broker.Disconnect(ctx); err != nil {
			return err
		}
	}
	s.logger.Info("messaging service stopped")
	return nil
}

func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Service) requireStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ossa.NewError(ossa.ErrNotConnected, "messaging service is not started", nil, map[string]any{
			"source": s.source,
		})
	}
	return nil
}

const channelPrefix = "channel:"

func channelSchemaKey(channel string) string { return channelPrefix + channel }

// RegisterChannel declares a channel and compiles its schema.
func (s *Service) RegisterChannel(spec broker.ChannelSpec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return ossa.NewError(ossa.ErrConfiguration, "channel name is required", nil, nil)
	}
	if broker.IsPattern(spec.Name) {
		return ossa.NewError(ossa.ErrConfiguration, "cannot register wildcard channel "+spec.Name, nil, map[string]any{
			"channel": spec.Name,
		})
	}
	if err := s.schemas.Register(channelSchemaKey(spec.Name), spec.Schema); err != nil {
		return err
	}

	s.mu.Lock()
	s.channels[spec.Name] = spec
	started := s.started
	s.mu.Unlock()

	if started {
		s.declare(spec)
	}
	return nil
}

func (s *Service) declare(spec broker.ChannelSpec) {
	if d, ok := s.broker.(channelDeclarer); ok {
		if err := d.DeclareChannel(spec); err != nil {
			s.logger.Warn("declare channel %s: %v", spec.Name, err)
		}
	}
}

// Channels lists registered channel declarations by name.
func (s *Service) Channels() []broker.ChannelSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.ChannelSpec, 0, len(s.channels))
	for _, spec := range s.channels {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterManifest registers every published channel, the schema of each
// concrete subscribed channel and every command spec. Command handlers are
// still bound with RegisterCommandHandler.
func (s *Service) RegisterManifest(m Manifest) error {
	if err := ValidateManifest(m); err != nil {
		return err
	}
	for _, p := range m.Publishes {
		if err := s.RegisterChannel(p.ChannelSpec()); err != nil {
			return err
		}
	}
	for _, sub := range m.Subscribes {
		if sub.Schema == nil || broker.IsPattern(sub.Channel) {
			continue
		}
		s.mu.Lock()
		_, declared := s.channels[sub.Channel]
		s.mu.Unlock()
		if declared {
			continue
		}
		if err := s.RegisterChannel(broker.ChannelSpec{Name: sub.Channel, Schema: sub.Schema}); err != nil {
			return err
		}
	}
	for _, c := range m.Commands {
		if err := s.schemas.Register(inputSchemaKey(c.Name), c.InputSchema); err != nil {
			return err
		}
		if err := s.schemas.Register(outputSchemaKey(c.Name), c.OutputSchema); err != nil {
			return err
		}
		s.mu.Lock()
		s.commandSpecs[c.Name] = c
		s.mu.Unlock()
	}
	s.logger.Info("registered manifest for %q: %d channels, %d commands", m.Agent, len(m.Publishes), len(m.Commands))
	return nil
}

// Publish validates payload against the channel schema and hands it to the
// broker. A payload that fails validation never reaches the broker.
func (s *Service) Publish(ctx context.Context, channel string, payload any, opts PublishOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.requireStarted(); err != nil {
		return "", err
	}
	ctx, span := s.tracer.Start(ctx, "messaging.publish", trace.WithAttributes(
		attribute.String("ossa.channel", channel),
	))
	defer span.End()

	if err := s.schemas.Validate(channelSchemaKey(channel), payload); err != nil {
		s.metrics.count("rejected", channel, s.now())
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema validation failed")
		s.logger.Warn("rejected publish on %s: %v", channel, err)
		return "", err
	}

	source := opts.Source
	if source == "" {
		source = s.source
	}
	env := broker.Envelope{
		Source:  source,
		Payload: payload,
		Metadata: broker.Metadata{
			CorrelationID: opts.CorrelationID,
			Priority:      opts.Priority,
			TTLSeconds:    ttlSeconds(opts.TTL),
			ContentType:   opts.ContentType,
			Headers:       maps.Clone(opts.Headers),
			Delivery:      opts.Delivery,
		},
	}
	if env.Metadata.ContentType == "" {
		s.mu.Lock()
		env.Metadata.ContentType = s.channels[channel].ContentType
		s.mu.Unlock()
	}
	return s.publish(ctx, span, channel, env)
}

func (s *Service) publish(ctx context.Context, span trace.Span, channel string, env broker.Envelope) (string, error) {
	id, err := s.broker.Publish(ctx, channel, env)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "publish failed")
		}
		return "", err
	}
	s.metrics.count("published", channel, s.now())
	return id, nil
}

// Subscribe registers handler on channel. Deliveries that fail the
// subscription or channel schema are logged and skipped.
func (s *Service) Subscribe(channel string, handler broker.Handler, opts SubscribeOptions) (string, error) {
	if err := s.requireStarted(); err != nil {
		return "", err
	}
	if handler == nil {
		return "", ossa.NewError(ossa.ErrConfiguration, "handler is required", nil, map[string]any{
			"channel": channel,
		})
	}

	schemaKey := ""
	if opts.Schema != nil {
		schemaKey = "subscription:" + ossa.NewID()
		if err := s.schemas.Register(schemaKey, opts.Schema); err != nil {
			return "", err
		}
	}
	manual := opts.AckMode == broker.AckManual

	wrapped := func(ctx context.Context, env broker.Envelope) error {
		key := schemaKey
		if key == "" {
			key = channelSchemaKey(env.Channel)
		}
		if err := s.schemas.Validate(key, env.Payload); err != nil {
			s.metrics.count("rejected", env.Channel, s.now())
			ossa.WithFields(s.logger, map[string]any{
				"message_id": env.ID,
				"channel":    env.Channel,
			}).Warn("skipping invalid message: %v", err)
			if manual {
				_ = s.broker.Acknowledge(env.ID, true)
			}
			return nil
		}
		err := handler(ctx, env)
		s.metrics.delivery(env.Channel, s.now().Sub(env.Timestamp), err != nil, s.now())
		return err
	}

	id, err := s.broker.Subscribe(channel, wrapped, opts.SubscribeOptions)
	if err != nil {
		if schemaKey != "" {
			s.schemas.Remove(schemaKey)
		}
		return "", err
	}
	s.mu.Lock()
	s.subs[id] = subscriptionInfo{channel: channel, schemaKey: schemaKey}
	s.mu.Unlock()
	return id, nil
}

func (s *Service) Unsubscribe(id string) error {
	s.mu.Lock()
	info, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok && info.schemaKey != "" {
		s.schemas.Remove(info.schemaKey)
	}
	return s.broker.Unsubscribe(id)
}

// SendCommand publishes a command to target and waits for the correlated
// response, or fails with COMMAND_TIMEOUT. The temporary response
// subscription is removed before SendCommand returns.
func (s *Service) SendCommand(ctx context.Context, target, name string, input any, opts CommandOptions) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.requireStarted(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(target) == "" || strings.TrimSpace(name) == "" {
		return nil, ossa.NewError(ossa.ErrConfiguration, "command target and name are required", nil, nil)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.commandTimeout
	}
	correlationID := ossa.NewID()
	replyChannel := rpc.ResponseChannel(s.source)
	commandChannel := rpc.CommandChannel(target, name)
	log := ossa.WithFields(s.logger, map[string]any{
		"correlation_id": correlationID,
		"channel":        commandChannel,
	})

	ctx, span := s.tracer.Start(ctx, "messaging.command", trace.WithAttributes(
		attribute.String("ossa.command", name),
		attribute.String("ossa.target", target),
		attribute.String("ossa.correlation_id", correlationID),
	))
	defer span.End()

	result := ossa.NewResult[rpc.Response]()
	subID, err := s.broker.Subscribe(replyChannel, func(_ context.Context, env broker.Envelope) error {
		res, err := decodeResponse(env.Payload)
		if err != nil {
			result.StoreError(ossa.NewError(ossa.ErrDelivery, "malformed command response", err, nil))
			return nil
		}
		result.Store(res)
		return nil
	}, broker.SubscribeOptions{
		Priority: broker.PriorityHigh,
		Filter: func(env broker.Envelope) bool {
			return env.Metadata.CorrelationID == correlationID
		},
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.broker.Unsubscribe(subID); err != nil {
			log.Debug("remove response subscription: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	headers := maps.Clone(opts.Headers)
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[broker.HeaderResponseChannel] = replyChannel
	priority := opts.Priority
	if priority == "" {
		priority = broker.PriorityHigh
	}

	req := rpc.Request{
		Command:       name,
		Input:         input,
		CorrelationID: correlationID,
		Source:        s.source,
		ReplyTo:       replyChannel,
		Deadline:      s.now().Add(timeout),
	}
	_, err = s.publish(ctx, span, commandChannel, broker.Envelope{
		Source:  s.source,
		Payload: req,
		Metadata: broker.Metadata{
			CorrelationID: correlationID,
			Priority:      priority,
			Headers:       headers,
			TTLSeconds:    ttlSeconds(timeout),
		},
	})
	if err != nil {
		return nil, err
	}
	s.metrics.count("command_sent", commandChannel, s.now())
	log.Debug("command sent to %s", target)

	res, err := result.Wait(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			s.metrics.count("command_timeout", commandChannel, s.now())
			timeoutErr := ossa.NewError(ossa.ErrCommandTimeout,
				fmt.Sprintf("command %s to %s timed out after %s", name, target, timeout), err, map[string]any{
					"command":        name,
					"target":         target,
					"correlation_id": correlationID,
				})
			span.RecordError(timeoutErr)
			span.SetStatus(codes.Error, "timeout")
			return nil, timeoutErr
		}
		if ctx.Err() != context.Canceled {
			span.RecordError(err)
			return nil, err
		}
		cancelErr := ossa.NewError(ossa.ErrCancelled,
			fmt.Sprintf("command %s to %s cancelled", name, target), err, map[string]any{
				"command":        name,
				"target":         target,
				"correlation_id": correlationID,
			})
		span.RecordError(cancelErr)
		span.SetStatus(codes.Error, "cancelled")
		return nil, cancelErr
	}
	if !res.Success {
		remote := res.Error.Err()
		if remote == nil {
			remote = ossa.NewError(ossa.ErrCommandFailed, "command "+name+" failed", nil, nil)
		}
		span.RecordError(remote)
		span.SetStatus(codes.Error, "command failed")
		return nil, remote
	}
	return res.Output, nil
}

// RegisterCommandHandler serves command name on "<source>.commands.<name>".
// A spec registered through a manifest supplies timeout and schemas.
func (s *Service) RegisterCommandHandler(name string, handler rpc.CommandHandler) (string, error) {
	s.mu.Lock()
	spec, ok := s.commandSpecs[name]
	s.mu.Unlock()
	if !ok {
		spec = rpc.CommandSpec{Name: name}
	}
	return s.RegisterCommand(spec, handler)
}

// RegisterCommand is RegisterCommandHandler with an explicit spec.
func (s *Service) RegisterCommand(spec rpc.CommandSpec, handler rpc.CommandHandler) (string, error) {
	if err := s.requireStarted(); err != nil {
		return "", err
	}
	if err := s.commands.Register(spec, handler); err != nil {
		return "", err
	}
	if err := s.schemas.Register(inputSchemaKey(spec.Name), spec.InputSchema); err != nil {
		s.commands.Unregister(spec.Name)
		return "", err
	}
	if err := s.schemas.Register(outputSchemaKey(spec.Name), spec.OutputSchema); err != nil {
		s.commands.Unregister(spec.Name)
		return "", err
	}

	channel := rpc.CommandChannel(s.source, spec.Name)
	id, err := s.broker.Subscribe(channel, func(ctx context.Context, env broker.Envelope) error {
		return s.serveCommand(ctx, spec.Name, env)
	}, broker.SubscribeOptions{Priority: broker.PriorityHigh})
	if err != nil {
		s.commands.Unregister(spec.Name)
		return "", err
	}

	s.mu.Lock()
	s.commandSpecs[spec.Name] = spec
	s.commandSubs[spec.Name] = id
	s.mu.Unlock()
	s.logger.Info("serving command %s on %s", spec.Name, channel)
	return id, nil
}

// UnregisterCommandHandler stops serving command name.
func (s *Service) UnregisterCommandHandler(name string) error {
	s.mu.Lock()
	id, ok := s.commandSubs[name]
	delete(s.commandSubs, name)
	s.mu.Unlock()
	if !ok {
		return ossa.NewError(ossa.ErrCommandNotFound, "command "+name+" is not registered", nil, map[string]any{
			"command": name,
		})
	}
	s.commands.Unregister(name)
	return s.broker.Unsubscribe(id)
}

// Commands lists the CommandSpec of every command this service serves.
func (s *Service) Commands() []rpc.CommandSpec {
	return s.commands.Commands()
}

func (s *Service) serveCommand(ctx context.Context, name string, env broker.Envelope) error {
	reply := env.Header(broker.HeaderResponseChannel)
	req, err := decodeRequest(env.Payload)
	if err != nil {
		req = rpc.Request{}
	}
	if req.Command == "" {
		req.Command = name
	}
	if req.CorrelationID == "" {
		req.CorrelationID = env.Metadata.CorrelationID
	}
	if reply == "" {
		reply = req.ReplyTo
	}
	log := ossa.WithFields(s.logger, map[string]any{
		"correlation_id": req.CorrelationID,
		"command":        name,
	})

	var res rpc.Response
	switch {
	case err != nil:
		res = failedResponse(req, ossa.NewError(ossa.ErrValidation, "malformed command request", err, nil))
	default:
		if verr := s.schemas.Validate(inputSchemaKey(name), req.Input); verr != nil {
			res = failedResponse(req, verr)
			break
		}
		if !req.Deadline.IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, req.Deadline)
			defer cancel()
		}
		res = s.commands.Serve(ctx, req)
		if res.Success {
			if verr := s.schemas.Validate(outputSchemaKey(name), res.Output); verr != nil {
				res = failedResponse(req, verr)
			}
		}
	}
	s.metrics.count("command_served", env.Channel, s.now())

	if reply == "" {
		log.Warn("command request has no reply channel, dropping response")
		return nil
	}
	_, err = s.publish(ctx, nil, reply, broker.Envelope{
		Source:  s.source,
		Payload: res,
		Metadata: broker.Metadata{
			CorrelationID: req.CorrelationID,
			Priority:      broker.PriorityHigh,
		},
	})
	if err != nil {
		log.Error("publish command response: %v", err)
	}
	return err
}

func failedResponse(req rpc.Request, err error) rpc.Response {
	return rpc.Response{
		CorrelationID: req.CorrelationID,
		Command:       req.Command,
		Success:       false,
		Error:         rpc.FromError(err),
	}
}

// Metrics returns a snapshot of the rolling counters.
func (s *Service) Metrics() Metrics {
	return s.metrics.snapshot()
}

// Health proxies the broker health report.
func (s *Service) Health() broker.Health {
	return s.broker.Health()
}

func decodeRequest(payload any) (rpc.Request, error) {
	switch v := payload.(type) {
	case rpc.Request:
		return v, nil
	case *rpc.Request:
		if v != nil {
			return *v, nil
		}
	}
	var req rpc.Request
	err := reencode(payload, &req)
	return req, err
}

func decodeResponse(payload any) (rpc.Response, error) {
	switch v := payload.(type) {
	case rpc.Response:
		return v, nil
	case *rpc.Response:
		if v != nil {
			return *v, nil
		}
	}
	var res rpc.Response
	err := reencode(payload, &res)
	return res, err
}

func reencode(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ttlSeconds rounds d up to whole seconds. Zero or negative leaves the broker default.
func ttlSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
