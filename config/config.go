package config

import (
	"io"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/broker"
	"github.com/goliatone/go-ossa/messaging"
	"github.com/goliatone/go-ossa/runner"
	"github.com/goliatone/go-ossa/workflow"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file values.
const EnvPrefix = "OSSA_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Broker    BrokerConfig    `koanf:"broker"`
	Engine    EngineConfig    `koanf:"engine"`
	Messaging MessagingConfig `koanf:"messaging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Multiplier   float64       `koanf:"multiplier"`
}

type BrokerConfig struct {
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	SweepSchedule   string        `koanf:"sweep_schedule"`
	DefaultTTL      time.Duration `koanf:"default_ttl"`
	AckTimeout      time.Duration `koanf:"ack_timeout"`
	DisconnectGrace time.Duration `koanf:"disconnect_grace"`
	MaxConcurrency  int           `koanf:"max_concurrency"`
	Retry           RetryConfig   `koanf:"retry"`
}

type EngineConfig struct {
	LoopMaxIterations   int           `koanf:"loop_max_iterations"`
	DefaultStageTimeout time.Duration `koanf:"default_stage_timeout"`
}

type MessagingConfig struct {
	Source         string        `koanf:"source"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
	MetricsWindow  int           `koanf:"metrics_window"`
	EMAAlpha       float64       `koanf:"ema_alpha"`
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "console",

	"broker.sweep_interval":      broker.DefaultSweepInterval.String(),
	"broker.sweep_schedule":      "",
	"broker.default_ttl":         broker.DefaultTTL.String(),
	"broker.ack_timeout":         broker.DefaultAckTimeout.String(),
	"broker.disconnect_grace":    broker.DefaultGracePeriod.String(),
	"broker.max_concurrency":     broker.DefaultMaxConcurrency,
	"broker.retry.max_attempts":  broker.DefaultRetryPolicy.MaxAttempts,
	"broker.retry.initial_delay": broker.DefaultRetryPolicy.BaseDelay.String(),
	"broker.retry.max_delay":     broker.DefaultRetryPolicy.MaxDelay.String(),
	"broker.retry.multiplier":    broker.DefaultRetryPolicy.Multiplier,

	"engine.loop_max_iterations":   workflow.DefaultLoopMaxIterations,
	"engine.default_stage_timeout": workflow.DefaultStageTimeout.String(),

	"messaging.source":          messaging.DefaultSource,
	"messaging.command_timeout": messaging.DefaultCommandTimeout.String(),
	"messaging.metrics_window":  messaging.DefaultMetricsWindow,
	"messaging.ema_alpha":       messaging.DefaultEMAAlpha,

	"telemetry.enabled":       false,
	"telemetry.exporter":      "stdout",
	"telemetry.otlp_endpoint": "",
	"telemetry.otlp_insecure": false,
	"telemetry.service_name":  "ossa",
}

// nested groups whose keys contain underscores after the section name
var nestedGroups = []string{"retry"}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := load("", false)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads defaults, then the YAML file at path when set, then OSSA_
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	return load(path, true)
}

func load(path string, withEnv bool) (Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return Config{}, ossa.NewError(ossa.ErrConfiguration, "set default "+key, err, nil)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, ossa.NewError(ossa.ErrConfiguration, "load config file", err, map[string]any{
				"path": path,
			})
		}
	}

	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
			return Config{}, ossa.NewError(ossa.ErrConfiguration, "load environment overrides", err, nil)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, ossa.NewError(ossa.ErrConfiguration, "decode config", err, map[string]any{
			"path": path,
		})
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnvKey maps OSSA_BROKER_SWEEP_INTERVAL to broker.sweep_interval and
// OSSA_BROKER_RETRY_MAX_ATTEMPTS to broker.retry.max_attempts.
func EnvKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	for _, group := range nestedGroups {
		if strings.HasPrefix(rest, group+"_") {
			return section + "." + group + "." + strings.TrimPrefix(rest, group+"_")
		}
	}
	return section + "." + rest
}

func (c Config) Validate() error {
	err := validation.Errors{
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.Required,
				validation.In("trace", "debug", "info", "warn", "error", "fatal")),
			validation.Field(&c.Log.Format, validation.In("console", "json")),
		),
		"broker": validation.ValidateStruct(&c.Broker,
			validation.Field(&c.Broker.SweepInterval, validation.Min(time.Duration(0))),
			validation.Field(&c.Broker.DefaultTTL, validation.Min(time.Second)),
			validation.Field(&c.Broker.AckTimeout, validation.Min(time.Millisecond)),
			validation.Field(&c.Broker.DisconnectGrace, validation.Min(time.Duration(0))),
			validation.Field(&c.Broker.MaxConcurrency, validation.Min(1)),
			validation.Field(&c.Broker.Retry),
		),
		"engine": validation.ValidateStruct(&c.Engine,
			validation.Field(&c.Engine.LoopMaxIterations, validation.Min(1)),
			validation.Field(&c.Engine.DefaultStageTimeout, validation.Min(time.Millisecond)),
		),
		"messaging": validation.ValidateStruct(&c.Messaging,
			validation.Field(&c.Messaging.Source, validation.Required),
			validation.Field(&c.Messaging.CommandTimeout, validation.Min(time.Millisecond)),
			validation.Field(&c.Messaging.MetricsWindow, validation.Min(1)),
			validation.Field(&c.Messaging.EMAAlpha, validation.Min(0.0).Exclusive(), validation.Max(1.0)),
		),
		"telemetry": validation.ValidateStruct(&c.Telemetry,
			validation.Field(&c.Telemetry.Exporter, validation.In("stdout", "otlp")),
			validation.Field(&c.Telemetry.OTLPEndpoint,
				validation.When(c.Telemetry.Enabled && c.Telemetry.Exporter == "otlp", validation.Required)),
		),
	}.Filter()
	if err == nil {
		return nil
	}
	return errors.FromOzzoValidation(err, "invalid configuration").
		WithTextCode(ossa.ErrCodeConfiguration)
}

func (r RetryConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxAttempts, validation.Min(1)),
		validation.Field(&r.InitialDelay, validation.Min(time.Duration(0))),
		validation.Field(&r.MaxDelay, validation.Min(r.InitialDelay)),
		validation.Field(&r.Multiplier, validation.Min(1.0)),
	)
}

// Policy returns the exponential retry policy for failed deliveries.
func (r RetryConfig) Policy() runner.Policy {
	return runner.Policy{
		MaxAttempts: r.MaxAttempts,
		Backoff:     runner.BackoffExponential,
		BaseDelay:   r.InitialDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  r.Multiplier,
	}
}

// Logger builds the glog-backed logger described by the log section.
func (c Config) Logger(out io.Writer) ossa.Logger {
	return ossa.NewDefaultLogger(c.Log.Level, c.Log.Format, out)
}

func (c Config) BrokerOptions(logger ossa.Logger) []broker.Option {
	return []broker.Option{
		broker.WithLogger(logger),
		broker.WithSweepInterval(c.Broker.SweepInterval),
		broker.WithSweepSchedule(c.Broker.SweepSchedule),
		broker.WithDefaultTTL(c.Broker.DefaultTTL),
		broker.WithAckTimeout(c.Broker.AckTimeout),
		broker.WithGracePeriod(c.Broker.DisconnectGrace),
		broker.WithMaxConcurrency(c.Broker.MaxConcurrency),
		broker.WithRetryPolicy(c.Broker.Retry.Policy()),
		broker.WithMetrics(c.Telemetry.Enabled),
	}
}

func (c Config) EngineOptions(logger ossa.Logger) []workflow.Option {
	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithLoopMaxIterations(c.Engine.LoopMaxIterations),
		workflow.WithDefaultStageTimeout(c.Engine.DefaultStageTimeout),
	}
	if c.Telemetry.Enabled {
		opts = append(opts, workflow.WithMetrics(workflow.NewOTelRecorder()))
	}
	return opts
}

func (c Config) ServiceOptions(logger ossa.Logger) []messaging.Option {
	return []messaging.Option{
		messaging.WithLogger(logger),
		messaging.WithSource(c.Messaging.Source),
		messaging.WithCommandTimeout(c.Messaging.CommandTimeout),
		messaging.WithMetricsWindow(c.Messaging.MetricsWindow),
		messaging.WithEMAAlpha(c.Messaging.EMAAlpha),
		messaging.WithTelemetry(c.Telemetry.Enabled),
	}
}
