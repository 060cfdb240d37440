package telemetry

import (
	"context"
	"io"
	"time"

	"github.com/goliatone/go-ossa"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc flushes and releases the installed providers.
type ShutdownFunc func(context.Context) error

const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config controls exporter behavior.
type Config struct {
	Enabled      bool
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer         io.Writer
	MetricInterval time.Duration
}

func noop(context.Context) error { return nil }

// Init installs stdout exporters.
func Init(serviceName, version string) (ShutdownFunc, error) {
	return InitWithConfig(serviceName, version, Config{Enabled: true, Exporter: ExporterStdout})
}

// InitWithConfig installs global tracer and meter providers. A disabled
// config leaves the otel no-op providers in place.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noop, nil
	}
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, ossa.NewError(ossa.ErrConfiguration, "create telemetry resource", err, nil)
	}

	tp, mp, err := initProviders(res, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return ossa.NewError(ossa.ErrDependency, "telemetry shutdown", errs[0], map[string]any{
				"errors": len(errs),
			})
		}
		return nil
	}, nil
}

func initProviders(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	switch cfg.Exporter {
	case "", ExporterStdout:
		return initStdout(res, cfg)
	case ExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return nil, nil, ossa.NewError(ossa.ErrConfiguration, "otlp endpoint is required", nil, nil)
		}
		return initOTLP(res, cfg)
	default:
		return nil, nil, ossa.NewError(ossa.ErrConfiguration, "unknown telemetry exporter: "+cfg.Exporter, nil, map[string]any{
			"exporter": cfg.Exporter,
		})
	}
}

func metricInterval(cfg Config) time.Duration {
	if cfg.MetricInterval > 0 {
		return cfg.MetricInterval
	}
	return time.Minute
}

func initStdout(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	traceOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	metricOpts := []stdoutmetric.Option{}
	if cfg.Writer != nil {
		traceOpts = append(traceOpts, stdouttrace.WithWriter(cfg.Writer))
		metricOpts = append(metricOpts, stdoutmetric.WithWriter(cfg.Writer))
	}

	traceExporter, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, nil, ossa.NewError(ossa.ErrConfiguration, "create trace exporter", err, nil)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)

	metricExporter, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, nil, ossa.NewError(ossa.ErrConfiguration, "create metric exporter", err, nil)
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(metricInterval(cfg)))),
		metric.WithResource(res),
	)
	return tp, mp, nil
}

func initOTLP(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	traceOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	metricOpts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
	}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(context.Background(), traceOpts...)
	if err != nil {
		return nil, nil, ossa.NewError(ossa.ErrDependency, "create otlp trace exporter", err, nil)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)

	metricExporter, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, nil, ossa.NewError(ossa.ErrDependency, "create otlp metric exporter", err, nil)
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(metricInterval(cfg)))),
		metric.WithResource(res),
	)
	return tp, mp, nil
}
