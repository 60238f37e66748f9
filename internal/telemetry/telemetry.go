package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config controls telemetry export.
type Config struct {
	ServiceName string
	Version     string

	// SampleRatio is the fraction of traces sampled. Zero samples everything.
	SampleRatio float64

	// ExportInterval is how often metrics are pushed.
	// Default: 10s
	ExportInterval time.Duration
}

// ShutdownFunc flushes and stops the exporters.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTelemetry installs global OTLP/gRPC meter and tracer providers. The
// exporters take their endpoint and headers from the standard
// OTEL_EXPORTER_OTLP_* variables and OTEL_RESOURCE_ATTRIBUTES extends the
// resource.
//
// A provider that cannot be built is logged and skipped, so the engine runs
// without it rather than failing to start.
func InitTelemetry(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.ExportInterval == 0 {
		cfg.ExportInterval = 10 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithOSType(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	stopTraces, err := startTracing(ctx, res, cfg.SampleRatio)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing unavailable, continuing without traces")
		stopTraces = noopShutdown
	}

	stopMetrics, err := startMetrics(ctx, res, cfg.ExportInterval)
	if err != nil {
		log.Warn().Err(err).Msg("Metrics export unavailable, continuing without metrics")
		stopMetrics = noopShutdown
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Dur("export_interval", cfg.ExportInterval).
		Msg("OpenTelemetry initialized")

	return func(ctx context.Context) error {
		return errors.Join(stopTraces(ctx), stopMetrics(ctx))
	}, nil
}

func startTracing(ctx context.Context, res *resource.Resource, ratio float64) (ShutdownFunc, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(ratio)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func startMetrics(ctx context.Context, res *resource.Resource, interval time.Duration) (ShutdownFunc, error) {
	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
