package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/calsync"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Change detection
	ChangesDetectedTotal metric.Int64Counter
	ChangesDroppedTotal  metric.Int64Counter
	DetectionDuration    metric.Float64Histogram

	// Pipeline
	PipelineOperationsTotal metric.Int64Counter
	PipelineDuration        metric.Float64Histogram
	ConflictsTotal          metric.Int64Counter

	// Writer
	WriterRequestsTotal  metric.Int64Counter
	WriterDuration       metric.Float64Histogram
	WriterRollbacksTotal metric.Int64Counter

	// WAL
	WALAppendsTotal metric.Int64Counter

	// Coordinator
	ComponentRestartsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Tracer returns the tracer used for sync spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Result is the attribute used to split counters by outcome.
func Result(result string) attribute.KeyValue {
	return attribute.String("result", result)
}

// Operation is the attribute used to split writer counters by operation.
func Operation(op string) attribute.KeyValue {
	return attribute.String("operation", op)
}

// Component is the attribute naming an engine component.
func Component(name string) attribute.KeyValue {
	return attribute.String("component", name)
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	m.ChangesDetectedTotal, _ = meter.Int64Counter(
		"calsync.changes.detected.total",
		metric.WithDescription("Total number of provider changes detected by the monitor"),
		metric.WithUnit("{change}"),
	)

	m.ChangesDroppedTotal, _ = meter.Int64Counter(
		"calsync.changes.dropped.total",
		metric.WithDescription("Total number of detected changes dropped because the queue was full"),
		metric.WithUnit("{change}"),
	)

	m.DetectionDuration, _ = meter.Float64Histogram(
		"calsync.changes.detection.duration",
		metric.WithDescription("Duration of one detection cycle"),
		metric.WithUnit("ms"),
	)

	m.PipelineOperationsTotal, _ = meter.Int64Counter(
		"calsync.pipeline.operations.total",
		metric.WithDescription("Total number of sync operations processed by the pipeline"),
		metric.WithUnit("{operation}"),
	)

	m.PipelineDuration, _ = meter.Float64Histogram(
		"calsync.pipeline.duration",
		metric.WithDescription("Duration of sync operation processing"),
		metric.WithUnit("ms"),
	)

	m.ConflictsTotal, _ = meter.Int64Counter(
		"calsync.conflicts.total",
		metric.WithDescription("Total number of conflicts resolved"),
		metric.WithUnit("{conflict}"),
	)

	m.WriterRequestsTotal, _ = meter.Int64Counter(
		"calsync.writer.requests.total",
		metric.WithDescription("Total number of write requests propagated to the provider"),
		metric.WithUnit("{request}"),
	)

	m.WriterDuration, _ = meter.Float64Histogram(
		"calsync.writer.duration",
		metric.WithDescription("Duration of write transactions"),
		metric.WithUnit("ms"),
	)

	m.WriterRollbacksTotal, _ = meter.Int64Counter(
		"calsync.writer.rollbacks.total",
		metric.WithDescription("Total number of rolled back write transactions"),
		metric.WithUnit("{transaction}"),
	)

	m.WALAppendsTotal, _ = meter.Int64Counter(
		"calsync.wal.appends.total",
		metric.WithDescription("Total number of records appended to the transaction log"),
		metric.WithUnit("{record}"),
	)

	m.ComponentRestartsTotal, _ = meter.Int64Counter(
		"calsync.component.restarts.total",
		metric.WithDescription("Total number of component restarts triggered by health checks"),
		metric.WithUnit("{restart}"),
	)

	return m
}
