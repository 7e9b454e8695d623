package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the coordinator's common instruments: grant
// issuance/drop counters and the resilience counters also touched
// from the resilience package.
type Metrics struct {
	TagsIssued    metric.Int64Counter
	PtagsIssued   metric.Int64Counter
	GrantsDropped metric.Int64Counter
	RetryAttempts metric.Int64Counter
	CircuitOpen   metric.Int64Counter
}

// InitMetrics sets up a global OTLP/gRPC metrics exporter (push, 10s
// period) and returns a shutdown function plus the common instrument
// set. On exporter init failure it logs a warning and still returns a
// usable (unexported) Metrics value backed by whatever meter provider
// is currently registered.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("rti-coordinator")
	tags, _ := meter.Int64Counter("rti_grants_tag_issued_total")
	ptags, _ := meter.Int64Counter("rti_grants_ptag_issued_total")
	dropped, _ := meter.Int64Counter("rti_grants_dropped_total")
	retry, _ := meter.Int64Counter("rti_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("rti_dispatch_circuit_open_total")
	return Metrics{
		TagsIssued:    tags,
		PtagsIssued:   ptags,
		GrantsDropped: dropped,
		RetryAttempts: retry,
		CircuitOpen:   circuit,
	}
}
