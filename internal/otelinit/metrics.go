package otelinit

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// MeterName is the instrumentation scope shared by every memscan instrument.
const MeterName = "memscan"

// Metrics holds the service-level instruments.
type Metrics struct {
	RulesLoaded  metric.Int64UpDownCounter
	RuleReloads  metric.Int64Counter
	ScanRejected metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push) towards endpoint. An empty
// endpoint leaves the no-op provider in place. Returns the shutdown function.
func InitMetrics(ctx context.Context, service, endpoint string) (shutdown func(context.Context) error, m Metrics) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, createInstruments()
	}
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return noop, createInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createInstruments()
}

func createInstruments() Metrics {
	meter := otel.Meter(MeterName)
	loaded, _ := meter.Int64UpDownCounter("memscan_rules_loaded")
	reloads, _ := meter.Int64Counter("memscan_rules_reload_total")
	rejected, _ := meter.Int64Counter("memscan_scan_rejected_total")
	return Metrics{RulesLoaded: loaded, RuleReloads: reloads, ScanRejected: rejected}
}
