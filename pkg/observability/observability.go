package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func serviceResource(serviceName string) *resource.Resource {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return resource.Default()
	}
	return res
}

// SetupTracing installs a global tracer provider writing spans to stdout.
// The returned function flushes and stops it.
func SetupTracing(serviceName string, enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("observability: stdouttrace exporter: %w", err)
	}
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(serviceResource(serviceName)),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// SetupMetrics installs a global meter provider backed by the Prometheus
// exporter and returns the scrape handler for it.
func SetupMetrics(serviceName string) (*metric.MeterProvider, http.Handler, error) {
	exp, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("observability: prometheus exporter: %w", err)
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(exp),
		metric.WithResource(serviceResource(serviceName)),
	)
	otel.SetMeterProvider(mp)
	return mp, promhttp.Handler(), nil
}
