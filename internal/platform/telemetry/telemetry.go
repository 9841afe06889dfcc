// Package telemetry installs the OpenTelemetry meter provider that the rule
// engine and HTTP layer report to. Metrics are exported periodically as JSON
// lines so any log shipper can forward them.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config holds the telemetry settings.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	InstanceID      string
	MetricsEnabled  bool
	MetricsInterval time.Duration
	// Writer receives exported metrics. Defaults to stderr.
	Writer io.Writer
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "rxrules-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Minute
	}
	if c.Writer == nil {
		c.Writer = os.Stderr
	}
}

// ShutdownFunc flushes pending metrics and releases the provider.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs the global meter provider. With metrics disabled the global
// no-op provider is left in place and the returned ShutdownFunc does nothing.
func Setup(cfg Config) (ShutdownFunc, error) {
	if !cfg.MetricsEnabled {
		return noopShutdown, nil
	}
	cfg.applyDefaults()

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		return noopShutdown, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(Resource(cfg)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricsInterval))),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

// Resource describes this process to the metric backend.
func Resource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", cfg.InstanceID))
	}
	return resource.NewSchemaless(attrs...)
}
