// Package telemetry sets up OpenTelemetry export for a runner process.
//
// When no collector endpoint is configured every signal stays on the no-op
// global providers and the runner only logs locally. With an endpoint,
// traces, metrics and logs are exported over OTLP/gRPC and log records are
// bridged from slog.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/BDNK1/steprunner/runtime"
)

const instrumentationName = "github.com/BDNK1/steprunner"

// Config selects the collector. It is read from the process environment.
type Config struct {
	Endpoint       string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT" validate:"omitempty,url_format"`
	ServiceName    string        `mapstructure:"OTEL_SERVICE_NAME" default:"steprunner" validate:"required"`
	ExportInterval time.Duration `mapstructure:"OTEL_METRIC_EXPORT_INTERVAL" default:"10s" validate:"gt=0"`
}

// Enabled reports whether a collector endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

// LoadConfig reads the telemetry configuration from KEY=VALUE pairs.
func LoadConfig(environ []string) (Config, error) {
	raw := runtime.EnvironMap(environ)
	for k, v := range raw {
		if v == "" {
			delete(raw, k)
		}
	}
	var cfg Config
	if err := runtime.InitializeConfig(&cfg, raw); err != nil {
		return Config{}, runtime.NewConfigurationError("invalid telemetry configuration", err)
	}
	return cfg, nil
}

// Provider owns the SDK providers created by Setup.
type Provider struct {
	cfg      Config
	tracer   *sdktrace.TracerProvider
	meter    *sdkmetric.MeterProvider
	logger   *sdklog.LoggerProvider
	shutdown []func(context.Context) error
}

// Setup creates the exporters and installs the trace and meter providers
// globally. A disabled configuration returns a provider that does nothing.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{cfg: cfg}
	if !cfg.Enabled() {
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	p.tracer = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	p.shutdown = append(p.shutdown, p.tracer.Shutdown)

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}
	p.meter = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	p.shutdown = append(p.shutdown, p.meter.Shutdown)

	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}
	p.logger = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	p.shutdown = append(p.shutdown, p.logger.Shutdown)

	otel.SetTracerProvider(p.tracer)
	otel.SetMeterProvider(p.meter)
	return p, nil
}

// Handler wraps local so records are also exported as OTLP logs. Without a
// log provider local is returned unchanged.
func (p *Provider) Handler(local slog.Handler) slog.Handler {
	if p == nil || p.logger == nil {
		return local
	}
	return combine(local, otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(p.logger)))
}

// combine passes every record to both handlers, each filtering by its own
// level.
func combine(local, remote slog.Handler) slog.Handler {
	return slogmulti.Fanout(local, remote)
}

// Shutdown flushes and stops every provider, newest first.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
