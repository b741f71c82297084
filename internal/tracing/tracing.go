// ABOUTME: OpenTelemetry tracer provider setup with an optional OTLP/HTTP exporter
// ABOUTME: Returns a shutdown function that flushes pending spans

package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is reported as service.name on every span.
const ServiceName = "coven-state"

// Config controls span export.
type Config struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

// Setup installs a global tracer provider. When tracing is disabled the
// provider records nothing and the returned shutdown is a no-op.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	// Accept "collector:4318" as well as full URLs.
	endpoint := cfg.Endpoint
	insecure := cfg.Insecure
	if strings.HasPrefix(endpoint, "http://") {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		insecure = true
	} else if strings.HasPrefix(endpoint, "https://") {
		endpoint = strings.TrimPrefix(endpoint, "https://")
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", "endpoint", endpoint)

	return provider.Shutdown, nil
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
