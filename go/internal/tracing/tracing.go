// Package tracing owns OpenTelemetry setup and the W3C traceparent helpers
// used on both sides of the event pipeline.
package tracing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry settings for one process.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	DeploymentEnv     string
	CollectorEndpoint string
	Enable            bool
}

// Telemetry wraps the installed tracer provider.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	shutdown       func(context.Context) error
}

// Init installs a tracer provider and the W3C propagator globally.
// With Enable false it installs a provider that records nothing, so callers
// never branch on telemetry being off.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enable {
		log.Warn().Msg("telemetry disabled")

		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)

		return &Telemetry{
			TracerProvider: tp,
			shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	rsc := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(rsc),
	)
	otel.SetTracerProvider(tp)

	log.Info().
		Str("service", cfg.ServiceName).
		Str("endpoint", cfg.CollectorEndpoint).
		Msg("telemetry initialized")

	return &Telemetry{
		TracerProvider: tp,
		shutdown: func(shutdownCtx context.Context) error {
			if err := tp.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown tracer provider: %w", err)
			}

			return exporter.Shutdown(shutdownCtx)
		},
	}, nil
}

// Tracer returns a named tracer from the installed provider.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Shutdown flushes and stops the provider and exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.shutdown(ctx)
}
