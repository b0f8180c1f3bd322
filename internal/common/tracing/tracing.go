// Package tracing bootstraps the process-wide OTel TracerProvider the
// Agent Spawner and Merger record their spans against. When tracing is
// disabled, nothing is installed: OTel's global default no-op provider
// stays in place, so every `tracer.Start` call in the codebase remains a
// cheap, safe no-op.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls whether and where spans are exported.
type Config struct {
	Enabled  bool
	Endpoint string // host:port of an OTLP/HTTP collector
}

// Shutdown flushes and releases the installed provider. Safe to call even
// when tracing was never enabled.
type Shutdown func(ctx context.Context) error

// Setup installs the process-wide TracerProvider. With Enabled false it
// installs nothing, leaving OTel's global no-op provider in place, and
// returns a no-op Shutdown.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "overstory-orchestrator"),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		return tp.Shutdown(shutdownCtx)
	}, nil
}
