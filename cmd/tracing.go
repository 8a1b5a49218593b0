package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// tracingShutdown flushes the exporter; set by setupTracing.
var tracingShutdown func(context.Context) error

// setupTracing installs an OTLP tracer provider when CHANBIND_OTLP_ENDPOINT
// is set. Without it the global no-op provider stays in place.
//
//	CHANBIND_OTLP_ENDPOINT  host:port of the collector
//	CHANBIND_OTLP_PROTOCOL  "grpc" (default) or "http"
//	CHANBIND_OTLP_INSECURE  "true" to disable TLS
func setupTracing(ctx context.Context) error {
	endpoint := os.Getenv("CHANBIND_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	insecure := os.Getenv("CHANBIND_OTLP_INSECURE") == "true"

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch proto := os.Getenv("CHANBIND_OTLP_PROTOCOL"); proto {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return fmt.Errorf("unknown CHANBIND_OTLP_PROTOCOL %q", proto)
	}
	if err != nil {
		return fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "chanbind"),
			attribute.String("service.version", Version),
		)),
	)
	otel.SetTracerProvider(tp)
	tracingShutdown = tp.Shutdown
	slog.Debug("tracing enabled", "endpoint", endpoint)
	return nil
}

func shutdownTracing() {
	if tracingShutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracingShutdown(ctx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
	tracingShutdown = nil
}
