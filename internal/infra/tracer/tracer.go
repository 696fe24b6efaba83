// Package tracer installs the process-wide OpenTelemetry provider and
// offers span helpers for tool invocations and bridge round trips.
package tracer

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"surfacebroker/internal/infra/config"
)

const (
	instrumentation = "surfacebroker"
	serviceName     = "surfaced"
)

// Span attribute keys shared across the broker.
const (
	KeyTool    = attribute.Key("tool.name")
	KeyAction  = attribute.Key("tool.action")
	KeySurface = attribute.Key("surface.name")
	KeyBridge  = attribute.Key("bridge.op")
)

// Shutdown flushes pending spans and stops the provider.
type Shutdown func(context.Context) error

// Option customizes Setup.
type Option func(*setupOptions)

type setupOptions struct {
	version string
	writer  io.Writer
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(v string) Option {
	return func(o *setupOptions) { o.version = v }
}

// WithWriter sends exported spans to w instead of the configured stream.
func WithWriter(w io.Writer) Option {
	return func(o *setupOptions) { o.writer = w }
}

// Setup installs the global tracer provider described by cfg. A disabled
// tracer, or the "noop" exporter, installs a provider that records nothing.
func Setup(_ context.Context, cfg config.TracerConfig, opts ...Option) (Shutdown, error) {
	o := setupOptions{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	w, err := exportStream(cfg.Exporter)
	if err != nil {
		return nil, err
	}
	if o.writer != nil {
		w = o.writer
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("tracer: %s exporter: %w", cfg.Exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", o.version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func exportStream(name string) (io.Writer, error) {
	switch name {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	return nil, fmt.Errorf("tracer: unsupported exporter %q", name)
}

// sampler keeps every trace unless ratio is strictly between 0 and 1.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio > 0 && ratio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
	return sdktrace.AlwaysSample()
}

// StartSpan starts a span on the broker's tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, opts...)
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
