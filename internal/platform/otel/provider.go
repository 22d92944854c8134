package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/louisbranch/questgate/internal/platform/config"
)

// otelEnv holds env-parsed tracing configuration.
type otelEnv struct {
	Enabled     bool    `env:"QUESTGATE_OTEL_ENABLED" envDefault:"true"`
	Endpoint    string  `env:"QUESTGATE_OTEL_ENDPOINT"`
	SampleRatio float64 `env:"QUESTGATE_OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when QUESTGATE_OTEL_ENDPOINT is empty or
// QUESTGATE_OTEL_ENABLED is "false", Setup returns a no-op shutdown
// function and no global provider is registered.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	var raw otelEnv
	if err := config.ParseEnv(&raw); err != nil {
		return noop, err
	}
	if !raw.Enabled || raw.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(raw.Endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	// Verification traffic is bursty; a ratio below 1 keeps polling storms
	// from flooding the collector.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(raw.SampleRatio))
	if raw.SampleRatio >= 1 {
		sampler = sdktrace.AlwaysSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
