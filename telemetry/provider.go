// Package telemetry wires OpenTelemetry tracing: an OTLP/HTTP tracer
// provider, propagation setup and the tracer used by session and tool code.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is the OTel instrumentation scope name.
	InstrumentationName = "github.com/almuete/ari"

	// InstrumentationVersion is the OTel instrumentation scope version.
	InstrumentationVersion = "0.1.0"

	// DefaultServiceName is reported when none is configured.
	DefaultServiceName = "ari"
)

// Span attribute keys.
const (
	AttrSessionID  = attribute.Key("ari.session.id")
	AttrToolName   = attribute.Key("ari.tool.name")
	AttrToolCallID = attribute.Key("ari.tool.call_id")
	AttrModel      = attribute.Key("ari.model")
	AttrReconnect  = attribute.Key("ari.reconnect")
)

// Tracer returns a named tracer from tp, or from the global provider when
// tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(InstrumentationVersion))
}

// NewTracerProvider creates a TracerProvider that exports spans via OTLP/HTTP.
// The caller must Shutdown the returned provider.
func NewTracerProvider(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	if endpoint == "" {
		return nil, errors.New("telemetry: OTLP endpoint is required")
	}
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", InstrumentationVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// SetupPropagation installs the W3C TraceContext, W3C Baggage and AWS X-Ray
// propagators globally so backend calls carry trace headers.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		xray.Propagator{},
	))
}

// ShutdownFunc flushes and stops tracing.
type ShutdownFunc func(context.Context) error

// Setup installs propagation and, when endpoint is set, a global OTLP tracer
// provider. Without an endpoint the global provider is left as the noop one.
func Setup(ctx context.Context, endpoint, serviceName string) (ShutdownFunc, error) {
	SetupPropagation()
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	tp, err := NewTracerProvider(ctx, endpoint, serviceName)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
