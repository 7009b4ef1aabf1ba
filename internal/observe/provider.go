package observe

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig selects how the daemon reports telemetry.
type ProviderConfig struct {
	// ServiceName becomes service.name. Default: "voicebridge".
	ServiceName string

	// ServiceVersion becomes service.version. Empty means the main module
	// version from the build info.
	ServiceVersion string

	// TraceExporter receives finished spans in batches. Nil keeps spans in
	// process only, which is enough for trace IDs in logs.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of new traces that are sampled. Zero or
	// anything above one samples everything. Child spans follow their parent.
	SampleRatio float64

	// Registerer receives the Prometheus bridge collector. Nil means
	// [prometheus.DefaultRegisterer].
	Registerer prometheus.Registerer
}

// InitProvider installs global meter and tracer providers plus the W3C trace
// context propagator. Metrics are exposed through a Prometheus collector on
// cfg.Registerer.
//
// The returned function flushes and stops both providers; main defers it.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(res, cfg.Registerer)
	if err != nil {
		return nil, err
	}
	tp := newTracerProvider(res, cfg)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "voicebridge"
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = buildVersion()
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	))
}

func newMeterProvider(res *resource.Resource, reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	var opts []promexporter.Option
	if reg != nil {
		opts = append(opts, promexporter.WithRegisterer(reg))
	}
	exp, err := promexporter.New(opts...)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)), nil
}

func newTracerProvider(res *resource.Resource, cfg ProviderConfig) *sdktrace.TracerProvider {
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// buildVersion is the main module version from the embedded build info.
func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "unknown"
}
