package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures telemetry for one voxrelay process.
type ProviderConfig struct {
	// ServiceName is reported as service.name, e.g. "voxrelay-stt".
	ServiceName string

	// ServiceVersion defaults to the main module version from the build info.
	ServiceVersion string

	// SampleRatio is the fraction of new traces recorded. Incoming requests
	// that carry a sampled parent are always recorded. Zero records
	// everything.
	SampleRatio float64

	// TraceExporter receives finished spans. When nil spans are only
	// available to in-process consumers such as the correlation ID.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter and tracer providers and the W3C
// trace-context propagator. Metrics are bridged into the default Prometheus
// registry served by [Handler].
//
// The returned function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxrelay"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = buildVersion()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			attribute.String("service.namespace", "voxrelay"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Handler serves the Prometheus scrape endpoint, offering OpenMetrics to
// scrapers that ask for it.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func buildVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		return bi.Main.Version
	}
	return "devel"
}
