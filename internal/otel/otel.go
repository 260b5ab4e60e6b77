// Package otel wires OpenTelemetry for hallucination-gate.
//
// Provider call spans, evaluation spans and risk metrics go to an OTLP/HTTP
// endpoint taken from the config file or OTEL_EXPORTER_OTLP_ENDPOINT. Every
// span and data point carries the provider and model being evaluated as
// resource attributes, so runs against different models can be compared in
// one backend (Langfuse, Jaeger, ...). Without an endpoint nothing is
// exported.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "hallucination-gate"

// defaultExportInterval is how often risk metrics are pushed.
const defaultExportInterval = 15 * time.Second

// Version is stamped into the service resource. cmd sets it from the
// linker-injected build version.
var Version = "dev"

// OTELConfig selects the export target and describes the evaluated model.
type OTELConfig struct {
	Endpoint string // OTLP base URL, e.g. "http://localhost:3000/api/public/otel"
	Headers  string // OTEL_EXPORTER_OTLP_HEADERS format: "k=v,k2=v2"

	// Provider and Model label every exported span and metric.
	Provider string
	Model    string

	// SampleRatio is the fraction of root traces kept. Values outside
	// (0,1) keep every trace.
	SampleRatio float64

	// ExportInterval overrides the metric push interval.
	ExportInterval time.Duration
}

// Telemetry owns the SDK providers. Tracer and Metrics are usable whether
// or not anything is exported.
type Telemetry struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	Tracer  trace.Tracer
	Metrics *Metrics
}

// Init builds the providers for cfg and installs them globally. An empty
// endpoint leaves the global no-op providers in place.
func Init(ctx context.Context, cfg OTELConfig) (*Telemetry, error) {
	t := &Telemetry{}

	if cfg.Endpoint != "" {
		target, err := parseEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		headers := parseHeaders(cfg.Headers)

		if t.tp, err = newTracerProvider(ctx, target, headers, res, sampler(cfg.SampleRatio)); err != nil {
			return nil, err
		}
		if t.mp, err = newMeterProvider(ctx, target, headers, res, cfg.ExportInterval); err != nil {
			_ = t.tp.Shutdown(ctx)
			return nil, err
		}
		otel.SetTracerProvider(t.tp)
		otel.SetMeterProvider(t.mp)
	}

	t.Tracer = otel.Tracer(serviceName)
	metrics, err := NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}
	t.Metrics = metrics
	return t, nil
}

// Shutdown flushes pending spans and metrics. The returned error joins the
// provider shutdown errors.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// resourceAttributes describes the service and the evaluated model.
func resourceAttributes(cfg OTELConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(Version),
	}
	if cfg.Provider != "" {
		attrs = append(attrs, attribute.String("gen_ai.system", cfg.Provider))
	}
	if cfg.Model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", cfg.Model))
	}
	return attrs
}

func newResource(ctx context.Context, cfg OTELConfig) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(resourceAttributes(cfg)...),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	return res, nil
}

// sampler keeps every trace unless ratio is a proper fraction. Child spans
// follow their parent so a sampled evaluation is exported whole.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// endpoint is an OTLP base URL split for the exporters, which take
// host:port and a path separately and need the signal suffix appended.
type endpoint struct {
	host     string
	basePath string
	insecure bool
}

func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("otel: invalid endpoint URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("otel: endpoint URL %q has no host", raw)
	}
	return endpoint{
		host:     u.Host,
		basePath: strings.TrimRight(u.Path, "/"),
		insecure: u.Scheme == "http",
	}, nil
}

func newTracerProvider(ctx context.Context, e endpoint, headers map[string]string, res *resource.Resource, s sdktrace.Sampler) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(e.host),
		otlptracehttp.WithURLPath(e.basePath + "/v1/traces"),
	}
	if e.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(s),
	), nil
}

func newMeterProvider(ctx context.Context, e endpoint, headers map[string]string, res *resource.Resource, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(e.host),
		otlpmetrichttp.WithURLPath(e.basePath + "/v1/metrics"),
	}
	if e.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel metric exporter: %w", err)
	}
	if interval <= 0 {
		interval = defaultExportInterval
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	), nil
}

// parseHeaders reads OTEL_EXPORTER_OTLP_HEADERS syntax. Pairs without a key
// or without '=' are skipped.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for pair := range strings.SplitSeq(raw, ",") {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(val)
	}
	return headers
}
