package instrumentation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty.
	DefaultServiceName = "mcp-oauth-bridge"

	// DefaultServiceVersion is used when Config.ServiceVersion is empty.
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/mcp-oauth-bridge/"
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
)

// Config holds instrumentation configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Enabled switches between real and no-op providers.
	Enabled bool

	// MetricsExporter is "prometheus" or "none". Default: prometheus.
	MetricsExporter string

	// TracesExporter is "stdout", "otlp" or "none". Default: none.
	TracesExporter string

	// OTLPEndpoint is the collector URL for the otlp traces exporter,
	// e.g. "http://otel-collector:4318/v1/traces".
	OTLPEndpoint string

	// TraceSampleRatio in [0,1]. Zero samples everything.
	TraceSampleRatio float64

	// TraceWriter receives stdout traces. Default: os.Stdout.
	TraceWriter io.Writer
}

// Instrumentation owns the meter and tracer providers.
type Instrumentation struct {
	config Config

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	registry       *prometheus.Registry

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New builds providers according to config.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = ExporterPrometheus
	}
	if config.TracesExporter == "" {
		config.TracesExporter = ExporterNone
	}

	inst := &Instrumentation{config: config}

	if !config.Enabled {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	} else {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := inst.initMeterProvider(res); err != nil {
			return nil, err
		}
		if err := inst.initTracerProvider(res); err != nil {
			return nil, err
		}
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

func (i *Instrumentation) initMeterProvider(res *resource.Resource) error {
	switch i.config.MetricsExporter {
	case ExporterNone:
		i.meterProvider = noop.NewMeterProvider()
		return nil
	case ExporterPrometheus:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	i.registry = prometheus.NewRegistry()
	i.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	return nil
}

func (i *Instrumentation) initTracerProvider(res *resource.Resource) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch i.config.TracesExporter {
	case ExporterNone:
		i.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	case ExporterStdout:
		w := i.config.TraceWriter
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		if i.config.OTLPEndpoint == "" {
			return fmt.Errorf("otlp traces exporter requires an endpoint")
		}
		exporter, err = otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpointURL(i.config.OTLPEndpoint))
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s trace exporter: %w", i.config.TracesExporter, err)
	}

	sampler := sdktrace.AlwaysSample()
	if r := i.config.TraceSampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(r))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	return nil
}

// Shutdown flushes and stops every provider. Only the first call does work.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns the meter for a layer scope such as "server" or "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns the tracer for a layer scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the pre-registered instruments.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// Handler serves the Prometheus scrape endpoint. It answers 404 when the
// Prometheus exporter is not active.
func (i *Instrumentation) Handler() http.Handler {
	if i.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{Registry: i.registry})
}

// SizeCallback reports the current number of stored entities.
type SizeCallback func() int64

// RegisterStorageSizeCallbacks exposes store sizes as observable gauges.
// Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(clients, sessions, tokens SizeCallback) error {
	m := i.metrics
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			if clients != nil {
				o.ObserveInt64(m.StorageClients, clients())
			}
			if sessions != nil {
				o.ObserveInt64(m.StorageSessions, sessions())
			}
			if tokens != nil {
				o.ObserveInt64(m.StorageTokens, tokens())
			}
			return nil
		},
		m.StorageClients, m.StorageSessions, m.StorageTokens,
	)
	return err
}

// RegisterRateLimiterCallback exposes the number of tracked rate limit buckets.
func (i *Instrumentation) RegisterRateLimiterCallback(limiterType string, active SizeCallback) error {
	m := i.metrics
	_, err := i.Meter("security").RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.RateLimitActiveBuckets, active(),
				metric.WithAttributes(attrLimiterType(limiterType)))
			return nil
		},
		m.RateLimitActiveBuckets,
	)
	return err
}

// StartStorageOperation opens a span for a store call and returns the function
// that records its outcome and ends the span. Safe on a nil receiver.
func (i *Instrumentation) StartStorageOperation(ctx context.Context, backend, operation string) (context.Context, func(error)) {
	if i == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := i.Tracer("storage").Start(ctx, "storage."+operation)
	AddStorageAttributes(span, backend, operation)

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		i.metrics.RecordStorageOperation(ctx, backend, operation, result, elapsedMs(start))
		span.End()
	}
}

// StartProviderCall is the upstream counterpart of StartStorageOperation.
func (i *Instrumentation) StartProviderCall(ctx context.Context, provider, operation string) (context.Context, func(error)) {
	if i == nil {
		return ctx, func(error) {}
	}

	start := time.Now()
	ctx, span := i.Tracer("provider").Start(ctx, "provider."+operation)
	AddProviderAttributes(span, provider, operation)

	return ctx, func(err error) {
		if err != nil {
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		i.metrics.RecordProviderCall(ctx, provider, operation, elapsedMs(start), err)
		span.End()
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
