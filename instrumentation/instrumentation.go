package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no service version is configured.
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName names this deployment, e.g. "mcpbridge".
	ServiceName string

	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false, uses
	// no-op providers (zero overhead).
	Enabled bool

	// LogClientIPs controls whether client IP addresses are attached to
	// traces and metrics. Disabling this can matter for GDPR/CCPA
	// compliance in strict jurisdictions.
	LogClientIPs bool

	// Resource allows custom resource attributes; a default resource
	// carrying ServiceName/ServiceVersion is built when nil.
	Resource *resource.Resource
}

// Instrumentation provides the OpenTelemetry metric and trace providers
// this bridge's components record against.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation instance and its pre-registered metric
// instruments.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcpbridge"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("instrumentation: create resource: %w", err)
		}
	}

	inst := &Instrumentation{config: config, resource: res}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("instrumentation: initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("instrumentation: create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders wires the meter/tracer providers this process
// exports through. No-op providers for now; an OTLP or Prometheus exporter
// slots in here without touching any caller of Meter/Tracer.
func (i *Instrumentation) initializeProviders() error {
	i.meterProvider = noop.NewMeterProvider()
	i.tracerProvider = tracenoop.NewTracerProvider()
	return nil
}

// Shutdown gracefully shuts down all registered instrumentation providers.
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

// scopePrefix namespaces every meter/tracer this bridge registers.
const scopePrefix = "github.com/mcpbridge/resource-server/"

// Meter returns a named meter for the given layer scope (e.g. "http",
// "mcp", "oauth", "storage", "security", "refresh").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given layer scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether client IP addresses should be
// attached to traces and metrics.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback returns the current size of a storage collection.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable-gauge callbacks for
// the Token Store's and Session Store's current record counts. Storage
// implementations call this once after construction.
func (i *Instrumentation) RegisterStorageSizeCallbacks(sessionsCount, rsTokensCount, authTxnsCount StorageSizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("instrumentation: meter provider not initialized")
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if sessionsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeSessions, sessionsCount())
			}
			if rsTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeRSTokens, rsTokensCount())
			}
			if authTxnsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeAuthTxns, authTxnsCount())
			}
			return nil
		},
		i.metrics.StorageSizeSessions,
		i.metrics.StorageSizeRSTokens,
		i.metrics.StorageSizeAuthTxns,
	)
	return err
}
