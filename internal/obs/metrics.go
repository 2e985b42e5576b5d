// Package obs provides OpenTelemetry metrics and tracing integration
// for the runner agent and the reference host.
package obs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "automn-runner",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with run-lifecycle
// instruments: a run duration histogram, an active-run gauge, and a
// run error counter, plus registry-size, registration and heartbeat-loss
// instruments. The reference host in cmd/host does not record any of
// these.
type Metrics struct {
	config           *MetricsConfig
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	shutdown         func(context.Context) error
	mu               sync.RWMutex
	activeRuns       atomic.Int64
	registrySize     atomic.Int64
	activeCallback   metric.Int64ObservableGauge
	registryCallback metric.Int64ObservableGauge
	callbackReg      metric.Registration

	// Metric instruments
	runDuration    metric.Float64Histogram
	runErrors      metric.Int64Counter
	registrations  metric.Int64Counter
	heartbeatLoss  metric.Int64Counter
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	// Create exporter based on type
	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	// Create resource with service information
	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	// Create meter provider
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	// Register metric instruments
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	// Add custom attributes
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.runDuration, err = m.meter.Float64Histogram(
		"automn.run.duration",
		metric.WithDescription("Wall-clock duration of a script run"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	m.runErrors, err = m.meter.Int64Counter(
		"automn.run.errors",
		metric.WithDescription("Count of run errors by code"),
	)
	if err != nil {
		return fmt.Errorf("failed to create run error counter: %w", err)
	}

	m.registrations, err = m.meter.Int64Counter(
		"automn.registry.registrations",
		metric.WithDescription("Count of accepted runner registrations/heartbeats"),
	)
	if err != nil {
		return fmt.Errorf("failed to create registrations counter: %w", err)
	}

	m.heartbeatLoss, err = m.meter.Int64Counter(
		"automn.registry.heartbeat_loss",
		metric.WithDescription("Count of runners marked stale or disconnected"),
	)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat loss counter: %w", err)
	}

	m.activeCallback, err = m.meter.Int64ObservableGauge(
		"automn.run.active",
		metric.WithDescription("Number of runs currently executing"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active run gauge: %w", err)
	}

	m.registryCallback, err = m.meter.Int64ObservableGauge(
		"automn.registry.size",
		metric.WithDescription("Number of runners known to the registry"),
	)
	if err != nil {
		return fmt.Errorf("failed to create registry size gauge: %w", err)
	}

	m.callbackReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeCallback, m.activeRuns.Load())
			o.ObserveInt64(m.registryCallback, m.registrySize.Load())
			return nil
		},
		m.activeCallback,
		m.registryCallback,
	)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return nil
}

// RecordRunDuration records the wall-clock duration of a completed run.
func (m *Metrics) RecordRunDuration(ctx context.Context, language string, durationMs float64, code int) {
	if m.runDuration == nil {
		return
	}
	m.runDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Int("code", code),
	))
}

// RecordRunError increments the run error counter for errorCode.
func (m *Metrics) RecordRunError(ctx context.Context, errorCode string) {
	if m.runErrors == nil {
		return
	}
	m.runErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", errorCode)))
}

// IncrementActiveRuns increments the active-run gauge.
func (m *Metrics) IncrementActiveRuns() {
	m.activeRuns.Add(1)
}

// DecrementActiveRuns decrements the active-run gauge.
func (m *Metrics) DecrementActiveRuns() {
	m.activeRuns.Add(-1)
}

// RecordRegistration increments the registrations counter.
func (m *Metrics) RecordRegistration(ctx context.Context, heartbeat bool) {
	if m.registrations == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("heartbeat", heartbeat)))
}

// RecordHeartbeatLoss increments the heartbeat-loss counter.
func (m *Metrics) RecordHeartbeatLoss(ctx context.Context) {
	if m.heartbeatLoss == nil {
		return
	}
	m.heartbeatLoss.Add(ctx, 1)
}

// SetRegistrySize sets the current registry size for the observable gauge.
func (m *Metrics) SetRegistrySize(n int) {
	m.registrySize.Store(int64(n))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.callbackReg != nil {
		if err := m.callbackReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister gauge callback: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		return NoopMetrics()
	}

	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
