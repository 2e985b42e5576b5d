package obs

import (
	"context"
	"testing"
)

func TestDefaultMetricsConfigDisabled(t *testing.T) {
	cfg := DefaultMetricsConfig()
	if cfg.Enabled {
		t.Error("Enabled = true, want false by default")
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("ExporterType = %v, want ExporterNone", cfg.ExporterType)
	}
}

func TestNewMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(context.Background(), DefaultMetricsConfig())
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if m.Enabled() {
		t.Error("Enabled() = true, want false")
	}
	// Recording against a disabled instance must not panic.
	m.RecordRunDuration(context.Background(), "node", 12.5, 0)
	m.RecordRunError(context.Background(), "NODE_DEPENDENCY_INSTALL_FAILED")
	m.IncrementActiveRuns()
	m.DecrementActiveRuns()
	m.RecordRegistration(context.Background(), false)
	m.RecordHeartbeatLoss(context.Background())
}

func TestNewMetricsStdoutExporterRegistersInstruments(t *testing.T) {
	cfg := &MetricsConfig{
		Enabled:      true,
		ServiceName:  "automn-runner-test",
		ExporterType: ExporterStdout,
	}
	m, err := NewMetrics(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	defer m.Shutdown(context.Background())

	if !m.Enabled() {
		t.Error("Enabled() = false, want true")
	}
	m.RecordRunDuration(context.Background(), "node", 42, 0)
	m.RecordRunError(context.Background(), "timeout")
	m.IncrementActiveRuns()
	m.SetRegistrySize(3)
}

func TestGetGlobalMetricsReturnsNoopWhenUnset(t *testing.T) {
	SetGlobalMetrics(nil)
	m := GetGlobalMetrics()
	if m == nil {
		t.Fatal("expected non-nil noop metrics")
	}
	if m.Enabled() {
		t.Error("Enabled() = true, want false for the default noop instance")
	}
}

func TestSetGlobalMetricsOverrides(t *testing.T) {
	custom := NoopMetrics()
	SetGlobalMetrics(custom)
	defer SetGlobalMetrics(nil)

	if got := GetGlobalMetrics(); got != custom {
		t.Fatal("expected the previously set metrics instance to be returned")
	}
}

func TestNoopMetricsShutdown(t *testing.T) {
	m := NoopMetrics()
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
