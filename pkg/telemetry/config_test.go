package telemetry

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
		{
			name: "bad trace exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "invalid trace exporter",
		},
		{
			name: "sampling rate out of range",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "none"
				c.Tracing.SamplingRate = 1.5
			},
			wantErr: "sampling rate",
		},
		{
			name: "disabled tracing skips exporter check",
			mutate: func(c *Config) {
				c.Tracing.Enabled = false
				c.Tracing.Exporter = "jaeger"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m != nil {
		t.Fatalf("disabled metrics should be nil, got %v", m)
	}

	// All recorders are no-ops on a nil collector.
	m.RecordPlan(true, time.Second)
	m.RecordOperation("create", "succeeded", time.Second)
	m.RecordError("transient")
	if m.Registry() != nil {
		t.Fatal("nil collector should expose no registry")
	}
}

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "testns"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	m.RecordPlan(true, 250*time.Millisecond)
	m.RecordOperation("create", "succeeded", 100*time.Millisecond)
	m.RecordDiscoveryRead("hit")
	m.RecordReferenceResolved()
	m.RecordError("permanent")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"testns_plans_computed_total",
		"testns_operations_applied_total",
		"testns_discovery_reads_total",
		"testns_references_resolved_total",
		"testns_errors_by_class_total",
	} {
		if !names[want] {
			t.Errorf("metric family %s not gathered", want)
		}
	}
}
