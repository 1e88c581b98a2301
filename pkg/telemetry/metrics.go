package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine metrics for Prometheus scraping.
type Metrics struct {
	plansComputed *prometheus.CounterVec
	planDuration  prometheus.Histogram

	operationsApplied *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	discoveryReads *prometheus.CounterVec

	referencesResolved prometheus.Counter

	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. When disabled it returns nil and
// callers treat every record as a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "kolumn"
	}
	buckets := cfg.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		plansComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_computed_total",
				Help:      "Number of plans computed, labelled by whether they carry changes.",
			},
			[]string{"changes"},
		),
		planDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Time spent computing plans.",
				Buckets:   buckets,
			},
		),
		operationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_applied_total",
				Help:      "Executed operations by action and outcome.",
			},
			[]string{"action", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Execution time per operation action.",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider lifecycle calls by provider kind and operation.",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call latency.",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		discoveryReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_reads_total",
				Help:      "Discovery reads by result (hit, miss, error).",
			},
			[]string{"result"},
		),
		referencesResolved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "references_resolved_total",
				Help:      "Interpolation references resolved.",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Engine errors by classification.",
			},
			[]string{"class"},
		),
	}

	collectors := []prometheus.Collector{
		m.plansComputed,
		m.planDuration,
		m.operationsApplied,
		m.operationDuration,
		m.providerCalls,
		m.providerDuration,
		m.discoveryReads,
		m.referencesResolved,
		m.errorsByClass,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the underlying Prometheus registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordPlan records one computed plan.
func (m *Metrics) RecordPlan(hasChanges bool, duration time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if hasChanges {
		label = "true"
	}
	m.plansComputed.WithLabelValues(label).Inc()
	m.planDuration.Observe(duration.Seconds())
}

// RecordOperation records one executed operation.
func (m *Metrics) RecordOperation(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsApplied.WithLabelValues(action, status).Inc()
	m.operationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordProviderCall records one provider lifecycle call.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordDiscoveryRead records one discovery read outcome.
func (m *Metrics) RecordDiscoveryRead(result string) {
	if m == nil {
		return
	}
	m.discoveryReads.WithLabelValues(result).Inc()
}

// RecordReferenceResolved counts one resolved interpolation reference.
func (m *Metrics) RecordReferenceResolved() {
	if m == nil {
		return
	}
	m.referencesResolved.Inc()
}

// RecordError counts one classified engine error.
func (m *Metrics) RecordError(class string) {
	if m == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}
