package refill

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics exposes limiter activity through OpenTelemetry instruments.
type OTelMetrics struct {
	config     MetricsConfig
	meter      metric.Meter
	registered bool
	mu         sync.RWMutex

	// Metrics instruments
	requestsTotal    metric.Int64Counter         // all admission attempts
	acquiredTotal    metric.Int64Counter         // granted attempts
	rejectedTotal    metric.Int64Counter         // refused attempts
	availablePermits metric.Int64ObservableGauge // current permit balance
	waitingCallers   metric.Int64ObservableGauge // callers parked in a wait

	// Probes feeding the observable gauges
	probes  map[string]func() DetailedMetrics
	probeMu sync.RWMutex
}

// MetricsConfig holds configuration for limiter metrics.
type MetricsConfig struct {
	Enabled       bool
	RecordPermits bool
	RecordWaiting bool
}

// NewOTelMetrics creates an OTel metrics provider for refill limiters.
func NewOTelMetrics(cfg MetricsConfig) *OTelMetrics {
	return &OTelMetrics{
		config: cfg,
		probes: make(map[string]func() DetailedMetrics),
	}
}

// MetricsName returns the metrics group name.
func (m *OTelMetrics) MetricsName() string {
	return "ratelimiter"
}

// IsMetricsEnabled returns whether metrics collection is enabled.
func (m *OTelMetrics) IsMetricsEnabled() bool {
	return m.config.Enabled
}

// RegisterMetrics registers all limiter instruments with the given Meter.
func (m *OTelMetrics) RegisterMetrics(meter metric.Meter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	m.meter = meter
	var err error

	m.requestsTotal, err = meter.Int64Counter(
		"ratelimiter_requests_total",
		metric.WithDescription("Total number of permit requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	m.acquiredTotal, err = meter.Int64Counter(
		"ratelimiter_acquired_total",
		metric.WithDescription("Total number of granted permit requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	m.rejectedTotal, err = meter.Int64Counter(
		"ratelimiter_rejected_total",
		metric.WithDescription("Total number of rejected permit requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	if m.config.RecordPermits {
		m.availablePermits, err = meter.Int64ObservableGauge(
			"ratelimiter_available_permits",
			metric.WithDescription("Current available permits, negative while reservations are repaid"),
			metric.WithUnit("{permit}"),
			metric.WithInt64Callback(m.collectAvailablePermits),
		)
		if err != nil {
			return err
		}
	}

	if m.config.RecordWaiting {
		m.waitingCallers, err = meter.Int64ObservableGauge(
			"ratelimiter_waiting_callers",
			metric.WithDescription("Callers currently parked waiting for a refill"),
			metric.WithUnit("{caller}"),
			metric.WithInt64Callback(m.collectWaitingCallers),
		)
		if err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

func (m *OTelMetrics) collectAvailablePermits(_ context.Context, observer metric.Int64Observer) error {
	m.probeMu.RLock()
	defer m.probeMu.RUnlock()

	for name, probe := range m.probes {
		observer.Observe(probe().AvailablePermits,
			metric.WithAttributes(attribute.String("limiter", name)),
		)
	}
	return nil
}

func (m *OTelMetrics) collectWaitingCallers(_ context.Context, observer metric.Int64Observer) error {
	m.probeMu.RLock()
	defer m.probeMu.RUnlock()

	for name, probe := range m.probes {
		observer.Observe(int64(probe().WaitingCallers),
			metric.WithAttributes(attribute.String("limiter", name)),
		)
	}
	return nil
}

// RegisterProbe registers a limiter's metrics probe for gauge collection.
func (m *OTelMetrics) RegisterProbe(name string, probe func() DetailedMetrics) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	m.probes[name] = probe
}

// UnregisterProbe removes a limiter's probe.
func (m *OTelMetrics) UnregisterProbe(name string) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	delete(m.probes, name)
}

// RecordAcquired records a granted request.
func (m *OTelMetrics) RecordAcquired(ctx context.Context, limiterName string) {
	if !m.IsRegistered() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("limiter", limiterName),
	}

	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.acquiredTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRejected records a refused request.
func (m *OTelMetrics) RecordRejected(ctx context.Context, limiterName, reason string) {
	if !m.IsRegistered() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("limiter", limiterName),
		attribute.String("reason", reason),
	}

	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.rejectedTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// IsRegistered returns whether instruments have been registered.
func (m *OTelMetrics) IsRegistered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registered
}
