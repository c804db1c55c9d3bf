// Package metrics exposes commerce counters to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fitcore_commerce"

// Metrics is nil-safe: every method is a no-op on a nil receiver so tests
// and the CLI can run without a registry.
type Metrics struct {
	webhookEvents     *prometheus.CounterVec
	providerCalls     *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	reconcilerChanges *prometheus.CounterVec
	checkouts         *prometheus.CounterVec
	gateDenials       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Payments provider calls by operation and result.",
		}, []string{"operation", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of payments provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		reconcilerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_transitions_total",
			Help:      "Rows changed by reconciler sweeps.",
		}, []string{"sweep"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		gateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_denials_total",
			Help:      "Access gate denials by requirement.",
		}, []string{"requirement"}),
	}

	var err error
	if m.webhookEvents, err = register(reg, m.webhookEvents); err != nil {
		return nil, err
	}
	if m.providerCalls, err = register(reg, m.providerCalls); err != nil {
		return nil, err
	}
	if m.providerLatency, err = register(reg, m.providerLatency); err != nil {
		return nil, err
	}
	if m.reconcilerChanges, err = register(reg, m.reconcilerChanges); err != nil {
		return nil, err
	}
	if m.checkouts, err = register(reg, m.checkouts); err != nil {
		return nil, err
	}
	if m.gateDenials, err = register(reg, m.gateDenials); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns the already-registered collector when one exists, so a
// second server instance in the same process shares counters.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register commerce metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ProviderCall(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.providerCalls.WithLabelValues(operation, result).Inc()
	m.providerLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ReconcilerTransitions(sweep string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcilerChanges.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) Checkout(kind, outcome string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) GateDenied(requirement string) {
	if m == nil {
		return
	}
	m.gateDenials.WithLabelValues(requirement).Inc()
}
