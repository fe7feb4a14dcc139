// Package metrics holds the wallet's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of wallet collectors on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	balance    *prometheus.GaugeVec
	operations *prometheus.CounterVec
	unsaved    prometheus.Counter
	reconcile  prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nutkeeper",
			Name:      "balance",
			Help:      "Held balance per mint.",
		}, []string{"mint"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nutkeeper",
			Name:      "operations_total",
			Help:      "Wallet operations by result.",
		}, []string{"op", "result"}),
		unsaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nutkeeper",
			Name:      "unsaved_funds_total",
			Help:      "Proof groups parked in the recovery queue after a failed publish.",
		}),
		reconcile: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nutkeeper",
			Name:      "reconcile_seconds",
			Help:      "Duration of per-mint reconciliation.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.balance, m.operations, m.unsaved, m.reconcile)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBalance records the held balance at mint.
func (m *Metrics) SetBalance(mint string, amount uint64) {
	if m == nil {
		return
	}
	m.balance.WithLabelValues(mint).Set(float64(amount))
}

// Operation counts one wallet operation; err decides the result label.
func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// Unsaved counts proof groups parked for later publication.
func (m *Metrics) Unsaved(n int) {
	if m == nil {
		return
	}
	m.unsaved.Add(float64(n))
}

// ObserveReconcile records a reconciliation duration.
func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcile.Observe(d.Seconds())
}
