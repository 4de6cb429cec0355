// Package metrics exposes Prometheus collectors for the keeper. A nil
// *Metrics is valid and records nothing, so wiring stays optional in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	RPCRequests *prometheus.CounterVec
	RPCLatency  *prometheus.HistogramVec

	Transactions  *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	TickDuration *prometheus.HistogramVec
	Decisions    *prometheus.CounterVec

	ActiveStrategies *prometheus.GaugeVec
	PositionValue    *prometheus.GaugeVec

	StreamClients *prometheus.GaugeVec
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		RPCRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_rpc_requests_total",
				Help: "RPC requests by endpoint, method, and outcome",
			},
			[]string{"endpoint", "method", "outcome"},
		),

		RPCLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keeper_rpc_latency_seconds",
				Help:    "RPC request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),

		Transactions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_transactions_total",
				Help: "Chain transactions by operation and outcome",
			},
			[]string{"operation", "outcome"}, // outcome: confirmed, failed, timeout
		),

		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_retry_attempts_total",
				Help: "Retry attempts by operation type",
			},
			[]string{"operation"},
		),

		TickDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keeper_tick_duration_seconds",
				Help:    "Strategy tick duration",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"strategy"},
		),

		Decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_decisions_total",
				Help: "Tick decisions by strategy type",
			},
			[]string{"strategy", "decision"},
		),

		ActiveStrategies: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keeper_strategies",
				Help: "Strategy instances by status",
			},
			[]string{"status"},
		),

		PositionValue: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keeper_position_value_y",
				Help: "Position value per instance, denominated in token Y",
			},
			[]string{"instance"},
		),

		StreamClients: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keeper_stream_clients",
				Help: "Connected websocket clients per room",
			},
			[]string{"room"},
		),
	}
}

// ObserveRPC records one RPC round trip.
func (m *Metrics) ObserveRPC(endpoint, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(endpoint, method, outcome).Inc()
	m.RPCLatency.WithLabelValues(endpoint, method).Observe(d.Seconds())
}

// RecordTransaction records a chain transaction outcome.
func (m *Metrics) RecordTransaction(operation, outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(operation, outcome).Inc()
}

// RecordRetry records one retry attempt for an operation type.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// ObserveTick records a completed strategy tick and its decision.
func (m *Metrics) ObserveTick(strategy, decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.WithLabelValues(strategy).Observe(d.Seconds())
	m.Decisions.WithLabelValues(strategy, decision).Inc()
}

// SetStrategyCount sets the number of instances in one status.
func (m *Metrics) SetStrategyCount(status string, n float64) {
	if m == nil {
		return
	}
	m.ActiveStrategies.WithLabelValues(status).Set(n)
}

// SetPositionValue sets the current Y-denominated value of an instance.
func (m *Metrics) SetPositionValue(instance string, v float64) {
	if m == nil {
		return
	}
	m.PositionValue.WithLabelValues(instance).Set(v)
}

// DropPositionValue removes the gauge series of a deleted instance.
func (m *Metrics) DropPositionValue(instance string) {
	if m == nil {
		return
	}
	m.PositionValue.DeleteLabelValues(instance)
}

// SetStreamClients sets the connected-client count for one room.
func (m *Metrics) SetStreamClients(room string, n float64) {
	if m == nil {
		return
	}
	m.StreamClients.WithLabelValues(room).Set(n)
}
