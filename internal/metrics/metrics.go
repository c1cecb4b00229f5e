// Package metrics exposes Prometheus collectors for the exchange client and
// bracket controllers:
//   - bracket_http_requests_total{endpoint,outcome}
//   - bracket_http_request_seconds{endpoint}
//   - bracket_http_retries_total{endpoint,reason}
//   - bracket_rate_budget_remaining
//   - bracket_transitions_total{from,to}
//   - bracket_orders_total{action,role}
//   - bracket_active_positions
package metrics

import (
	"time"

	"github.com/amirphl/mexc-bracket/internal/order"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	budget      prometheus.Gauge
	transitions *prometheus.CounterVec
	orders      *prometheus.CounterVec
	active      prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_http_requests_total",
				Help: "Exchange requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bracket_http_request_seconds",
				Help:    "Exchange request latency",
				Buckets: prometheus.ExponentialBuckets(0.025, 2, 9),
			},
			[]string{"endpoint"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_http_retries_total",
				Help: "Retried exchange requests by reason",
			},
			[]string{"endpoint", "reason"},
		),
		budget: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bracket_rate_budget_remaining",
				Help: "Request weight left in the current rate window",
			},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_transitions_total",
				Help: "Controller state transitions",
			},
			[]string{"from", "to"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bracket_orders_total",
				Help: "Orders placed or cancelled by role",
			},
			[]string{"action", "role"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bracket_active_positions",
				Help: "Controllers currently running",
			},
		),
	}
	reg.MustRegister(m.requests, m.latency, m.retries, m.budget, m.transitions, m.orders, m.active)
	return m
}

func (m *Metrics) ObserveRequest(endpoint, outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	m.latency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(endpoint, reason string) {
	m.retries.WithLabelValues(endpoint, reason).Inc()
}

func (m *Metrics) ObserveBudget(remaining int) { m.budget.Set(float64(remaining)) }

func (m *Metrics) ObserveTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveOrder(action string, role order.Role) {
	m.orders.WithLabelValues(action, string(role)).Inc()
}

// PositionStarted and PositionFinished track running controllers.
func (m *Metrics) PositionStarted()  { m.active.Inc() }
func (m *Metrics) PositionFinished() { m.active.Dec() }
