// Package metrics holds the exchange's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components and tests
// can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exchange"

type Metrics struct {
	registry *prometheus.Registry

	ordersAccepted *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	trades         *prometheus.CounterVec
	tradedQty      *prometheus.CounterVec
	cancels        *prometheus.CounterVec
	journalAppend  prometheus.Histogram
	journalRetries prometheus.Counter
	shardFailures  *prometheus.CounterVec
	outboxPending  prometheus.Gauge
	restingOrders  *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ordersAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_accepted_total",
			Help:      "Orders accepted and journaled.",
		}, []string{"instrument"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Commands rejected, by reason.",
		}, []string{"reason"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Executed trades.",
		}, []string{"instrument"}),
		tradedQty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traded_quantity_total",
			Help:      "Executed quantity.",
		}, []string{"instrument"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Explicit cancels applied.",
		}, []string{"instrument"}),
		journalAppend: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "journal_append_seconds",
			Help:      "Journal append latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		journalRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_append_retries_total",
			Help:      "Journal append attempts that were retried.",
		}),
		shardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_failures_total",
			Help:      "Shards stopped by an unrecoverable error.",
		}, []string{"instrument"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Outbound events not yet acknowledged by the sink.",
		}),
		restingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resting_orders",
			Help:      "Orders resting in the book.",
		}, []string{"instrument"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ordersAccepted,
		m.ordersRejected,
		m.trades,
		m.tradedQty,
		m.cancels,
		m.journalAppend,
		m.journalRetries,
		m.shardFailures,
		m.outboxPending,
		m.restingOrders,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderAccepted(ticker string) {
	if m == nil {
		return
	}
	m.ordersAccepted.WithLabelValues(ticker).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Trade(ticker string, qty int64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(ticker).Inc()
	m.tradedQty.WithLabelValues(ticker).Add(float64(qty))
}

func (m *Metrics) Cancelled(ticker string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(ticker).Inc()
}

func (m *Metrics) JournalAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.journalAppend.Observe(d.Seconds())
}

func (m *Metrics) JournalRetry() {
	if m == nil {
		return
	}
	m.journalRetries.Inc()
}

func (m *Metrics) ShardFailed(ticker string) {
	if m == nil {
		return
	}
	m.shardFailures.WithLabelValues(ticker).Inc()
}

func (m *Metrics) OutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

func (m *Metrics) Resting(ticker string, n int) {
	if m == nil {
		return
	}
	m.restingOrders.WithLabelValues(ticker).Set(float64(n))
}
