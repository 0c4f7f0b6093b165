package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the given registerer. A nil *Metrics records
// nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	conflicts   *prometheus.CounterVec
	expirations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "growswap",
				Subsystem: "exchange",
				Name:      "operations_total",
				Help:      "Engine operations by result code",
			},
			[]string{"op", "result"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "growswap",
				Subsystem: "exchange",
				Name:      "operation_duration_seconds",
				Help:      "Engine operation latency including retries",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "growswap",
				Subsystem: "exchange",
				Name:      "store_conflicts_total",
				Help:      "Transactions re-run after a store conflict",
			},
			[]string{"op"},
		),
		expirations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "growswap",
				Subsystem: "exchange",
				Name:      "offers_expired_total",
				Help:      "Offers expired, by the path that observed them",
			},
			[]string{"path"},
		),
	}
}

func (m *Metrics) observe(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) expired(path string) {
	if m == nil {
		return
	}
	m.expirations.WithLabelValues(path).Inc()
}
