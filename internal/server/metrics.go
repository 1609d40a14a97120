package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payrails/internal/transaction"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	paymentsTotal      *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	statusDuration     *prometheus.HistogramVec
	cancellationsTotal *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	transactions       *prometheus.GaugeVec
	problematic        prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payrails_payments_initiated_total",
		Help: "Payment initiation requests by result",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payrails_status_transitions_total",
		Help: "Accepted status transitions by target status",
	}, []string{"to"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrails_status_duration_seconds",
		Help:    "Time a payment spent in a status before leaving it",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"status"})

	cancellations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payrails_cancellations_total",
		Help: "Cancellation requests by result",
	}, []string{"result"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payrails_retries_total",
		Help: "Retry requests by result",
	}, []string{"result"})

	transactions := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payrails_transactions",
		Help: "Tracked transactions by current status",
	}, []string{"status"})

	problematic := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "payrails_problematic_transactions",
		Help: "Transactions failed with retries left or stuck in flight",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(payments, transitions, duration, cancellations, retries, transactions, problematic)

	return &metricsRegistry{
		registry:           r,
		paymentsTotal:      payments,
		transitionsTotal:   transitions,
		statusDuration:     duration,
		cancellationsTotal: cancellations,
		retriesTotal:       retries,
		transactions:       transactions,
		problematic:        problematic,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPayment(result string) {
	m.paymentsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incCancel(result string) {
	m.cancellationsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retriesTotal.WithLabelValues(result).Inc()
}

// observer counts transitions and records how long the payment sat in the
// status it just left.
func (m *metricsRegistry) observer(manager *transaction.Manager) transaction.StatusChangeFunc {
	return func(id string, from, to transaction.Status) {
		m.transitionsTotal.WithLabelValues(to.String()).Inc()

		history := manager.GetTransactionHistory(id)
		if n := len(history); n >= 2 {
			spent := history[n-1].Timestamp.Sub(history[n-2].Timestamp)
			m.statusDuration.WithLabelValues(from.String()).Observe(spent.Seconds())
		}
	}
}

func (m *metricsRegistry) refresh(stats transaction.Statistics) {
	for _, status := range transaction.AllStatuses() {
		m.transactions.WithLabelValues(status.String()).Set(float64(stats.ByStatus[status]))
	}
	m.problematic.Set(float64(stats.Problematic))
}
