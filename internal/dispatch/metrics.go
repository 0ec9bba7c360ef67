package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records dispatch activity. A nil *Metrics is a valid no-op.
type Metrics struct {
	items         *prometheus.CounterVec
	failures      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
}

// NewMetrics creates the dispatch collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coep_dispatch_items_total",
				Help: "Total number of work items submitted to a backend",
			},
			[]string{"backend"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coep_dispatch_item_failures_total",
				Help: "Total number of work item evaluations that failed",
			},
			[]string{"backend"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coep_dispatch_item_retries_total",
				Help: "Total number of work items resubmitted after a failure or timeout",
			},
			[]string{"backend"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coep_dispatch_batch_duration_seconds",
				Help:    "Wall-clock duration of SubmitBatch calls",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"backend"},
		),
	}

	reg.MustRegister(m.items, m.failures, m.retries, m.batchDuration)
	return m
}

func (m *Metrics) addItems(backend string, n int) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) addFailure(backend string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(backend).Inc()
}

func (m *Metrics) addRetries(backend string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.retries.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) observeBatch(backend string, start time.Time) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
}
