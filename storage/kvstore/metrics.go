package kvstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anqori/anchorwatch/metric"
)

type storeMetrics struct {
	ops      *prometheus.CounterVec   // by operation
	errors   *prometheus.CounterVec   // by operation
	duration *prometheus.HistogramVec // by operation
}

func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "kvstore",
			Name:        "operations_total",
			Help:        "KV store operations",
			ConstLabels: labels,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "kvstore",
			Name:        "errors_total",
			Help:        "Failed KV store operations",
			ConstLabels: labels,
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "kvstore",
			Name:        "operation_duration_seconds",
			Help:        "KV store operation duration",
			ConstLabels: labels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
	}
	err := registry.RegisterAll("kvstore_"+bucket, map[string]prometheus.Collector{
		"operations": m.ops,
		"errors":     m.errors,
		"duration":   m.duration,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(op).Inc()
	}
}
