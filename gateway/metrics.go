package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anqori/anchorwatch/metric"
)

type gatewayMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newGatewayMetrics(registry *metric.MetricsRegistry) (*gatewayMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &gatewayMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	if err := registry.RegisterAll("gateway", map[string]prometheus.Collector{
		"requests": m.requests,
		"duration": m.duration,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gatewayMetrics) observe(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
	if route != "/v1/pipe" {
		m.duration.WithLabelValues(route).Observe(d.Seconds())
	}
}
