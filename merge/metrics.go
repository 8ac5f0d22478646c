package merge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anqori/anchorwatch/metric"
)

type mergeMetrics struct {
	submits     *prometheus.CounterVec
	trackPoints prometheus.Counter
}

func newMergeMetrics(registry *metric.MetricsRegistry) (*mergeMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &mergeMetrics{
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "merge",
			Name:      "submits_total",
			Help:      "State and config submissions by result",
		}, []string{"kind", "result"}),
		trackPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "merge",
			Name:      "track_points_total",
			Help:      "Track points appended from state submissions",
		}),
	}
	if err := registry.RegisterAll("merge", map[string]prometheus.Collector{
		"submits":      m.submits,
		"track_points": m.trackPoints,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *mergeMetrics) recordSubmit(kind, result string) {
	if m != nil {
		m.submits.WithLabelValues(kind, result).Inc()
	}
}

func (m *mergeMetrics) recordTrackPoint() {
	if m != nil {
		m.trackPoints.Inc()
	}
}
