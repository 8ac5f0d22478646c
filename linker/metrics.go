package linker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/metric"
)

type linkerMetrics struct {
	verdict   *prometheus.GaugeVec
	active    *prometheus.GaugeVec
	failovers prometheus.Counter
	polls     *prometheus.CounterVec
}

// newLinkerMetrics returns nil when registry is nil.
func newLinkerMetrics(registry *metric.MetricsRegistry) (*linkerMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &linkerMetrics{
		verdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "linker",
			Name:      "verdict",
			Help:      "1 for the current liveness state",
		}, []string{"state"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "linker",
			Name:      "active_connection",
			Help:      "1 for the active connection kind",
		}, []string{"kind"}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "linker",
			Name:      "failovers_total",
			Help:      "Automatic switches away from a dropped direct link",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "linker",
			Name:      "polls_total",
			Help:      "State snapshot polls by result",
		}, []string{"result"}),
	}
	err := registry.RegisterAll("linker", map[string]prometheus.Collector{
		"verdict":           m.verdict,
		"active_connection": m.active,
		"failovers":         m.failovers,
		"polls":             m.polls,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *linkerMetrics) recordVerdict(s State) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.verdict.WithLabelValues(string(st)).Set(v)
	}
}

func (m *linkerMetrics) recordActive(k connection.Kind) {
	if m == nil {
		return
	}
	for _, kind := range []connection.Kind{connection.KindBLE, connection.KindRelay, connection.KindSynthetic} {
		v := 0.0
		if kind == k {
			v = 1
		}
		m.active.WithLabelValues(string(kind)).Set(v)
	}
}

func (m *linkerMetrics) recordFailover() {
	if m != nil {
		m.failovers.Inc()
	}
}

func (m *linkerMetrics) recordPoll(result string) {
	if m != nil {
		m.polls.WithLabelValues(result).Inc()
	}
}
