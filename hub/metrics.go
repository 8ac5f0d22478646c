package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anqori/anchorwatch/metric"
)

type hubMetrics struct {
	boats        prometheus.Gauge
	sockets      *prometheus.GaugeVec
	connections  *prometheus.CounterVec
	frames       *prometheus.CounterVec
	deliveries   prometheus.Counter
	sendFailures prometheus.Counter
}

func newHubMetrics(registry *metric.MetricsRegistry) (*hubMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &hubMetrics{
		boats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "boats",
			Help:      "Boats with at least one open socket",
		}),
		sockets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "sockets",
			Help:      "Open sockets by role",
		}, []string{"role"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "connections_total",
			Help:      "Sockets registered by role",
		}, []string{"role"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "frames_total",
			Help:      "Inbound frames by outcome",
		}, []string{"result"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Frames written to peers by broadcast",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "hub",
			Name:      "send_failures_total",
			Help:      "Peer writes that failed and dropped the peer",
		}),
	}
	if err := registry.RegisterAll("hub", map[string]prometheus.Collector{
		"boats":         m.boats,
		"sockets":       m.sockets,
		"connections":   m.connections,
		"frames":        m.frames,
		"deliveries":    m.deliveries,
		"send_failures": m.sendFailures,
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *hubMetrics) setBoats(n int) {
	if m != nil {
		m.boats.Set(float64(n))
	}
}

func (m *hubMetrics) socketOpened(role string) {
	if m != nil {
		m.sockets.WithLabelValues(role).Inc()
		m.connections.WithLabelValues(role).Inc()
	}
}

func (m *hubMetrics) socketClosed(role string) {
	if m != nil {
		m.sockets.WithLabelValues(role).Dec()
	}
}

func (m *hubMetrics) recordFrame(result string) {
	if m != nil {
		m.frames.WithLabelValues(result).Inc()
	}
}

func (m *hubMetrics) recordDelivery() {
	if m != nil {
		m.deliveries.Inc()
	}
}

func (m *hubMetrics) recordSendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}
