package metric

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the process-level metrics shared by every component.
type Metrics struct {
	BuildInfo     *prometheus.GaugeVec
	ErrorsTotal   *prometheus.CounterVec
	HealthStatus  *prometheus.GaugeVec
	NATSConnected prometheus.Gauge
}

// NewMetrics creates the process-level metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Constant 1, labelled with the running build version",
		}, []string{"service", "version"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"component"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.BuildInfo, m.ErrorsTotal, m.HealthStatus, m.NATSConnected}
}

// RecordBuild publishes the build version of service.
func (m *Metrics) RecordBuild(service, version string) {
	m.BuildInfo.WithLabelValues(service, version).Set(1)
}

// RecordError counts one error of class in component.
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealth stores the health level of component.
func (m *Metrics) RecordHealth(component string, level int) {
	m.HealthStatus.WithLabelValues(component).Set(float64(level))
}

// RecordNATSStatus records whether the NATS connection is up.
func (m *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
		return
	}
	m.NATSConnected.Set(0)
}
