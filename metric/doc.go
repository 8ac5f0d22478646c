// Package metric holds the Prometheus registry shared by the relay and the
// client.
//
// Components build their own collectors and register them through
// MetricsRegistry. A nil *MetricsRegistry means metrics are disabled, and
// every component constructor accepts that:
//
//	func newHubMetrics(registry *metric.MetricsRegistry) *hubMetrics {
//		if registry == nil {
//			return nil
//		}
//		...
//	}
//
// Handler exposes the registry on /metrics.
package metric
