package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the top level scheduler metrics.
type Metrics struct {
	*cycleMetrics
	*stateMetrics
}

func New() *Metrics {
	return &Metrics{
		cycleMetrics: newCycleMetrics(),
		stateMetrics: newStateMetrics(),
	}
}

// DisableLeaderMetrics stops and resets the metrics only the leader produces. Followers never
// schedule, so leaving them in place would double count.
func (m *Metrics) DisableLeaderMetrics() {
	m.cycleMetrics.disableLeaderMetrics()
	m.stateMetrics.reset()
}

// EnableLeaderMetrics starts producing the leader metrics again.
func (m *Metrics) EnableLeaderMetrics() {
	m.cycleMetrics.enableLeaderMetrics()
}

// Describe is necessary to implement the prometheus.Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.cycleMetrics.describe(ch)
	m.stateMetrics.describe(ch)
}

// Collect is necessary to implement the prometheus.Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.cycleMetrics.collect(ch)
	m.stateMetrics.collect(ch)
}
