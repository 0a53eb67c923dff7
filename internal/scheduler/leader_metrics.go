package scheduler

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
)

var (
	leaderStatusDesc = prometheus.NewDesc(
		"sokovan_scheduler_instance_leader_election_status",
		"1 when this scheduler instance leads, 0 when it is a standby.",
		[]string{"name"}, nil,
	)
	leaderChangesDesc = prometheus.NewDesc(
		"sokovan_scheduler_instance_leader_changes_total",
		"Times this scheduler instance gained or lost leadership.",
		[]string{"name"}, nil,
	)
)

// LeaderStatusMetricsCollector exports this instance's leadership as a LeaseListener fed by the LeaderController.
type LeaderStatusMetricsCollector struct {
	instance string
	leading  atomic.Bool
	changes  atomic.Uint64
}

func NewLeaderStatusMetricsCollector(instance string) *LeaderStatusMetricsCollector {
	return &LeaderStatusMetricsCollector{instance: instance}
}

func (c *LeaderStatusMetricsCollector) onStartedLeading(*sokovancontext.Context) {
	if c.leading.CompareAndSwap(false, true) {
		c.changes.Add(1)
	}
}

func (c *LeaderStatusMetricsCollector) onStoppedLeading() {
	if c.leading.CompareAndSwap(true, false) {
		c.changes.Add(1)
	}
}

func (c *LeaderStatusMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- leaderStatusDesc
	ch <- leaderChangesDesc
}

func (c *LeaderStatusMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	status := 0.0
	if c.leading.Load() {
		status = 1
	}
	ch <- prometheus.MustNewConstMetric(leaderStatusDesc, prometheus.GaugeValue, status, c.instance)
	ch <- prometheus.MustNewConstMetric(leaderChangesDesc, prometheus.CounterValue, float64(c.changes.Load()), c.instance)
}
