package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/events"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

// stateMetrics describe the cluster as seen by the latest pass of each scaling group.
type stateMetrics struct {
	mu sync.Mutex

	pendingSessions *prometheus.GaugeVec
	agents          *prometheus.GaugeVec
	freeSlots       *prometheus.GaugeVec
	lifecycleEvents *prometheus.CounterVec
	allMetrics      []resettableMetric
}

func newStateMetrics() *stateMetrics {
	pendingSessions := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "pending_sessions",
			Help: "Number of pending sessions",
		},
		scalingGroupLabels,
	)
	agents := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "agents",
			Help: "Number of agents by status",
		},
		[]string{scalingGroupLabel, statusLabel},
	)
	freeSlots := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: prefix + "free_slots",
			Help: "Unoccupied capacity of schedulable agents",
		},
		[]string{scalingGroupLabel, slotLabel},
	)
	lifecycleEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "lifecycle_events_total",
			Help: "Number of session and kernel lifecycle events published",
		},
		[]string{scalingGroupLabel, typeLabel},
	)
	return &stateMetrics{
		pendingSessions: pendingSessions,
		agents:          agents,
		freeSlots:       freeSlots,
		lifecycleEvents: lifecycleEvents,
		allMetrics:      []resettableMetric{pendingSessions, agents, freeSlots, lifecycleEvents},
	}
}

// ReportSnapshot replaces the state metrics of the snapshot's scaling group.
func (m *stateMetrics) ReportSnapshot(snap *snapshot.SystemSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := snap.ScalingGroup().Name
	labels := prometheus.Labels{scalingGroupLabel: group}
	m.agents.DeletePartialMatch(labels)
	m.freeSlots.DeletePartialMatch(labels)

	m.pendingSessions.WithLabelValues(group).Set(float64(len(snap.PendingSessions())))
	for _, agent := range snap.Agents() {
		m.agents.WithLabelValues(group, string(agent.Status)).Inc()
	}
	remaining := snap.RemainingCapacity()
	for _, name := range remaining.Names() {
		m.freeSlots.WithLabelValues(group, name).Set(remaining.Get(name).Float64())
	}
}

func (m *stateMetrics) reportEvents(evs []*events.Event) {
	for _, e := range evs {
		m.lifecycleEvents.WithLabelValues(e.ScalingGroup, string(e.Type)).Inc()
	}
}

func (m *stateMetrics) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, metric := range m.allMetrics {
		metric.Reset()
	}
}

func (m *stateMetrics) describe(ch chan<- *prometheus.Desc) {
	for _, metric := range m.allMetrics {
		metric.Describe(ch)
	}
}

func (m *stateMetrics) collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, metric := range m.allMetrics {
		metric.Collect(ch)
	}
}

// CountingPublisher counts the events passing through it before handing them on.
type CountingPublisher struct {
	events.Publisher
	metrics *Metrics
}

func NewCountingPublisher(publisher events.Publisher, metrics *Metrics) *CountingPublisher {
	return &CountingPublisher{Publisher: publisher, metrics: metrics}
}

func (p *CountingPublisher) Publish(ctx *sokovancontext.Context, evs ...*events.Event) error {
	if err := p.Publisher.Publish(ctx, evs...); err != nil {
		return err
	}
	p.metrics.reportEvents(evs)
	return nil
}
