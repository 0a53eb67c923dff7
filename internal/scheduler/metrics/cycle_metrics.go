package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

var scalingGroupLabels = []string{scalingGroupLabel}

type cycleMetrics struct {
	leaderMetricsEnabled  bool
	cycleMetricAccessLock sync.Mutex

	passDuration         *prometheus.HistogramVec
	scheduledSessions    *prometheus.CounterVec
	validationFailures   *prometheus.CounterVec
	allocationFailures   *prometheus.CounterVec
	erroredSessions      *prometheus.CounterVec
	terminatedKernels    *prometheus.CounterVec
	allResettableMetrics []resettableMetric
}

type resettableMetric interface {
	prometheus.Collector
	Reset()
}

func newCycleMetrics() *cycleMetrics {
	passDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "pass_duration_seconds",
			Help:    "Duration of a scheduling pass",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		},
		scalingGroupLabels,
	)
	scheduledSessions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "sessions_scheduled_total",
			Help: "Number of sessions allocated to agents",
		},
		scalingGroupLabels,
	)
	validationFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "validation_failures_total",
			Help: "Number of times a pending session was not eligible for scheduling",
		},
		[]string{scalingGroupLabel, kindLabel},
	)
	allocationFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "allocation_failures_total",
			Help: "Number of allocations that could not be committed",
		},
		[]string{scalingGroupLabel, retryableLabel},
	)
	erroredSessions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "sessions_errored_total",
			Help: "Number of sessions moved to ERROR after exhausting their retries",
		},
		[]string{scalingGroupLabel, stepLabel},
	)
	terminatedKernels := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "kernels_terminated_total",
			Help: "Number of kernel destroy attempts by outcome",
		},
		[]string{scalingGroupLabel, resultLabel},
	)

	return &cycleMetrics{
		leaderMetricsEnabled: true,
		passDuration:         passDuration,
		scheduledSessions:    scheduledSessions,
		validationFailures:   validationFailures,
		allocationFailures:   allocationFailures,
		erroredSessions:      erroredSessions,
		terminatedKernels:    terminatedKernels,
		allResettableMetrics: []resettableMetric{
			passDuration,
			scheduledSessions,
			validationFailures,
			allocationFailures,
			erroredSessions,
			terminatedKernels,
		},
		cycleMetricAccessLock: sync.Mutex{},
	}
}

func (m *cycleMetrics) enableLeaderMetrics() {
	m.cycleMetricAccessLock.Lock()
	defer m.cycleMetricAccessLock.Unlock()
	m.leaderMetricsEnabled = true
}

func (m *cycleMetrics) disableLeaderMetrics() {
	m.cycleMetricAccessLock.Lock()
	defer m.cycleMetricAccessLock.Unlock()
	for _, metric := range m.allResettableMetrics {
		metric.Reset()
	}
	m.leaderMetricsEnabled = false
}

func (m *cycleMetrics) ReportPassDuration(scalingGroup string, d time.Duration) {
	m.passDuration.WithLabelValues(scalingGroup).Observe(d.Seconds())
}

func (m *cycleMetrics) ReportScheduled(scalingGroup string) {
	m.scheduledSessions.WithLabelValues(scalingGroup).Inc()
}

func (m *cycleMetrics) ReportIneligible(scalingGroup string, kind string) {
	m.validationFailures.WithLabelValues(scalingGroup, kind).Inc()
}

func (m *cycleMetrics) ReportAllocationFailure(scalingGroup string, retryable bool) {
	m.allocationFailures.WithLabelValues(scalingGroup, strconv.FormatBool(retryable)).Inc()
}

func (m *cycleMetrics) ReportErrored(scalingGroup string, step schedulerobjects.SchedulingStep) {
	m.erroredSessions.WithLabelValues(scalingGroup, string(step)).Inc()
}

func (m *cycleMetrics) ReportTerminations(scalingGroup string, results []*schedulerobjects.SessionTerminationResult) {
	for _, r := range results {
		for _, k := range r.Kernels {
			result := succeeded
			if !k.Success {
				result = failed
			}
			m.terminatedKernels.WithLabelValues(scalingGroup, result).Inc()
		}
	}
}

func (m *cycleMetrics) describe(ch chan<- *prometheus.Desc) {
	m.cycleMetricAccessLock.Lock()
	defer m.cycleMetricAccessLock.Unlock()
	if m.leaderMetricsEnabled {
		for _, metric := range m.allResettableMetrics {
			metric.Describe(ch)
		}
	}
}

func (m *cycleMetrics) collect(ch chan<- prometheus.Metric) {
	m.cycleMetricAccessLock.Lock()
	defer m.cycleMetricAccessLock.Unlock()
	if m.leaderMetricsEnabled {
		for _, metric := range m.allResettableMetrics {
			metric.Collect(ch)
		}
	}
}
