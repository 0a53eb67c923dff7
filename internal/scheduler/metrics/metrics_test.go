package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/events"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

func TestCycleMetrics(t *testing.T) {
	m := New()
	m.ReportScheduled("default")
	m.ReportScheduled("default")
	m.ReportIneligible("default", "ConcurrencyLimitExceeded")
	m.ReportAllocationFailure("default", true)
	m.ReportErrored("default", schedulerobjects.StepStart)
	m.ReportTerminations("default", []*schedulerobjects.SessionTerminationResult{
		{
			SessionID: "s1",
			Kernels: []schedulerobjects.KernelTerminationResult{
				{KernelID: "k0", Success: true},
				{KernelID: "k1", Success: false},
			},
		},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.scheduledSessions.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationFailures.WithLabelValues("default", "ConcurrencyLimitExceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocationFailures.WithLabelValues("default", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.erroredSessions.WithLabelValues("default", string(schedulerobjects.StepStart))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminatedKernels.WithLabelValues("default", succeeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminatedKernels.WithLabelValues("default", failed)))
}

func TestDisableLeaderMetrics(t *testing.T) {
	m := New()
	m.ReportScheduled("default")
	m.ReportPassDuration("default", 10*time.Millisecond)

	collected := func() int {
		ch := make(chan prometheus.Metric, 1000)
		m.Collect(ch)
		close(ch)
		n := 0
		for range ch {
			n++
		}
		return n
	}

	require.Greater(t, collected(), 0)
	m.DisableLeaderMetrics()
	assert.Equal(t, 0, collected())

	m.EnableLeaderMetrics()
	m.ReportScheduled("default")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scheduledSessions.WithLabelValues("default")))
}

func TestReportSnapshot(t *testing.T) {
	agent := func(id string, status schedulerobjects.AgentStatus, cpu int64) *schedulerobjects.AgentInfo {
		return &schedulerobjects.AgentInfo{
			AgentID:        id,
			ScalingGroup:   "default",
			Status:         status,
			Schedulable:    true,
			AvailableSlots: resources.FromInts(map[string]int64{resources.CPU: cpu, resources.Memory: cpu << 30}),
		}
	}
	snap := snapshot.New(snapshot.Input{
		ScalingGroup: schedulerobjects.ScalingGroupOpts{Name: "default"},
		Now:          time.Now(),
		Agents: []*schedulerobjects.AgentInfo{
			agent("a", schedulerobjects.AgentAlive, 4),
			agent("b", schedulerobjects.AgentAlive, 8),
			agent("c", schedulerobjects.AgentLost, 16),
		},
		PendingSessions: []*schedulerobjects.SessionWorkload{
			{SessionID: "p1", ScalingGroup: "default"},
			{SessionID: "p2", ScalingGroup: "default"},
			{SessionID: "p3", ScalingGroup: "gpu"},
		},
	})

	m := New()
	m.ReportSnapshot(snap)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.pendingSessions.WithLabelValues("default")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.freeSlots.WithLabelValues("default", resources.CPU)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.agents.WithLabelValues("default", string(schedulerobjects.AgentAlive))))

	expected := `
# HELP sokovan_scheduler_pending_sessions Number of pending sessions
# TYPE sokovan_scheduler_pending_sessions gauge
sokovan_scheduler_pending_sessions{scalingGroup="default"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(m.pendingSessions, strings.NewReader(expected)))
}

func TestCountingPublisher(t *testing.T) {
	m := New()
	recorder := events.NewRecorder()
	publisher := NewCountingPublisher(recorder, m)

	err := publisher.Publish(
		sokovancontext.Background(),
		&events.Event{Type: events.SessionScheduled, SessionID: "s1", ScalingGroup: "default"},
		&events.Event{Type: events.KernelScheduled, SessionID: "s1", KernelID: "k0", ScalingGroup: "default"},
	)
	require.NoError(t, err)

	assert.Len(t, recorder.Events(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycleEvents.WithLabelValues("default", string(events.SessionScheduled))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lifecycleEvents.WithLabelValues("default", string(events.KernelScheduled))))
}
