package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testSession(status schedulerobjects.SessionStatus, kernelStatuses ...schedulerobjects.KernelStatus) *schedulerobjects.Session {
	session := &schedulerobjects.Session{
		Workload: &schedulerobjects.SessionWorkload{SessionID: "s1", ScalingGroup: "default"},
		Status:   status,
		Result:   schedulerobjects.ResultUndefined,
	}
	for i, ks := range kernelStatuses {
		session.Kernels = append(session.Kernels, &schedulerobjects.Kernel{
			KernelWorkload: schedulerobjects.KernelWorkload{KernelID: []string{"k0", "k1", "k2"}[i]},
			SessionID:      "s1",
			AgentID:        "a",
			Status:         ks,
		})
	}
	return session
}

func TestDiff(t *testing.T) {
	tests := map[string]struct {
		before   *schedulerobjects.Session
		after    *schedulerobjects.Session
		expected []Type
	}{
		"newly scheduled": {
			before:   testSession(schedulerobjects.SessionPending, schedulerobjects.KernelPending, schedulerobjects.KernelPending),
			after:    testSession(schedulerobjects.SessionScheduled, schedulerobjects.KernelScheduled, schedulerobjects.KernelScheduled),
			expected: []Type{KernelScheduled, KernelScheduled, SessionScheduled},
		},
		"one kernel progressed": {
			before:   testSession(schedulerobjects.SessionPreparing, schedulerobjects.KernelPreparing, schedulerobjects.KernelPreparing),
			after:    testSession(schedulerobjects.SessionPreparing, schedulerobjects.KernelPulling, schedulerobjects.KernelPreparing),
			expected: []Type{KernelPulling},
		},
		"all running": {
			before:   testSession(schedulerobjects.SessionCreating, schedulerobjects.KernelRunning, schedulerobjects.KernelCreating),
			after:    testSession(schedulerobjects.SessionRunning, schedulerobjects.KernelRunning, schedulerobjects.KernelRunning),
			expected: []Type{KernelStarted, SessionStarted},
		},
		"nothing changed": {
			before: testSession(schedulerobjects.SessionRunning, schedulerobjects.KernelRunning),
			after:  testSession(schedulerobjects.SessionRunning, schedulerobjects.KernelRunning),
		},
		"terminating kernels have no event of their own": {
			before:   testSession(schedulerobjects.SessionRunning, schedulerobjects.KernelRunning),
			after:    testSession(schedulerobjects.SessionTerminating, schedulerobjects.KernelTerminating),
			expected: []Type{SessionTerminating},
		},
		"no previous state": {
			after:    testSession(schedulerobjects.SessionCancelled, schedulerobjects.KernelCancelled),
			expected: []Type{SessionCancelled},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var types []Type
			for _, e := range Diff(tc.before, tc.after, now) {
				assert.Equal(t, "s1", e.SessionID)
				assert.Equal(t, now, e.Time)
				types = append(types, e.Type)
			}
			assert.Equal(t, tc.expected, types)
		})
	}
}

type capturingPublisher struct {
	msgs []*pulsar.ProducerMessage
}

func (p *capturingPublisher) PublishMessages(_ *sokovancontext.Context, msgs ...*pulsar.ProducerMessage) error {
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *capturingPublisher) Close() {}

func TestPulsarPublisher(t *testing.T) {
	captured := &capturingPublisher{}
	publisher := NewPulsarPublisher(captured)
	e := &Event{Type: KernelStarted, SessionID: "s1", KernelID: "k0", AgentID: "a", Time: now}

	require.NoError(t, publisher.Publish(sokovancontext.Background(), e))
	require.NoError(t, publisher.Publish(sokovancontext.Background()))

	require.Len(t, captured.msgs, 1)
	msg := captured.msgs[0]
	assert.Equal(t, "s1", msg.Key)
	assert.Equal(t, string(KernelStarted), msg.Properties["type"])
	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
	assert.Equal(t, *e, decoded)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := sokovancontext.Background()
	require.NoError(t, r.Publish(ctx, &Event{Type: SessionScheduled, SessionID: "s1"}, &Event{Type: SessionScheduled, SessionID: "s2"}))
	require.NoError(t, r.Publish(ctx, &Event{Type: SessionPreparing, SessionID: "s1"}))

	assert.Len(t, r.Events(), 3)
	assert.Equal(t, []Type{SessionScheduled, SessionPreparing}, r.Types("s1"))
	r.Reset()
	assert.Empty(t, r.Events())
}
