package agentclient

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sokovan/sokovan/internal/common/pulsarutils"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePublisher struct {
	topic  string
	err    error
	msgs   []*pulsar.ProducerMessage
	closed bool
}

func (p *fakePublisher) PublishMessages(_ *sokovancontext.Context, msgs ...*pulsar.ProducerMessage) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakePublisher) Close() {
	p.closed = true
}

type testSetup struct {
	client     *PulsarClient
	registry   *database.RedisAgentRegistry
	publishers map[string]*fakePublisher
	sendErr    error
}

func newTestSetup(t *testing.T) *testSetup {
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	rc := redis.NewClient(&redis.Options{Addr: db.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	s := &testSetup{
		registry:   database.NewRedisAgentRegistry(rc, "test"),
		publishers: map[string]*fakePublisher{},
	}
	factory := func(topic string) (pulsarutils.Publisher, error) {
		p := &fakePublisher{topic: topic, err: s.sendErr}
		s.publishers[topic] = p
		return p, nil
	}
	s.client = NewPulsarClient("agent-commands-", factory, s.registry, clocktesting.NewFakeClock(now))
	return s
}

func testKernel() *schedulerobjects.Kernel {
	return &schedulerobjects.Kernel{
		KernelWorkload: schedulerobjects.KernelWorkload{
			KernelID:       "s1-k0",
			Image:          "python:3.11",
			RequestedSlots: resources.FromInts(map[string]int64{resources.CPU: 2}),
		},
		SessionID: "s1",
		AgentID:   "a1",
		Status:    schedulerobjects.KernelScheduled,
	}
}

func TestPulsarClient_CreateKernel(t *testing.T) {
	s := newTestSetup(t)
	ctx := sokovancontext.Background()

	require.NoError(t, s.client.CreateKernel(ctx, "a1", testKernel()))
	require.NoError(t, s.client.CreateKernel(ctx, "a1", testKernel()))

	require.Len(t, s.publishers, 1)
	p := s.publishers["agent-commands-a1"]
	require.NotNil(t, p)
	require.Len(t, p.msgs, 2)
	assert.Equal(t, "s1-k0", p.msgs[0].Key)
	assert.Equal(t, string(OpCreateKernel), p.msgs[0].Properties["type"])

	var cmd Command
	require.NoError(t, json.Unmarshal(p.msgs[0].Payload, &cmd))
	assert.Equal(t, OpCreateKernel, cmd.Type)
	assert.Equal(t, "s1", cmd.SessionID)
	assert.Equal(t, now, cmd.IssuedAt)
	require.NotNil(t, cmd.Kernel)
	assert.Equal(t, "python:3.11", cmd.Kernel.Image)
	assert.True(t, cmd.Kernel.RequestedSlots.Equal(testKernel().RequestedSlots))

	s.client.Close()
	assert.True(t, p.closed)
}

func TestPulsarClient_SendFailure(t *testing.T) {
	s := newTestSetup(t)
	s.sendErr = errors.New("broker unavailable")
	ctx := sokovancontext.Background()

	err := s.client.CreateKernel(ctx, "a1", testKernel())
	require.Error(t, err)
	assert.True(t, IsAgentError(err))
	assert.ErrorIs(t, err, s.sendErr)

	result := s.client.DestroyKernel(ctx, "a1", "s1-k0")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "broker unavailable")
}

func TestPulsarClient_DestroyKernel(t *testing.T) {
	s := newTestSetup(t)
	result := s.client.DestroyKernel(sokovancontext.Background(), "a2", "s1-k1")
	assert.Equal(t, schedulerobjects.KernelTerminationResult{KernelID: "s1-k1", AgentID: "a2", Success: true}, result)
	assert.Len(t, s.publishers["agent-commands-a2"].msgs, 1)
}

func TestPulsarClient_GetCapacity(t *testing.T) {
	tests := map[string]struct {
		agent       *schedulerobjects.AgentInfo
		expected    resources.ResourceSlot
		expectError bool
	}{
		"alive agent": {
			agent: &schedulerobjects.AgentInfo{
				AgentID:        "a1",
				Status:         schedulerobjects.AgentAlive,
				AvailableSlots: resources.FromInts(map[string]int64{resources.CPU: 8, resources.Memory: 16 << 30}),
			},
			expected: resources.FromInts(map[string]int64{resources.CPU: 8, resources.Memory: 16 << 30}),
		},
		"lost agent": {
			agent: &schedulerobjects.AgentInfo{
				AgentID:        "a1",
				Status:         schedulerobjects.AgentLost,
				AvailableSlots: resources.FromInts(map[string]int64{resources.CPU: 8}),
			},
			expectError: true,
		},
		"unknown agent": {
			expectError: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestSetup(t)
			ctx := sokovancontext.Background()
			if tc.agent != nil {
				require.NoError(t, s.registry.StoreAgent(ctx, tc.agent))
			}
			capacity, err := s.client.GetCapacity(ctx, "a1")
			if tc.expectError {
				assert.True(t, IsAgentError(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, tc.expected.Equal(capacity))
		})
	}
}
