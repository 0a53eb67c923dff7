package allocator

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/events"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testGroup = "default"

type failingPublisher struct{}

func (failingPublisher) Publish(_ *sokovancontext.Context, _ ...*events.Event) error {
	return errors.New("broker unavailable")
}

func setup(t *testing.T) (*database.MemoryRepository, *events.Recorder, *Allocator) {
	clk := clocktesting.NewFakeClock(baseTime)
	repo, err := database.NewMemoryRepository(clk, database.Options{})
	require.NoError(t, err)
	ctx := sokovancontext.Background()
	require.NoError(t, repo.UpsertScalingGroup(ctx, schedulerobjects.ScalingGroupOpts{Name: testGroup}))
	_, err = repo.UpsertAgent(ctx, &schedulerobjects.AgentInfo{
		AgentID:        "a1",
		ScalingGroup:   testGroup,
		Status:         schedulerobjects.AgentAlive,
		Schedulable:    true,
		AvailableSlots: resources.FromInts(map[string]int64{resources.CPU: 4}),
		LastHeartbeat:  baseTime,
	})
	require.NoError(t, err)
	recorder := events.NewRecorder()
	return repo, recorder, New(repo, recorder, clk)
}

func enqueue(t *testing.T, repo *database.MemoryRepository, id string, kernels int, cpu int64) *schedulerobjects.SessionAllocation {
	w := &schedulerobjects.SessionWorkload{
		SessionID:    id,
		SessionType:  schedulerobjects.SessionTypeInteractive,
		ClusterMode:  schedulerobjects.ClusterModeSingleNode,
		ClusterSize:  kernels,
		CreatedAt:    baseTime,
		ScalingGroup: testGroup,
		AccessKey:    "ak",
	}
	allocation := &schedulerobjects.SessionAllocation{SessionID: id, ScalingGroup: testGroup, AccessKey: "ak"}
	for i := 0; i < kernels; i++ {
		k := schedulerobjects.KernelWorkload{
			KernelID:       fmt.Sprintf("%s-k%d", id, i),
			ClusterIdx:     i,
			RequestedSlots: resources.FromInts(map[string]int64{resources.CPU: cpu}),
		}
		w.Kernels = append(w.Kernels, k)
		allocation.Kernels = append(allocation.Kernels, schedulerobjects.KernelAllocation{
			KernelID:       k.KernelID,
			AgentID:        "a1",
			AllocatedSlots: k.RequestedSlots,
		})
	}
	require.NoError(t, repo.EnqueueSession(sokovancontext.Background(), w))
	return allocation
}

func TestAllocator_Allocate(t *testing.T) {
	repo, recorder, allocator := setup(t)
	allocation := enqueue(t, repo, "s1", 2, 1)

	session, err := allocator.Allocate(sokovancontext.Background(), allocation)
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionScheduled, session.Status)
	assert.Equal(t,
		[]events.Type{events.KernelScheduled, events.KernelScheduled, events.SessionScheduled},
		recorder.Types("s1"))
}

func TestAllocator_NoEventsWithoutCommit(t *testing.T) {
	tests := map[string]struct {
		cpu       int64
		fault     func(int) error
		retryable bool
	}{
		"agent too small": {
			cpu:       3,
			retryable: true,
		},
		"write fails half way": {
			cpu: 1,
			fault: func(kernelIdx int) error {
				if kernelIdx == 1 {
					return errors.New("disk full")
				}
				return nil
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			repo, recorder, allocator := setup(t)
			allocation := enqueue(t, repo, "s1", 2, tc.cpu)
			if tc.fault != nil {
				repo.SetAllocationFault(tc.fault)
			}

			_, err := allocator.Allocate(sokovancontext.Background(), allocation)
			require.Error(t, err)
			assert.Equal(t, tc.retryable, database.IsRetryable(err))
			assert.Empty(t, recorder.Events())

			session, err := repo.GetSession(sokovancontext.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, schedulerobjects.SessionPending, session.Status)
			for _, k := range session.Kernels {
				assert.Equal(t, schedulerobjects.KernelPending, k.Status)
				assert.Empty(t, k.AgentID)
			}
		})
	}
}

func TestAllocator_EmptyAllocationPanics(t *testing.T) {
	_, _, allocator := setup(t)
	assert.Panics(t, func() {
		_, _ = allocator.Allocate(sokovancontext.Background(), &schedulerobjects.SessionAllocation{SessionID: "s1"})
	})
	assert.Panics(t, func() {
		_, _ = allocator.Allocate(sokovancontext.Background(), nil)
	})
}

func TestAllocator_PublishFailureKeepsCommit(t *testing.T) {
	clk := clocktesting.NewFakeClock(baseTime)
	repo, _, _ := setup(t)
	allocator := New(repo, failingPublisher{}, clk)
	allocation := enqueue(t, repo, "s1", 1, 1)

	session, err := allocator.Allocate(sokovancontext.Background(), allocation)
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionScheduled, session.Status)
}

func TestAllocator_Transition(t *testing.T) {
	repo, recorder, allocator := setup(t)
	ctx := sokovancontext.Background()
	scheduled, err := allocator.Allocate(ctx, enqueue(t, repo, "s1", 2, 1))
	require.NoError(t, err)
	recorder.Reset()

	preparing, err := allocator.Transition(ctx, scheduled, database.SessionTransition{
		From:         []schedulerobjects.SessionStatus{schedulerobjects.SessionScheduled},
		To:           schedulerobjects.SessionPreparing,
		KernelStatus: schedulerobjects.KernelPreparing,
	})
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionPreparing, preparing.Status)
	assert.Equal(t,
		[]events.Type{events.KernelPreparing, events.KernelPreparing, events.SessionPreparing},
		recorder.Types("s1"))

	recorder.Reset()
	_, err = allocator.Transition(ctx, scheduled, database.SessionTransition{
		From: []schedulerobjects.SessionStatus{schedulerobjects.SessionScheduled},
		To:   schedulerobjects.SessionPreparing,
	})
	assert.True(t, database.IsSessionStateConflict(err))
	assert.Empty(t, recorder.Events())
}
