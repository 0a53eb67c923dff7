package terminator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/allocator"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/events"
	"github.com/sokovan/sokovan/internal/scheduler/history"
	schedulermocks "github.com/sokovan/sokovan/internal/scheduler/mocks"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testGroup = "default"

type testSetup struct {
	repo       *database.MemoryRepository
	events     *events.Recorder
	client     *schedulermocks.MockClient
	terminator *Terminator
}

func newTestSetup(t *testing.T, maxConcurrentRpcs int) *testSetup {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	clk := clocktesting.NewFakeClock(baseTime)
	repo, err := database.NewMemoryRepository(clk, database.Options{})
	require.NoError(t, err)
	recorder := events.NewRecorder()
	client := schedulermocks.NewMockClient(ctrl)
	return &testSetup{
		repo:   repo,
		events: recorder,
		client: client,
		terminator: New(
			repo,
			client,
			allocator.New(repo, recorder, clk),
			history.NewRecorder(repo, clk),
			clk,
			time.Second,
			maxConcurrentRpcs,
		),
	}
}

// terminatingSession stores a session with one 1-cpu kernel on each agent and marks it TERMINATING.
func (s *testSetup) terminatingSession(t *testing.T, id string, agentIDs ...string) {
	ctx := sokovancontext.Background()
	require.NoError(t, s.repo.UpsertScalingGroup(ctx, schedulerobjects.ScalingGroupOpts{Name: testGroup}))
	w := &schedulerobjects.SessionWorkload{
		SessionID:    id,
		ClusterMode:  schedulerobjects.ClusterModeMultiNode,
		ClusterSize:  len(agentIDs),
		CreatedAt:    baseTime,
		ScalingGroup: testGroup,
		AccessKey:    "ak",
	}
	allocation := &schedulerobjects.SessionAllocation{SessionID: id, ScalingGroup: testGroup, AccessKey: "ak"}
	for i, agentID := range agentIDs {
		_, err := s.repo.UpsertAgent(ctx, &schedulerobjects.AgentInfo{
			AgentID:        agentID,
			ScalingGroup:   testGroup,
			Status:         schedulerobjects.AgentAlive,
			Schedulable:    true,
			AvailableSlots: resources.FromInts(map[string]int64{resources.CPU: 16}),
			LastHeartbeat:  baseTime,
		})
		require.NoError(t, err)
		k := schedulerobjects.KernelWorkload{
			KernelID:       fmt.Sprintf("%s-k%d", id, i),
			ClusterIdx:     i,
			RequestedSlots: resources.FromInts(map[string]int64{resources.CPU: 1}),
		}
		w.Kernels = append(w.Kernels, k)
		allocation.Kernels = append(allocation.Kernels, schedulerobjects.KernelAllocation{KernelID: k.KernelID, AgentID: agentID, AllocatedSlots: k.RequestedSlots})
	}
	require.NoError(t, s.repo.EnqueueSession(ctx, w))
	_, err := s.repo.AllocateSession(ctx, allocation)
	require.NoError(t, err)
	result, err := s.repo.MarkTerminating(ctx, []string{id}, "user requested", false)
	require.NoError(t, err)
	require.Equal(t, []string{id}, result.ProcessedSessions)
}

func destroyed(agentID, kernelID string) schedulerobjects.KernelTerminationResult {
	return schedulerobjects.KernelTerminationResult{KernelID: kernelID, AgentID: agentID, Success: true}
}

func TestTerminator_PartialFailureIsRetried(t *testing.T) {
	s := newTestSetup(t, 4)
	s.terminatingSession(t, "s1", "a1", "a2")
	ctx := sokovancontext.Background()

	s.client.EXPECT().DestroyKernel(gomock.Any(), "a1", "s1-k0").Return(destroyed("a1", "s1-k0")).Times(1)
	s.client.EXPECT().DestroyKernel(gomock.Any(), "a2", "s1-k1").Return(schedulerobjects.KernelTerminationResult{Error: "agent unreachable"}).Times(1)

	results, err := s.terminator.TerminateScalingGroup(ctx, testGroup)
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success())
	assert.True(t, results[0].ReleasedSlots().Equal(resources.FromInts(map[string]int64{resources.CPU: 1})))
	assert.Equal(t, "a2", results[0].Kernels[1].AgentID)

	session, err := s.repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionTerminating, session.Status)
	assert.Equal(t, schedulerobjects.KernelTerminated, session.Kernels[0].Status)
	assert.Equal(t, schedulerobjects.KernelTerminating, session.Kernels[1].Status)
	assert.Equal(t, []events.Type{events.KernelTerminated}, s.events.Types("s1"))

	record, err := s.repo.GetLatestExecutionHistory(ctx, "s1", schedulerobjects.StepTerminate)
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ExecutionFailure, record.Status)
	assert.Contains(t, record.ErrorInfo.Message, "agent unreachable")

	// Only the kernel that survived is attempted again.
	s.client.EXPECT().DestroyKernel(gomock.Any(), "a2", "s1-k1").Return(destroyed("a2", "s1-k1")).Times(1)
	results, err = s.terminator.TerminateScalingGroup(ctx, testGroup)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success())

	session, err = s.repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.SessionTerminated, session.Status)
	assert.Equal(t, []events.Type{events.KernelTerminated, events.KernelTerminated, events.SessionTerminated}, s.events.Types("s1"))

	record, err = s.repo.GetLatestExecutionHistory(ctx, "s1", schedulerobjects.StepTerminate)
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.ExecutionSuccess, record.Status)

	// Nothing left to do.
	results, err = s.terminator.TerminateScalingGroup(ctx, testGroup)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTerminator_BoundedParallelism(t *testing.T) {
	const maxConcurrentRpcs = 2
	s := newTestSetup(t, maxConcurrentRpcs)
	s.terminatingSession(t, "s1", "a1", "a2", "a3")
	s.terminatingSession(t, "s2", "a4", "a5", "a6")

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	s.client.EXPECT().
		DestroyKernel(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ *sokovancontext.Context, agentID, kernelID string) schedulerobjects.KernelTerminationResult {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return destroyed(agentID, kernelID)
		}).
		Times(6)

	results, err := s.terminator.TerminateScalingGroup(sokovancontext.Background(), testGroup)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.LessOrEqual(t, maxInFlight, maxConcurrentRpcs)
	assert.Greater(t, maxInFlight, 0)
}

func TestTerminator_DestroyBestEffort(t *testing.T) {
	s := newTestSetup(t, 4)
	session := &schedulerobjects.Session{
		Workload: &schedulerobjects.SessionWorkload{SessionID: "s1"},
		Status:   schedulerobjects.SessionError,
		Kernels: []*schedulerobjects.Kernel{
			{KernelWorkload: schedulerobjects.KernelWorkload{KernelID: "s1-k0"}, AgentID: "a1", Status: schedulerobjects.KernelError},
			{KernelWorkload: schedulerobjects.KernelWorkload{KernelID: "s1-k1"}, Status: schedulerobjects.KernelError},
		},
	}
	s.client.EXPECT().DestroyKernel(gomock.Any(), "a1", "s1-k0").Return(schedulerobjects.KernelTerminationResult{Error: "gone"}).Times(1)
	s.terminator.DestroyBestEffort(sokovancontext.Background(), session)
}
