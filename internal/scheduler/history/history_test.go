package history

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/agentclient"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/selector"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T) (*Recorder, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(baseTime)
	repo, err := database.NewMemoryRepository(clk, database.Options{})
	require.NoError(t, err)
	return NewRecorder(repo, clk), clk
}

func TestRecorder_RetryBound(t *testing.T) {
	recorder, clk := newTestRecorder(t)
	ctx := sokovancontext.Background()
	policy := RetryPolicy{MaxRetries: 3}
	conflict := errors.WithStack(&database.ErrAllocationConflict{SessionID: "s1", AgentID: "a1", Reason: "full"})

	for i := 1; i <= 3; i++ {
		clk.Step(time.Second)
		record, err := recorder.Failure(ctx, "s1", schedulerobjects.StepSchedule, clk.Now(), conflict)
		require.NoError(t, err)
		assert.Equal(t, i, record.RetryCount)
		assert.False(t, policy.Exhausted(record), "exhausted after %d failures", i)
	}
	record, err := recorder.Failure(ctx, "s1", schedulerobjects.StepSchedule, clk.Now(), conflict)
	require.NoError(t, err)
	assert.Equal(t, 4, record.RetryCount)
	assert.True(t, policy.Exhausted(record))
	assert.Equal(t, KindAllocationConflict, record.ErrorInfo.Kind)
	assert.True(t, record.ErrorInfo.Retryable)

	// A success starts over.
	record, err = recorder.Success(ctx, "s1", schedulerobjects.StepSchedule, clk.Now(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, record.RetryCount)
	assert.False(t, policy.Exhausted(record))
	record, err = recorder.Failure(ctx, "s1", schedulerobjects.StepSchedule, clk.Now(), conflict)
	require.NoError(t, err)
	assert.Equal(t, 1, record.RetryCount)
}

func TestRecorder_IneligibleNeverExhausts(t *testing.T) {
	recorder, clk := newTestRecorder(t)
	ctx := sokovancontext.Background()
	policy := RetryPolicy{MaxRetries: 1}

	var record *schedulerobjects.ExecutionHistoryRecord
	for i := 0; i < 5; i++ {
		clk.Step(time.Second)
		var err error
		record, err = recorder.Ineligible(ctx, "s1", clk.Now(), "DependencyNotMet", "waiting for s0")
		require.NoError(t, err)
	}
	assert.Equal(t, 5, record.RetryCount)
	assert.Equal(t, schedulerobjects.ExecutionIneligible, record.Status)
	assert.False(t, policy.Exhausted(record))
}

func TestRecorder_StepsAreIndependent(t *testing.T) {
	recorder, clk := newTestRecorder(t)
	ctx := sokovancontext.Background()
	_, err := recorder.Failure(ctx, "s1", schedulerobjects.StepStart, clk.Now(), errors.New("boom"))
	require.NoError(t, err)
	record, err := recorder.Failure(ctx, "s1", schedulerobjects.StepSchedule, clk.Now(), errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 1, record.RetryCount)
}

func TestErrorInfoFor(t *testing.T) {
	tests := map[string]struct {
		err       error
		kind      string
		retryable bool
	}{
		"allocation conflict": {
			err:       &database.ErrAllocationConflict{SessionID: "s1"},
			kind:      KindAllocationConflict,
			retryable: true,
		},
		"state conflict": {
			err:  errors.WithStack(&database.ErrSessionStateConflict{SessionID: "s1"}),
			kind: KindSessionStateConflict,
		},
		"no agent": {
			err:       &selector.NoAvailableAgentError{SessionID: "s1", Reason: "none"},
			kind:      KindNoAvailableAgent,
			retryable: true,
		},
		"agent error": {
			err:       &agentclient.AgentError{AgentID: "a1", Op: agentclient.OpCreateKernel, Err: errors.New("refused")},
			kind:      KindAgentError,
			retryable: true,
		},
		"timeout": {
			err:       errors.Wrap(context.DeadlineExceeded, "create kernel"),
			kind:      KindTimeout,
			retryable: true,
		},
		"anything else": {
			err:  errors.New("boom"),
			kind: KindInternal,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			info := ErrorInfoFor(tc.err)
			require.NotNil(t, info)
			assert.Equal(t, tc.kind, info.Kind)
			assert.Equal(t, tc.retryable, info.Retryable)
			assert.Equal(t, tc.err.Error(), info.Message)
		})
	}
	assert.Nil(t, ErrorInfoFor(nil))
}
