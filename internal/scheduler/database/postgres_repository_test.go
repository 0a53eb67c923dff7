package database

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sokovan/sokovan/internal/common/database"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/common/sokovanerrors"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

func withPostgresRepository(t *testing.T, action func(repo *PostgresRepository, clk *clocktesting.FakeClock, db *pgxpool.Pool)) {
	if os.Getenv(database.TestPostgresEnvVar) == "" {
		t.Skipf("%s is not set", database.TestPostgresEnvVar)
	}
	err := WithTestDb(func(db *pgxpool.Pool) error {
		clk := clocktesting.NewFakeClock(baseTime)
		repo := NewPostgresRepository(db, clk, Options{AgentHeartbeatTimeout: time.Minute})
		require.NoError(t, repo.UpsertScalingGroup(sokovancontext.Background(), schedulerobjects.ScalingGroupOpts{
			Name:                   testGroup,
			SchedulerPolicy:        schedulerobjects.PolicyFIFO,
			AgentSelectionStrategy: schedulerobjects.StrategyConcentrated,
		}))
		action(repo, clk, db)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresRepository_EnqueueAndAllocate(t *testing.T) {
	withPostgresRepository(t, func(repo *PostgresRepository, _ *clocktesting.FakeClock, _ *pgxpool.Pool) {
		ctx := sokovancontext.Background()
		_, err := repo.UpsertAgent(ctx, testAgent("a", 8))
		require.NoError(t, err)
		_, err = repo.UpsertAgent(ctx, testAgent("b", 8))
		require.NoError(t, err)
		w := testWorkload("s1", 3, 2)
		require.NoError(t, repo.EnqueueSession(ctx, w))
		var e *sokovanerrors.ErrAlreadyExists
		assert.True(t, errors.As(repo.EnqueueSession(ctx, w), &e))

		session, err := repo.AllocateSession(ctx, allocationOn(w, "a", "b"))
		require.NoError(t, err)
		assert.Equal(t, schedulerobjects.SessionScheduled, session.Status)

		stored, err := repo.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, schedulerobjects.SessionScheduled, stored.Status)
		require.Len(t, stored.Kernels, 2)
		assert.Equal(t, "a", stored.Kernels[0].AgentID)
		assert.Equal(t, "b", stored.Kernels[1].AgentID)
		assert.True(t, w.Kernels[0].RequestedSlots.Equal(stored.Kernels[0].RequestedSlots))

		snap, err := repo.GetSystemSnapshot(ctx, testGroup)
		require.NoError(t, err)
		agent, ok := snap.Agent("a")
		require.True(t, ok)
		assertQuantity(t, 5, agent.FreeSlots().Get(resources.CPU))

		_, err = repo.AllocateSession(ctx, allocationOn(w, "a", "b"))
		assert.True(t, IsSessionStateConflict(err))
	})
}

func TestPostgresRepository_ConcurrentAllocationsNeverOvercommit(t *testing.T) {
	withPostgresRepository(t, func(repo *PostgresRepository, _ *clocktesting.FakeClock, _ *pgxpool.Pool) {
		ctx := sokovancontext.Background()
		_, err := repo.UpsertAgent(ctx, testAgent("a", 4))
		require.NoError(t, err)
		var workloads []*schedulerobjects.SessionWorkload
		for i := 0; i < 10; i++ {
			w := testWorkload(fmt.Sprintf("s%d", i), 1, 1)
			require.NoError(t, repo.EnqueueSession(ctx, w))
			workloads = append(workloads, w)
		}

		var mu sync.Mutex
		succeeded := 0
		var wg sync.WaitGroup
		for _, w := range workloads {
			wg.Add(1)
			go func(w *schedulerobjects.SessionWorkload) {
				defer wg.Done()
				_, err := repo.AllocateSession(sokovancontext.Background(), allocationOn(w, "a"))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				} else {
					assert.True(t, IsAllocationConflict(err), "unexpected error %v", err)
				}
			}(w)
		}
		wg.Wait()
		assert.Equal(t, 4, succeeded)

		scheduled, err := repo.ListSessions(ctx, testGroup, schedulerobjects.SessionScheduled)
		require.NoError(t, err)
		assert.Len(t, scheduled, 4)
	})
}

func TestPostgresRepository_Termination(t *testing.T) {
	withPostgresRepository(t, func(repo *PostgresRepository, _ *clocktesting.FakeClock, _ *pgxpool.Pool) {
		ctx := sokovancontext.Background()
		_, err := repo.UpsertAgent(ctx, testAgent("a", 8))
		require.NoError(t, err)
		running := testWorkload("running", 2, 1)
		require.NoError(t, repo.EnqueueSession(ctx, running))
		require.NoError(t, repo.EnqueueSession(ctx, testWorkload("pending", 2, 1)))
		_, err = repo.AllocateSession(ctx, allocationOn(running, "a"))
		require.NoError(t, err)

		result, err := repo.MarkTerminating(ctx, []string{"running", "pending", "missing"}, "user request", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"running"}, result.ProcessedSessions)
		assert.Equal(t, []string{"pending"}, result.CancelledSessions)
		assert.Equal(t, []string{"missing"}, result.NotFoundSessions)

		session, err := repo.ApplyTerminationResult(ctx, &schedulerobjects.SessionTerminationResult{
			SessionID: "running",
			Result:    schedulerobjects.ResultSuccess,
			Kernels:   []schedulerobjects.KernelTerminationResult{{KernelID: "running-k0", AgentID: "a", Success: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, schedulerobjects.SessionTerminated, session.Status)

		result, err = repo.MarkTerminating(ctx, []string{"running", "pending"}, "again", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"running", "pending"}, result.SkippedSessions)
	})
}

func TestPostgresRepository_ExecutionHistoryAndPrune(t *testing.T) {
	withPostgresRepository(t, func(repo *PostgresRepository, clk *clocktesting.FakeClock, db *pgxpool.Pool) {
		ctx := sokovancontext.Background()
		require.NoError(t, repo.EnqueueSession(ctx, testWorkload("s1", 1, 1)))
		entry := schedulerobjects.ExecutionHistoryEntry{
			SessionID:  "s1",
			Step:       schedulerobjects.StepSchedule,
			Status:     schedulerobjects.ExecutionFailure,
			StartedAt:  clk.Now(),
			FinishedAt: clk.Now(),
			ErrorInfo:  &schedulerobjects.ErrorInfo{Kind: "NoAvailableAgent", Message: "no agent"},
		}
		_, err := repo.RecordExecutionHistory(ctx, entry)
		require.NoError(t, err)
		record, err := repo.RecordExecutionHistory(ctx, entry)
		require.NoError(t, err)
		assert.Equal(t, 2, record.RetryCount)

		latest, err := repo.GetLatestExecutionHistory(ctx, "s1", schedulerobjects.StepSchedule)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, record.ID, latest.ID)
		assert.Equal(t, "no agent", latest.ErrorInfo.Message)

		_, err = repo.MarkTerminating(ctx, []string{"s1"}, "cancel", false)
		require.NoError(t, err)

		conn, err := db.Acquire(ctx)
		require.NoError(t, err)
		defer conn.Release()
		clk.Step(48 * time.Hour)
		require.NoError(t, PruneDb(ctx, conn.Conn(), 10, 24*time.Hour, clk))

		records, err := repo.ListExecutionHistory(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, records)

		var sessions int
		require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM sessions").Scan(&sessions))
		assert.Equal(t, 1, sessions)
	})
}
