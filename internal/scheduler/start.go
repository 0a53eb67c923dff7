package scheduler

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/agentclient"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// startStep asks agents to create the kernels of every SCHEDULED session of the scaling group.
// A session whose kernels were all accepted moves to PREPARING; from there agents report progress.
// A session with a failed call stays SCHEDULED and is attempted again by the next pass.
func (s *Scheduler) startStep(ctx *sokovancontext.Context, scalingGroup string, token LeaderToken) error {
	sessions, err := s.repo.ListSessions(ctx, scalingGroup, schedulerobjects.SessionScheduled)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	ctx = sokovancontext.WithLogField(ctx, "step", schedulerobjects.StepStart)

	var mu sync.Mutex
	var result *multierror.Error
	g, _ := sokovancontext.ErrGroup(ctx)
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			if err := s.start(ctx, session, token); err != nil {
				mu.Lock()
				result = multierror.Append(result, errors.WithMessagef(err, "session %s", session.ID()))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (s *Scheduler) start(ctx *sokovancontext.Context, session *schedulerobjects.Session, token LeaderToken) error {
	ctx = sokovancontext.WithLogField(ctx, "sessionId", session.ID())
	startedAt := s.clock.Now()
	if err := s.createKernels(ctx, session); err != nil {
		return s.recordFailure(ctx, session, schedulerobjects.StepStart, err)
	}
	if !s.leaderController.ValidateToken(token) {
		return errors.New("lost leadership during start step")
	}
	_, err := s.allocator.Transition(ctx, session, database.SessionTransition{
		From:         []schedulerobjects.SessionStatus{schedulerobjects.SessionScheduled},
		To:           schedulerobjects.SessionPreparing,
		KernelStatus: schedulerobjects.KernelPreparing,
		StatusInfo:   "kernel creation requested",
	})
	var conflict *database.ErrSessionStateConflict
	if errors.As(err, &conflict) {
		if !conflict.Actual.IsStarting() && conflict.Actual != schedulerobjects.SessionRunning {
			// Terminated while its kernels were being created; the termination step destroys them.
			ctx.Log.Infof("session changed during start: %s", err)
			return nil
		}
		// Agents reported progress before the status change was committed.
		ctx.Log.Debugf("session already %s", conflict.Actual)
	} else if err != nil {
		return err
	}
	_, err = s.history.Success(ctx, session.ID(), schedulerobjects.StepStart, startedAt, nil)
	return err
}

// createKernels checks that every agent of the session can still hold the kernels placed on it,
// then creates all kernels concurrently.
func (s *Scheduler) createKernels(ctx *sokovancontext.Context, session *schedulerobjects.Session) error {
	occupied := make(map[string][]*schedulerobjects.Kernel)
	for _, k := range session.Kernels {
		occupied[k.AgentID] = append(occupied[k.AgentID], k)
	}
	agentIDs := maps.Keys(occupied)
	slices.Sort(agentIDs)
	for _, agentID := range agentIDs {
		if err := s.checkCapacity(ctx, agentID, occupied[agentID]); err != nil {
			return err
		}
	}

	var mu sync.Mutex
	var result *multierror.Error
	g, gctx := sokovancontext.ErrGroup(ctx)
	for _, kernel := range session.Kernels {
		kernel := kernel
		g.Go(func() error {
			if err := s.rpcs.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.rpcs.Release(1)
			rpcCtx, cancel := sokovancontext.WithTimeout(gctx, s.config.AgentRpcTimeout)
			defer cancel()
			if err := s.client.CreateKernel(rpcCtx, kernel.AgentID, kernel); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return result.ErrorOrNil()
}

func (s *Scheduler) checkCapacity(ctx *sokovancontext.Context, agentID string, kernels []*schedulerobjects.Kernel) error {
	if err := s.rpcs.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.rpcs.Release(1)
	rpcCtx, cancel := sokovancontext.WithTimeout(ctx, s.config.AgentRpcTimeout)
	defer cancel()
	capacity, err := s.client.GetCapacity(rpcCtx, agentID)
	if err != nil {
		return err
	}
	wanted := resources.ResourceSlot{}
	for _, k := range kernels {
		wanted = wanted.Add(k.RequestedSlots)
	}
	if !capacity.GE(wanted) {
		return &agentclient.AgentError{
			AgentID:  agentID,
			KernelID: kernels[0].KernelID,
			Op:       agentclient.OpGetCapacity,
			Err:      errors.Errorf("agent capacity %s cannot hold %s", capacity, wanted),
		}
	}
	return nil
}
