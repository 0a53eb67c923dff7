package terminator

import (
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/logging"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/agentclient"
	"github.com/sokovan/sokovan/internal/scheduler/allocator"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/history"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// Terminator destroys the kernels of terminating sessions. Every kernel is destroyed by its own
// agent call; calls run concurrently up to a fixed limit and succeed or fail independently.
// A session only becomes TERMINATED once all of its kernels are gone. Kernels that could not be
// destroyed keep their session TERMINATING and are attempted again on the next pass.
type Terminator struct {
	repo      database.SessionRepository
	client    agentclient.Client
	allocator *allocator.Allocator
	history   *history.Recorder
	clock     clock.Clock
	// Timeout of a single agent call.
	rpcTimeout time.Duration
	// Limits the number of agent calls in flight.
	rpcs *semaphore.Weighted
}

func New(
	repo database.SessionRepository,
	client agentclient.Client,
	allocator *allocator.Allocator,
	history *history.Recorder,
	clock clock.Clock,
	rpcTimeout time.Duration,
	maxConcurrentRpcs int,
) *Terminator {
	return &Terminator{
		repo:       repo,
		client:     client,
		allocator:  allocator,
		history:    history,
		clock:      clock,
		rpcTimeout: rpcTimeout,
		rpcs:       semaphore.NewWeighted(int64(maxConcurrentRpcs)),
	}
}

// TerminateScalingGroup terminates every TERMINATING session of the scaling group.
func (t *Terminator) TerminateScalingGroup(ctx *sokovancontext.Context, scalingGroup string) ([]*schedulerobjects.SessionTerminationResult, error) {
	sessions, err := t.repo.ListSessions(ctx, scalingGroup, schedulerobjects.SessionTerminating)
	if err != nil {
		return nil, err
	}
	return t.Terminate(ctx, sessions)
}

// Terminate destroys the kernels of sessions and records the outcome. The returned error
// aggregates the sessions that are not fully terminated yet.
func (t *Terminator) Terminate(ctx *sokovancontext.Context, sessions []*schedulerobjects.Session) ([]*schedulerobjects.SessionTerminationResult, error) {
	if len(sessions) == 0 {
		return nil, nil
	}
	startedAt := t.clock.Now()
	kernelResults := t.destroy(ctx, sessions)

	var result *multierror.Error
	results := make([]*schedulerobjects.SessionTerminationResult, len(sessions))
	for i, session := range sessions {
		r := &schedulerobjects.SessionTerminationResult{
			SessionID: session.ID(),
			Reason:    session.StatusInfo,
			Result:    session.Result,
			Kernels:   kernelResults[i],
		}
		results[i] = r
		if err := t.apply(ctx, session, r, startedAt); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return results, result.ErrorOrNil()
}

// DestroyBestEffort asks the agents of a failed session to destroy its kernels without waiting for
// the outcome to be recorded. Failures are only logged.
func (t *Terminator) DestroyBestEffort(ctx *sokovancontext.Context, session *schedulerobjects.Session) {
	placed := make([]*schedulerobjects.Kernel, 0, len(session.Kernels))
	for _, k := range session.Kernels {
		if k.AgentID != "" {
			placed = append(placed, k)
		}
	}
	copied := session.DeepCopy()
	copied.Kernels = placed
	for _, r := range t.destroy(ctx, []*schedulerobjects.Session{copied})[0] {
		if !r.Success {
			ctx.Log.
				WithField("sessionId", session.ID()).
				WithField("kernelId", r.KernelID).
				Warnf("best-effort destroy on agent %s failed: %s", r.AgentID, r.Error)
		}
	}
}

func (t *Terminator) apply(
	ctx *sokovancontext.Context,
	session *schedulerobjects.Session,
	result *schedulerobjects.SessionTerminationResult,
	startedAt time.Time,
) error {
	ctx = sokovancontext.WithLogField(ctx, "sessionId", session.ID())
	after, err := t.repo.ApplyTerminationResult(ctx, result)
	if err != nil {
		return errors.WithMessagef(err, "cannot apply termination result of session %s", session.ID())
	}
	t.allocator.Publish(ctx, session, after)

	if result.Success() {
		ctx.Log.Infof("terminated session, released %s", result.ReleasedSlots())
		if _, err := t.history.Success(ctx, session.ID(), schedulerobjects.StepTerminate, startedAt, nil); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("cannot record termination")
		}
		return nil
	}
	failure := errors.Errorf("session %s: %s", session.ID(), failedKernels(result))
	if _, err := t.history.Failure(ctx, session.ID(), schedulerobjects.StepTerminate, startedAt, failure); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("cannot record termination failure")
	}
	return failure
}

// destroy destroys every placed, live kernel of sessions. Result i holds the kernels of session i
// in the same order as session.Kernels.
func (t *Terminator) destroy(ctx *sokovancontext.Context, sessions []*schedulerobjects.Session) [][]schedulerobjects.KernelTerminationResult {
	results := make([][]schedulerobjects.KernelTerminationResult, len(sessions))
	g, gctx := sokovancontext.ErrGroup(ctx)
	for i, session := range sessions {
		results[i] = make([]schedulerobjects.KernelTerminationResult, len(session.Kernels))
		for j, kernel := range session.Kernels {
			if kernel.AgentID == "" || kernel.Status == schedulerobjects.KernelTerminated || kernel.Status == schedulerobjects.KernelCancelled {
				results[i][j] = schedulerobjects.KernelTerminationResult{KernelID: kernel.KernelID, AgentID: kernel.AgentID, Success: true}
				continue
			}
			i, j, kernel := i, j, kernel
			g.Go(func() error {
				results[i][j] = t.destroyKernel(gctx, kernel)
				return nil
			})
		}
	}
	_ = g.Wait()
	return results
}

func (t *Terminator) destroyKernel(ctx *sokovancontext.Context, kernel *schedulerobjects.Kernel) schedulerobjects.KernelTerminationResult {
	if err := t.rpcs.Acquire(ctx, 1); err != nil {
		return schedulerobjects.KernelTerminationResult{
			KernelID: kernel.KernelID,
			AgentID:  kernel.AgentID,
			Error:    errors.WithMessage(err, "not attempted").Error(),
		}
	}
	defer t.rpcs.Release(1)
	rpcCtx, cancel := sokovancontext.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()
	result := t.client.DestroyKernel(rpcCtx, kernel.AgentID, kernel.KernelID)
	result.KernelID = kernel.KernelID
	result.AgentID = kernel.AgentID
	if result.Success {
		result.ReleasedSlots = kernel.OccupiedSlots()
	}
	return result
}

func failedKernels(result *schedulerobjects.SessionTerminationResult) string {
	var failed []string
	for _, k := range result.Kernels {
		if !k.Success {
			failed = append(failed, k.KernelID+" on "+k.AgentID+": "+k.Error)
		}
	}
	return "cannot destroy kernels " + strings.Join(failed, "; ")
}
