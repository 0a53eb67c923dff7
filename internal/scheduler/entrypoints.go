package scheduler

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/common/sokovanerrors"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// KernelStatusReport is sent by an agent whenever one of its kernels changes status.
type KernelStatusReport struct {
	KernelID string
	Status   schedulerobjects.KernelStatus
	// Set once the kernel's process has exited.
	ExitCode *int
	Reason   string
}

// OnSessionEnqueued stores a new pending session and triggers a pass of its scaling group.
func (s *Scheduler) OnSessionEnqueued(ctx *sokovancontext.Context, workload *schedulerobjects.SessionWorkload) error {
	if err := s.repo.EnqueueSession(ctx, workload); err != nil {
		return err
	}
	ctx.Log.
		WithField("sessionId", workload.SessionID).
		WithField("scalingGroup", workload.ScalingGroup).
		Infof("enqueued session requesting %s", workload.RequestedSlots())
	s.trigger(workload.ScalingGroup)
	return nil
}

// OnAgentHeartbeat records the state reported by an agent. A pass of the agent's scaling group is
// triggered if the heartbeat makes room for pending sessions.
func (s *Scheduler) OnAgentHeartbeat(ctx *sokovancontext.Context, agent *schedulerobjects.AgentInfo) error {
	agent = agent.DeepCopy()
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = s.clock.Now()
	}
	if s.agentRegistry != nil {
		if err := s.agentRegistry.StoreAgent(ctx, agent); err != nil {
			return err
		}
	}
	return s.applyHeartbeat(ctx, agent)
}

func (s *Scheduler) applyHeartbeat(ctx *sokovancontext.Context, agent *schedulerobjects.AgentInfo) error {
	previous, err := s.repo.UpsertAgent(ctx, agent)
	if err != nil {
		return err
	}
	if reason, ok := heartbeatTrigger(previous, agent); ok {
		ctx.Log.WithField("agentId", agent.AgentID).Infof("triggering pass of scaling group %s: %s", agent.ScalingGroup, reason)
		s.trigger(agent.ScalingGroup)
	}
	return nil
}

// syncAgents applies the heartbeats agents wrote to the registry themselves.
// Heartbeats older than the stored one are ignored.
func (s *Scheduler) syncAgents(ctx *sokovancontext.Context) error {
	agents, err := s.agentRegistry.GetAgents(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, agent := range agents {
		stored, err := s.repo.GetAgent(ctx, agent.AgentID)
		if err == nil && !agent.LastHeartbeat.After(stored.LastHeartbeat) {
			continue
		} else if err != nil && !sokovanerrors.IsNotFound(err) {
			result = multierror.Append(result, err)
			continue
		}
		if err := s.applyHeartbeat(ctx, agent); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "agent %s", agent.AgentID))
		}
	}
	return result.ErrorOrNil()
}

// heartbeatTrigger reports whether agent can take work that previous could not.
func heartbeatTrigger(previous, agent *schedulerobjects.AgentInfo) (string, bool) {
	if agent.Status != schedulerobjects.AgentAlive || !agent.Schedulable {
		return "", false
	}
	switch {
	case previous == nil:
		return "new agent", true
	case previous.Status != schedulerobjects.AgentAlive:
		return "agent recovered", true
	case !previous.Schedulable:
		return "agent became schedulable", true
	case previous.ScalingGroup != agent.ScalingGroup:
		return "agent moved scaling group", true
	case !previous.AvailableSlots.GE(agent.AvailableSlots):
		return "agent capacity grew", true
	}
	return "", false
}

// OnTerminationRequested asks for the given sessions to be terminated. Pending sessions are
// cancelled immediately; the kernels of the others are destroyed by the next pass of their group.
func (s *Scheduler) OnTerminationRequested(
	ctx *sokovancontext.Context,
	sessionIDs []string,
	reason string,
	forced bool,
) (*schedulerobjects.MarkTerminatingResult, error) {
	result, err := s.repo.MarkTerminating(ctx, sessionIDs, reason, forced)
	if err != nil {
		return nil, err
	}
	for _, change := range result.Changes {
		s.allocator.Publish(ctx, change.Before, change.After)
		if change.After.Status == schedulerobjects.SessionTerminating {
			s.trigger(change.After.Workload.ScalingGroup)
		}
	}
	ctx.Log.Infof(
		"termination requested: %d terminating, %d cancelled, %d skipped, %d not found",
		len(result.ProcessedSessions), len(result.CancelledSessions), len(result.SkippedSessions), len(result.NotFoundSessions),
	)
	return result, nil
}

// OnKernelStatusReported applies a kernel status reported by an agent and moves its session along.
// While starting, a session follows its least advanced kernel. A kernel that fails or exits before
// its session is RUNNING fails the session; a kernel that exits afterwards ends it.
func (s *Scheduler) OnKernelStatusReported(ctx *sokovancontext.Context, report KernelStatusReport) error {
	session, changed, err := s.repo.UpdateKernelStatus(ctx, report.KernelID, report.Status, report.Reason)
	if err != nil {
		return err
	}
	ctx = sokovancontext.WithLogFields(ctx, logrus.Fields{"sessionId": session.ID(), "kernelId": report.KernelID})
	if !changed {
		ctx.Log.Debugf("ignoring report of status %s", report.Status)
		return nil
	}
	s.allocator.Publish(ctx, withUnknownKernelStatus(session, report.KernelID), session)

	exited := report.Status == schedulerobjects.KernelTerminated || report.Status == schedulerobjects.KernelError
	switch {
	case exited && session.Status.IsStarting():
		cause := errors.Errorf("kernel %s reported %s while starting: %s", report.KernelID, report.Status, report.Reason)
		if _, err := s.history.Failure(ctx, session.ID(), schedulerobjects.StepStart, s.clock.Now(), cause); err != nil {
			return err
		}
		return s.fail(ctx, session, schedulerobjects.StepStart, cause)
	case exited && session.Status == schedulerobjects.SessionRunning:
		result := schedulerobjects.ResultFailure
		if report.Status == schedulerobjects.KernelTerminated && report.ExitCode != nil && *report.ExitCode == 0 {
			result = schedulerobjects.ResultSuccess
		}
		after, err := s.allocator.Transition(ctx, session, database.SessionTransition{
			From:         []schedulerobjects.SessionStatus{schedulerobjects.SessionRunning},
			To:           schedulerobjects.SessionTerminating,
			KernelStatus: schedulerobjects.KernelTerminating,
			Result:       result,
			StatusInfo:   "kernel " + report.KernelID + " exited",
		})
		if err != nil {
			return err
		}
		s.trigger(after.Workload.ScalingGroup)
		return s.finishIfTerminated(ctx, after)
	case session.Status == schedulerobjects.SessionTerminating:
		return s.finishIfTerminated(ctx, session)
	}

	status, ok := schedulerobjects.SessionStatusFromKernels(session.Kernels)
	if !ok || status == session.Status || !session.Status.CanTransitionTo(status) {
		return nil
	}
	_, err = s.allocator.Transition(ctx, session, database.SessionTransition{
		From: []schedulerobjects.SessionStatus{session.Status},
		To:   status,
	})
	return err
}

// finishIfTerminated moves a terminating session whose kernels are all gone to TERMINATED.
func (s *Scheduler) finishIfTerminated(ctx *sokovancontext.Context, session *schedulerobjects.Session) error {
	for _, k := range session.Kernels {
		if !k.Status.IsTerminal() {
			return nil
		}
	}
	after, err := s.repo.ApplyTerminationResult(ctx, &schedulerobjects.SessionTerminationResult{
		SessionID: session.ID(),
		Reason:    session.StatusInfo,
		Result:    session.Result,
	})
	if err != nil {
		return err
	}
	s.allocator.Publish(ctx, session, after)
	return nil
}

// withUnknownKernelStatus returns a copy of session in which kernelID has no status, so that
// diffing it against session yields the event of that kernel only.
func withUnknownKernelStatus(session *schedulerobjects.Session, kernelID string) *schedulerobjects.Session {
	c := session.DeepCopy()
	for _, k := range c.Kernels {
		if k.KernelID == kernelID {
			k.Status = ""
		}
	}
	return c
}
