package database

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/sokovan/sokovan/internal/common/sokovanerrors"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// The functions in this file implement the state changes shared by every repository.
// They never modify their arguments and return updated copies instead.

// allocateSession places the kernels of a pending session as described by allocation.
// An allocation with no kernels is a programming error and panics.
func allocateSession(session *schedulerobjects.Session, allocation *schedulerobjects.SessionAllocation, now time.Time) (*schedulerobjects.Session, error) {
	if len(allocation.Kernels) == 0 {
		panic(fmt.Sprintf("empty allocation for session %s", allocation.SessionID))
	}
	if session.Status != schedulerobjects.SessionPending {
		return nil, errors.WithStack(&ErrSessionStateConflict{
			SessionID: session.ID(),
			Expected:  []schedulerobjects.SessionStatus{schedulerobjects.SessionPending},
			Actual:    session.Status,
		})
	}
	if len(allocation.Kernels) != len(session.Kernels) {
		return nil, errors.Errorf("allocation for session %s places %d kernels, session has %d", session.ID(), len(allocation.Kernels), len(session.Kernels))
	}
	updated := session.DeepCopy()
	for _, ka := range allocation.Kernels {
		idx := slices.IndexFunc(updated.Kernels, func(k *schedulerobjects.Kernel) bool { return k.KernelID == ka.KernelID })
		if idx < 0 {
			return nil, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "kernel", Value: ka.KernelID, Message: "not part of session " + session.ID()})
		}
		k := updated.Kernels[idx]
		if k.AgentID != "" {
			return nil, errors.Errorf("kernel %s is placed twice", k.KernelID)
		}
		k.AgentID = ka.AgentID
		k.Status = schedulerobjects.KernelScheduled
	}
	updated.Status = schedulerobjects.SessionScheduled
	updated.StatusChangedAt = now
	updated.StatusInfo = "scheduled"
	return updated, nil
}

// checkAgentCapacity verifies that every agent of the allocation still has room for it.
// occupied holds the slots currently held on each agent.
func checkAgentCapacity(
	allocation *schedulerobjects.SessionAllocation,
	agents map[string]*schedulerobjects.AgentInfo,
	occupied map[string]resources.ResourceSlot,
) error {
	for _, agentID := range allocation.AgentIDs() {
		agent, ok := agents[agentID]
		if !ok {
			return errors.WithStack(&ErrAllocationConflict{SessionID: allocation.SessionID, AgentID: agentID, Reason: "agent does not exist"})
		}
		if agent.Status != schedulerobjects.AgentAlive || !agent.Schedulable {
			return errors.WithStack(&ErrAllocationConflict{SessionID: allocation.SessionID, AgentID: agentID, Reason: "agent is not schedulable"})
		}
		if agent.ScalingGroup != allocation.ScalingGroup {
			return errors.WithStack(&ErrAllocationConflict{
				SessionID: allocation.SessionID,
				AgentID:   agentID,
				Reason:    fmt.Sprintf("agent belongs to scaling group %s", agent.ScalingGroup),
			})
		}
	}
	for agentID, slots := range allocation.SlotsByAgent() {
		agent := agents[agentID]
		wanted := occupied[agentID].Add(slots)
		if !agent.AvailableSlots.GE(wanted) {
			return errors.WithStack(&ErrAllocationConflict{
				SessionID: allocation.SessionID,
				AgentID:   agentID,
				Reason:    fmt.Sprintf("insufficient %v (available %s, occupied %s, requested %s)", agent.AvailableSlots.Insufficient(wanted), agent.AvailableSlots, occupied[agentID], slots),
			})
		}
	}
	return nil
}

// transitionSession applies t. Moving between statuses the state machine does not connect is a
// programming error and panics.
func transitionSession(session *schedulerobjects.Session, t SessionTransition, now time.Time) (*schedulerobjects.Session, error) {
	if !slices.Contains(t.From, session.Status) {
		return nil, errors.WithStack(&ErrSessionStateConflict{SessionID: session.ID(), Expected: t.From, Actual: session.Status})
	}
	if session.Status != t.To && !session.Status.CanTransitionTo(t.To) {
		panic(fmt.Sprintf("illegal transition of session %s from %s to %s", session.ID(), session.Status, t.To))
	}
	updated := session.DeepCopy()
	updated.Status = t.To
	updated.StatusChangedAt = now
	if t.StatusInfo != "" {
		updated.StatusInfo = t.StatusInfo
	}
	if t.Result != "" {
		updated.Result = t.Result
	}
	if t.KernelStatus != "" {
		for _, k := range updated.Kernels {
			if !k.Status.IsTerminal() && k.Status.CanTransitionTo(t.KernelStatus) {
				k.Status = t.KernelStatus
				if t.StatusInfo != "" {
					k.StatusInfo = t.StatusInfo
				}
			}
		}
	}
	return updated, nil
}

// updateKernelStatus applies a reported kernel status. It returns changed=false for repeated or
// out-of-order reports.
func updateKernelStatus(
	session *schedulerobjects.Session,
	kernelID string,
	status schedulerobjects.KernelStatus,
	statusInfo string,
) (*schedulerobjects.Session, bool, error) {
	idx := slices.IndexFunc(session.Kernels, func(k *schedulerobjects.Kernel) bool { return k.KernelID == kernelID })
	if idx < 0 {
		return nil, false, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "kernel", Value: kernelID})
	}
	if !session.Kernels[idx].Status.CanTransitionTo(status) {
		return session, false, nil
	}
	updated := session.DeepCopy()
	updated.Kernels[idx].Status = status
	updated.Kernels[idx].StatusInfo = statusInfo
	return updated, true, nil
}

type terminationOutcome int

const (
	terminationSkipped terminationOutcome = iota
	terminationCancelled
	terminationProcessed
)

// markTerminating decides what a termination request does to one session.
func markTerminating(session *schedulerobjects.Session, reason string, forced bool, now time.Time) (*schedulerobjects.Session, terminationOutcome) {
	switch {
	case session.Status.IsTerminal():
		return session, terminationSkipped
	case session.Status == schedulerobjects.SessionPending:
		updated := session.DeepCopy()
		updated.Status = schedulerobjects.SessionCancelled
		updated.StatusInfo = reason
		updated.StatusChangedAt = now
		for _, k := range updated.Kernels {
			k.Status = schedulerobjects.KernelCancelled
		}
		return updated, terminationCancelled
	case session.Status == schedulerobjects.SessionTerminating:
		if !forced {
			return session, terminationSkipped
		}
		updated := session.DeepCopy()
		updated.StatusInfo = reason
		return updated, terminationProcessed
	}
	updated := session.DeepCopy()
	updated.Status = schedulerobjects.SessionTerminating
	updated.StatusInfo = reason
	updated.StatusChangedAt = now
	for _, k := range updated.Kernels {
		if k.Status.CanTransitionTo(schedulerobjects.KernelTerminating) {
			k.Status = schedulerobjects.KernelTerminating
		}
	}
	return updated, terminationProcessed
}

// applyTerminationResult marks the kernels destroyed by result as TERMINATED. The session follows
// once no kernel holds resources any more.
func applyTerminationResult(session *schedulerobjects.Session, result *schedulerobjects.SessionTerminationResult, now time.Time) (*schedulerobjects.Session, error) {
	if session.Status != schedulerobjects.SessionTerminating {
		return nil, errors.WithStack(&ErrSessionStateConflict{
			SessionID: session.ID(),
			Expected:  []schedulerobjects.SessionStatus{schedulerobjects.SessionTerminating},
			Actual:    session.Status,
		})
	}
	updated := session.DeepCopy()
	for _, kr := range result.Kernels {
		idx := slices.IndexFunc(updated.Kernels, func(k *schedulerobjects.Kernel) bool { return k.KernelID == kr.KernelID })
		if idx < 0 {
			continue
		}
		k := updated.Kernels[idx]
		if k.Status.IsTerminal() {
			continue
		}
		if kr.Success {
			k.Status = schedulerobjects.KernelTerminated
			k.StatusInfo = result.Reason
		} else {
			k.StatusInfo = kr.Error
		}
	}
	for _, k := range updated.Kernels {
		if !k.Status.IsTerminal() {
			return updated, nil
		}
	}
	updated.Status = schedulerobjects.SessionTerminated
	updated.StatusChangedAt = now
	if updated.Result == schedulerobjects.ResultUndefined || updated.Result == "" {
		updated.Result = result.Result
	}
	if updated.Result == "" {
		updated.Result = schedulerobjects.ResultUndefined
	}
	return updated, nil
}

// occupyingKernelStatuses are the kernel statuses whose slots count against their agent.
var occupyingKernelStatuses = []schedulerobjects.KernelStatus{
	schedulerobjects.KernelScheduled,
	schedulerobjects.KernelPreparing,
	schedulerobjects.KernelPulling,
	schedulerobjects.KernelCreating,
	schedulerobjects.KernelRunning,
	schedulerobjects.KernelTerminating,
}

var activeSessionStatuses = []schedulerobjects.SessionStatus{
	schedulerobjects.SessionScheduled,
	schedulerobjects.SessionPreparing,
	schedulerobjects.SessionPulling,
	schedulerobjects.SessionCreating,
	schedulerobjects.SessionRunning,
	schedulerobjects.SessionTerminating,
}

// withHeartbeatTimeout marks agents whose last heartbeat is older than timeout as lost.
func withHeartbeatTimeout(agents []*schedulerobjects.AgentInfo, now time.Time, timeout time.Duration) []*schedulerobjects.AgentInfo {
	if timeout <= 0 {
		return agents
	}
	rv := make([]*schedulerobjects.AgentInfo, len(agents))
	for i, a := range agents {
		if a.Status == schedulerobjects.AgentAlive && now.Sub(a.LastHeartbeat) > timeout {
			a = a.DeepCopy()
			a.Status = schedulerobjects.AgentLost
		}
		rv[i] = a
	}
	return rv
}

// knownSlotTypes is the union of the slot names offered by agents.
func knownSlotTypes(agents []*schedulerobjects.AgentInfo) []string {
	var names []string
	for _, a := range agents {
		for _, name := range a.AvailableSlots.Names() {
			if !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names
}
