package schedulerobjects

import "github.com/sokovan/sokovan/internal/scheduler/resources"

// KernelTerminationResult is the outcome of asking an agent to destroy one kernel.
type KernelTerminationResult struct {
	KernelID      string
	AgentID       string
	ReleasedSlots resources.ResourceSlot
	Success       bool
	Error         string
}

type SessionTerminationResult struct {
	SessionID string
	Reason    string
	Result    SessionResult
	Kernels   []KernelTerminationResult
}

// Success is true only when every kernel was destroyed.
func (r *SessionTerminationResult) Success() bool {
	for _, k := range r.Kernels {
		if !k.Success {
			return false
		}
	}
	return true
}

// ReleasedSlots sums the slots released by successfully destroyed kernels.
func (r *SessionTerminationResult) ReleasedSlots() resources.ResourceSlot {
	total := resources.ResourceSlot{}
	for _, k := range r.Kernels {
		if k.Success {
			total = total.Add(k.ReleasedSlots)
		}
	}
	return total
}

// MarkTerminatingResult reports what a termination request did to each session.
type MarkTerminatingResult struct {
	// Sessions moved to TERMINATING, or already TERMINATING and forced again.
	ProcessedSessions []string
	// Pending sessions cancelled outright since they hold no resources.
	CancelledSessions []string
	// Sessions already in a terminal state, or already TERMINATING without force.
	SkippedSessions  []string
	NotFoundSessions []string
	// The committed state of every processed or cancelled session, in request order.
	Changes []SessionChange
}

// SessionChange is a session as read and as written by one committed transaction.
type SessionChange struct {
	Before *Session
	After  *Session
}

func (r *MarkTerminatingResult) HasTransitions() bool {
	return len(r.ProcessedSessions) > 0 || len(r.CancelledSessions) > 0
}
