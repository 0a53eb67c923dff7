package schedulerobjects

type SessionStatus string

const (
	SessionPending     SessionStatus = "PENDING"
	SessionScheduled   SessionStatus = "SCHEDULED"
	SessionPreparing   SessionStatus = "PREPARING"
	SessionPulling     SessionStatus = "PULLING"
	SessionCreating    SessionStatus = "CREATING"
	SessionRunning     SessionStatus = "RUNNING"
	SessionTerminating SessionStatus = "TERMINATING"
	SessionTerminated  SessionStatus = "TERMINATED"
	SessionCancelled   SessionStatus = "CANCELLED"
	SessionError       SessionStatus = "ERROR"
)

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:     {SessionScheduled, SessionCancelled, SessionError},
	// Agents may report progress before the start step has committed PREPARING.
	SessionScheduled:   {SessionPreparing, SessionPulling, SessionCreating, SessionRunning, SessionTerminating, SessionError},
	SessionPreparing:   {SessionPulling, SessionCreating, SessionRunning, SessionTerminating, SessionError},
	SessionPulling:     {SessionCreating, SessionRunning, SessionTerminating, SessionError},
	SessionCreating:    {SessionRunning, SessionTerminating, SessionError},
	SessionRunning:     {SessionTerminating, SessionError},
	SessionTerminating: {SessionTerminated, SessionError},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, candidate := range sessionTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for statuses a session never leaves.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionTerminated || s == SessionCancelled || s == SessionError
}

// IsActive is true while the session holds agent resources.
func (s SessionStatus) IsActive() bool {
	return s != SessionPending && !s.IsTerminal()
}

// IsStarting is true between allocation and the session reaching RUNNING.
func (s SessionStatus) IsStarting() bool {
	switch s {
	case SessionScheduled, SessionPreparing, SessionPulling, SessionCreating:
		return true
	}
	return false
}

type KernelStatus string

const (
	KernelPending     KernelStatus = "PENDING"
	KernelScheduled   KernelStatus = "SCHEDULED"
	KernelPreparing   KernelStatus = "PREPARING"
	KernelPulling     KernelStatus = "PULLING"
	KernelCreating    KernelStatus = "CREATING"
	KernelRunning     KernelStatus = "RUNNING"
	KernelTerminating KernelStatus = "TERMINATING"
	KernelTerminated  KernelStatus = "TERMINATED"
	KernelCancelled   KernelStatus = "CANCELLED"
	KernelError       KernelStatus = "ERROR"
)

var kernelTransitions = map[KernelStatus][]KernelStatus{
	KernelPending:     {KernelScheduled, KernelCancelled, KernelError},
	KernelScheduled:   {KernelPreparing, KernelPulling, KernelCreating, KernelRunning, KernelTerminating, KernelTerminated, KernelError},
	KernelPreparing:   {KernelPulling, KernelCreating, KernelRunning, KernelTerminating, KernelTerminated, KernelError},
	KernelPulling:     {KernelCreating, KernelRunning, KernelTerminating, KernelTerminated, KernelError},
	KernelCreating:    {KernelRunning, KernelTerminating, KernelTerminated, KernelError},
	KernelRunning:     {KernelTerminating, KernelTerminated, KernelError},
	KernelTerminating: {KernelTerminated, KernelError},
}

func (s KernelStatus) CanTransitionTo(next KernelStatus) bool {
	for _, candidate := range kernelTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s KernelStatus) IsTerminal() bool {
	return s == KernelTerminated || s == KernelCancelled || s == KernelError
}

// OccupiesResources is true while the kernel's slots are debited from its agent.
func (s KernelStatus) OccupiesResources() bool {
	return s != KernelPending && !s.IsTerminal()
}

// startProgress orders the start-up statuses so a session can follow its slowest kernel.
var startProgress = map[KernelStatus]int{
	KernelScheduled: 0,
	KernelPreparing: 1,
	KernelPulling:   2,
	KernelCreating:  3,
	KernelRunning:   4,
}

var sessionStatusForProgress = []SessionStatus{
	SessionScheduled,
	SessionPreparing,
	SessionPulling,
	SessionCreating,
	SessionRunning,
}

// SessionStatusFromKernels derives the start-up status of a session from its kernels: the session
// is only as far along as its least advanced kernel. ok is false if any kernel is not starting up.
func SessionStatusFromKernels(kernels []*Kernel) (status SessionStatus, ok bool) {
	if len(kernels) == 0 {
		return "", false
	}
	least := len(sessionStatusForProgress) - 1
	for _, k := range kernels {
		p, found := startProgress[k.Status]
		if !found {
			return "", false
		}
		if p < least {
			least = p
		}
	}
	return sessionStatusForProgress[least], true
}

type SessionResult string

const (
	ResultUndefined SessionResult = "UNDEFINED"
	ResultSuccess   SessionResult = "SUCCESS"
	ResultFailure   SessionResult = "FAILURE"
)

type AgentStatus string

const (
	AgentAlive      AgentStatus = "ALIVE"
	AgentLost       AgentStatus = "LOST"
	AgentTerminated AgentStatus = "TERMINATED"
)
