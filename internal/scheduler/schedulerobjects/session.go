package schedulerobjects

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
)

type SessionType string

const (
	SessionTypeInteractive SessionType = "INTERACTIVE"
	SessionTypeBatch       SessionType = "BATCH"
	SessionTypeInference   SessionType = "INFERENCE"
)

type ClusterMode string

const (
	ClusterModeSingleNode ClusterMode = "SINGLE_NODE"
	ClusterModeMultiNode  ClusterMode = "MULTI_NODE"
)

const (
	ClusterRoleMain = "main"
	ClusterRoleSub  = "sub"
)

// KernelWorkload is what a kernel asks for, independent of where it ends up.
type KernelWorkload struct {
	KernelID       string
	ClusterRole    string
	ClusterIdx     int
	Image          string
	Architecture   string
	RequestedSlots resources.ResourceSlot
}

// SessionWorkload describes a session as seen by one scheduling attempt.
type SessionWorkload struct {
	SessionID   string
	Name        string
	SessionType SessionType
	ClusterMode ClusterMode
	ClusterSize int
	Priority    int
	CreatedAt   time.Time
	// Only meaningful for batch sessions. Nil means start as soon as possible.
	StartsAt     *time.Time
	ScalingGroup string
	AccessKey    string
	UserID       string
	GroupID      string
	DomainName   string
	// Agent ids, or key=value label selectors, the session must be placed on.
	DesignatedAgents     []string
	DependencySessionIDs []string
	// Replicas of the same inference endpoint share an EndpointID.
	EndpointID string
	Kernels    []KernelWorkload
}

// RequestedSlots is the sum of the requests of every kernel in the session.
func (w *SessionWorkload) RequestedSlots() resources.ResourceSlot {
	total := resources.ResourceSlot{}
	for _, k := range w.Kernels {
		total = total.Add(k.RequestedSlots)
	}
	return total
}

func (w *SessionWorkload) IsMultiKernel() bool {
	return len(w.Kernels) > 1
}

func (w *SessionWorkload) DeepCopy() *SessionWorkload {
	c := *w
	if w.StartsAt != nil {
		startsAt := *w.StartsAt
		c.StartsAt = &startsAt
	}
	c.DesignatedAgents = slices.Clone(w.DesignatedAgents)
	c.DependencySessionIDs = slices.Clone(w.DependencySessionIDs)
	c.Kernels = slices.Clone(w.Kernels)
	return &c
}

// Kernel is the persisted state of a single kernel.
type Kernel struct {
	KernelWorkload
	SessionID string
	// Empty until the session is scheduled.
	AgentID    string
	Status     KernelStatus
	StatusInfo string
}

// OccupiedSlots is what the kernel currently holds on its agent.
func (k *Kernel) OccupiedSlots() resources.ResourceSlot {
	if k.AgentID == "" || !k.Status.OccupiesResources() {
		return resources.ResourceSlot{}
	}
	return k.RequestedSlots
}

func (k *Kernel) DeepCopy() *Kernel {
	c := *k
	return &c
}

// Session is the persisted state of a session and its kernels.
type Session struct {
	Workload        *SessionWorkload
	Status          SessionStatus
	Result          SessionResult
	StatusInfo      string
	StatusChangedAt time.Time
	Kernels         []*Kernel
}

func (s *Session) ID() string {
	return s.Workload.SessionID
}

func (s *Session) DeepCopy() *Session {
	c := *s
	c.Workload = s.Workload.DeepCopy()
	c.Kernels = make([]*Kernel, len(s.Kernels))
	for i, k := range s.Kernels {
		c.Kernels[i] = k.DeepCopy()
	}
	return &c
}

// NewPendingSession builds the initial state of a freshly enqueued session.
func NewPendingSession(workload *SessionWorkload) *Session {
	kernels := make([]*Kernel, len(workload.Kernels))
	for i, kw := range workload.Kernels {
		kernels[i] = &Kernel{
			KernelWorkload: kw,
			SessionID:      workload.SessionID,
			Status:         KernelPending,
		}
	}
	return &Session{
		Workload:        workload,
		Status:          SessionPending,
		Result:          ResultUndefined,
		StatusChangedAt: workload.CreatedAt,
		Kernels:         kernels,
	}
}

// DependencyInfo is the state of a session another session depends on.
type DependencyInfo struct {
	SessionID string
	Status    SessionStatus
	Result    SessionResult
}

// IsSatisfied is true once the dependency finished successfully.
func (d DependencyInfo) IsSatisfied() bool {
	return d.Status == SessionTerminated && d.Result == ResultSuccess
}
