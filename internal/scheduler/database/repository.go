package database

import (
	"time"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

// SessionTransition moves a session from one of From to To. The transition fails with
// *ErrSessionStateConflict if the session is no longer in one of From.
type SessionTransition struct {
	From []schedulerobjects.SessionStatus
	To   schedulerobjects.SessionStatus
	// If set, every non-terminal kernel that may legally move there does so.
	KernelStatus schedulerobjects.KernelStatus
	// Left unchanged if empty.
	Result     schedulerobjects.SessionResult
	StatusInfo string
}

// SessionRepository stores sessions and their kernels.
type SessionRepository interface {
	// EnqueueSession persists a new pending session.
	EnqueueSession(ctx *sokovancontext.Context, workload *schedulerobjects.SessionWorkload) error
	// GetSession returns the session with the given id or an *sokovanerrors.ErrNotFound.
	GetSession(ctx *sokovancontext.Context, sessionID string) (*schedulerobjects.Session, error)
	// ListSessions returns the sessions of a scaling group in any of the given statuses, ordered by creation time.
	ListSessions(ctx *sokovancontext.Context, scalingGroup string, statuses ...schedulerobjects.SessionStatus) ([]*schedulerobjects.Session, error)
	// GetSystemSnapshot reads everything needed to schedule the pending sessions of a scaling group.
	GetSystemSnapshot(ctx *sokovancontext.Context, scalingGroup string) (*snapshot.SystemSnapshot, error)
	// AllocateSession atomically places every kernel of a pending session and moves it to SCHEDULED.
	// Agent capacity is checked again under a lock; if another pass used it first an
	// *ErrAllocationConflict is returned and nothing is written.
	AllocateSession(ctx *sokovancontext.Context, allocation *schedulerobjects.SessionAllocation) (*schedulerobjects.Session, error)
	TransitionSession(ctx *sokovancontext.Context, sessionID string, transition SessionTransition) (*schedulerobjects.Session, error)
	// UpdateKernelStatus applies a status reported for a kernel. Reports that are not a legal successor
	// of the current status are ignored and changed is false.
	UpdateKernelStatus(
		ctx *sokovancontext.Context,
		kernelID string,
		status schedulerobjects.KernelStatus,
		statusInfo string,
	) (session *schedulerobjects.Session, changed bool, err error)
	// MarkTerminating requests termination of the given sessions. Pending sessions are cancelled outright.
	MarkTerminating(ctx *sokovancontext.Context, sessionIDs []string, reason string, forced bool) (*schedulerobjects.MarkTerminatingResult, error)
	// ApplyTerminationResult marks destroyed kernels TERMINATED, and the session too once all its kernels are.
	ApplyTerminationResult(ctx *sokovancontext.Context, result *schedulerobjects.SessionTerminationResult) (*schedulerobjects.Session, error)
}

// AgentRepository stores agents as last reported by their heartbeats.
type AgentRepository interface {
	// UpsertAgent stores agent and returns the previously stored state, or nil if the agent is new.
	UpsertAgent(ctx *sokovancontext.Context, agent *schedulerobjects.AgentInfo) (*schedulerobjects.AgentInfo, error)
	GetAgent(ctx *sokovancontext.Context, agentID string) (*schedulerobjects.AgentInfo, error)
}

// PolicyRepository stores scaling groups and resource policies.
type PolicyRepository interface {
	ListScalingGroups(ctx *sokovancontext.Context) ([]schedulerobjects.ScalingGroupOpts, error)
	UpsertScalingGroup(ctx *sokovancontext.Context, opts schedulerobjects.ScalingGroupOpts) error
	UpsertKeypairPolicy(ctx *sokovancontext.Context, policy schedulerobjects.KeypairResourcePolicy) error
	UpsertResourceLimit(ctx *sokovancontext.Context, scope LimitScope, limit schedulerobjects.ResourceLimit) error
}

// ExecutionHistoryRepository stores the outcome of scheduling steps.
type ExecutionHistoryRepository interface {
	// RecordExecutionHistory merges entry into the latest record of the same session and step.
	RecordExecutionHistory(ctx *sokovancontext.Context, entry schedulerobjects.ExecutionHistoryEntry) (*schedulerobjects.ExecutionHistoryRecord, error)
	// GetLatestExecutionHistory returns nil if the step was never recorded for the session.
	GetLatestExecutionHistory(ctx *sokovancontext.Context, sessionID string, step schedulerobjects.SchedulingStep) (*schedulerobjects.ExecutionHistoryRecord, error)
	ListExecutionHistory(ctx *sokovancontext.Context, sessionID string) ([]*schedulerobjects.ExecutionHistoryRecord, error)
}

type Repository interface {
	SessionRepository
	AgentRepository
	PolicyRepository
	ExecutionHistoryRepository
}

type LimitScope string

const (
	LimitScopeUser   LimitScope = "user"
	LimitScopeGroup  LimitScope = "group"
	LimitScopeDomain LimitScope = "domain"
)

// Options shared by every Repository implementation.
type Options struct {
	// Agents that have not sent a heartbeat for this long are not schedulable. Zero disables the check.
	AgentHeartbeatTimeout time.Duration
}
