package history

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/agentclient"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/selector"
)

// Error kinds recorded for failures that are not validation failures.
const (
	KindAllocationConflict   = "AllocationConflict"
	KindSessionStateConflict = "SessionStateConflict"
	KindNoAvailableAgent     = "NoAvailableAgent"
	KindAgentError           = "AgentError"
	KindTimeout              = "Timeout"
	KindInternal             = "Internal"
)

// Recorder writes the outcome of scheduling steps to the execution history.
type Recorder struct {
	repo  database.ExecutionHistoryRepository
	clock clock.Clock
}

func NewRecorder(repo database.ExecutionHistoryRepository, clock clock.Clock) *Recorder {
	return &Recorder{repo: repo, clock: clock}
}

// Success records that step completed for the session. It resets the retry count of the step.
func (r *Recorder) Success(
	ctx *sokovancontext.Context,
	sessionID string,
	step schedulerobjects.SchedulingStep,
	startedAt time.Time,
	details map[string]string,
) (*schedulerobjects.ExecutionHistoryRecord, error) {
	return r.record(ctx, schedulerobjects.ExecutionHistoryEntry{
		SessionID: sessionID,
		Step:      step,
		Status:    schedulerobjects.ExecutionSuccess,
		StartedAt: startedAt,
		Details:   details,
	})
}

// Failure records that step failed with err.
func (r *Recorder) Failure(
	ctx *sokovancontext.Context,
	sessionID string,
	step schedulerobjects.SchedulingStep,
	startedAt time.Time,
	err error,
) (*schedulerobjects.ExecutionHistoryRecord, error) {
	return r.record(ctx, schedulerobjects.ExecutionHistoryEntry{
		SessionID: sessionID,
		Step:      step,
		Status:    schedulerobjects.ExecutionFailure,
		StartedAt: startedAt,
		ErrorInfo: ErrorInfoFor(err),
	})
}

// Ineligible records that the session could not be scheduled yet for the given reason.
func (r *Recorder) Ineligible(
	ctx *sokovancontext.Context,
	sessionID string,
	startedAt time.Time,
	kind string,
	message string,
) (*schedulerobjects.ExecutionHistoryRecord, error) {
	return r.record(ctx, schedulerobjects.ExecutionHistoryEntry{
		SessionID: sessionID,
		Step:      schedulerobjects.StepSchedule,
		Status:    schedulerobjects.ExecutionIneligible,
		StartedAt: startedAt,
		ErrorInfo: &schedulerobjects.ErrorInfo{Kind: kind, Message: message, Retryable: true},
	})
}

func (r *Recorder) record(ctx *sokovancontext.Context, entry schedulerobjects.ExecutionHistoryEntry) (*schedulerobjects.ExecutionHistoryRecord, error) {
	entry.FinishedAt = r.clock.Now()
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.FinishedAt
	}
	record, err := r.repo.RecordExecutionHistory(ctx, entry)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot record %s outcome of session %s", entry.Step, entry.SessionID)
	}
	return record, nil
}

// ErrorInfoFor classifies err for the execution history.
func ErrorInfoFor(err error) *schedulerobjects.ErrorInfo {
	if err == nil {
		return nil
	}
	info := &schedulerobjects.ErrorInfo{
		Kind:      KindInternal,
		Message:   err.Error(),
		Retryable: database.IsRetryable(err),
	}
	var noAgent *selector.NoAvailableAgentError
	switch {
	case database.IsAllocationConflict(err):
		info.Kind = KindAllocationConflict
	case database.IsSessionStateConflict(err):
		info.Kind = KindSessionStateConflict
	case errors.As(err, &noAgent):
		info.Kind = KindNoAvailableAgent
		info.Retryable = true
	case agentclient.IsAgentError(err):
		info.Kind = KindAgentError
		info.Retryable = true
	case errors.Is(err, context.DeadlineExceeded):
		info.Kind = KindTimeout
	}
	return info
}

// RetryPolicy decides when a step has failed too often to be attempted again.
type RetryPolicy struct {
	MaxRetries int
}

// Exhausted is true once the consecutive failures of the step exceed MaxRetries.
// Ineligible outcomes never exhaust the policy.
func (p RetryPolicy) Exhausted(record *schedulerobjects.ExecutionHistoryRecord) bool {
	return record != nil &&
		record.Status == schedulerobjects.ExecutionFailure &&
		record.RetryCount > p.MaxRetries
}
