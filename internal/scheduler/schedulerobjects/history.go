package schedulerobjects

import "time"

type SchedulingStep string

const (
	StepSchedule  SchedulingStep = "SCHEDULE"
	StepStart     SchedulingStep = "START"
	StepTerminate SchedulingStep = "TERMINATE"
)

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	// The step failed and may be retried a bounded number of times.
	ExecutionFailure ExecutionStatus = "FAILURE"
	// The session was not eligible yet. Never counts towards the retry bound.
	ExecutionIneligible ExecutionStatus = "INELIGIBLE"
)

type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExecutionHistoryEntry is a new outcome of a scheduling step, before it is persisted.
type ExecutionHistoryEntry struct {
	SessionID  string
	Step       SchedulingStep
	Status     ExecutionStatus
	StartedAt  time.Time
	FinishedAt time.Time
	ErrorInfo  *ErrorInfo
	Details    map[string]string
}

type ExecutionHistoryRecord struct {
	ID          string
	SessionID   string
	Step        SchedulingStep
	StartedAt   time.Time
	FinishedAt  time.Time
	RetryCount  int
	LastRetryAt *time.Time
	Status      ExecutionStatus
	ErrorInfo   *ErrorInfo
	Details     map[string]string
}

// MergeExecutionHistory folds entry into latest, the most recent record of the same session and step.
// A repeat of a failed or ineligible outcome updates latest in place and bumps its retry count;
// anything else starts a new record with the given id. RetryCount therefore counts consecutive
// repeats, starting at 1 for a first failure.
func MergeExecutionHistory(latest *ExecutionHistoryRecord, entry ExecutionHistoryEntry, newID string) (record *ExecutionHistoryRecord, updated bool) {
	if latest != nil && latest.Status == entry.Status && entry.Status != ExecutionSuccess {
		c := *latest
		finishedAt := entry.FinishedAt
		c.RetryCount++
		c.LastRetryAt = &finishedAt
		c.FinishedAt = entry.FinishedAt
		c.ErrorInfo = entry.ErrorInfo
		c.Details = entry.Details
		return &c, true
	}
	retryCount := 0
	if entry.Status != ExecutionSuccess {
		retryCount = 1
	}
	return &ExecutionHistoryRecord{
		ID:         newID,
		SessionID:  entry.SessionID,
		Step:       entry.Step,
		StartedAt:  entry.StartedAt,
		FinishedAt: entry.FinishedAt,
		RetryCount: retryCount,
		Status:     entry.Status,
		ErrorInfo:  entry.ErrorInfo,
		Details:    entry.Details,
	}, false
}
