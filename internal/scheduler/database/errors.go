package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// ErrAllocationConflict is returned when an allocation no longer fits on its agents,
// typically because a concurrent pass used the capacity first. Retrying with a fresh snapshot may succeed.
type ErrAllocationConflict struct {
	SessionID string
	AgentID   string
	Reason    string
}

func (err *ErrAllocationConflict) Error() string {
	return fmt.Sprintf("cannot allocate session %s on agent %s: %s", err.SessionID, err.AgentID, err.Reason)
}

// ErrSessionStateConflict is returned when a session is not in the status a write expected.
type ErrSessionStateConflict struct {
	SessionID string
	Expected  []schedulerobjects.SessionStatus
	Actual    schedulerobjects.SessionStatus
}

func (err *ErrSessionStateConflict) Error() string {
	expected := make([]string, len(err.Expected))
	for i, s := range err.Expected {
		expected[i] = string(s)
	}
	return fmt.Sprintf("session %s is %s, expected one of [%s]", err.SessionID, err.Actual, strings.Join(expected, ","))
}

func IsAllocationConflict(err error) bool {
	var e *ErrAllocationConflict
	return errors.As(err, &e)
}

func IsSessionStateConflict(err error) bool {
	var e *ErrSessionStateConflict
	return errors.As(err, &e)
}

// IsRetryable reports whether the operation that returned err may succeed if attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAllocationConflict(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.LockNotAvailable ||
			pgErr.Code == pgerrcode.AdminShutdown
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
