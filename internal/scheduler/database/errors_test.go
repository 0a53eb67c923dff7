package database

import (
	"context"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/sokovan/sokovan/internal/common/sokovanerrors"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err       error
		retryable bool
	}{
		"nil":                   {err: nil, retryable: false},
		"allocation conflict":   {err: errors.WithStack(&ErrAllocationConflict{SessionID: "s1", AgentID: "a"}), retryable: true},
		"serialization failure": {err: errors.Wrap(&pgconn.PgError{Code: pgerrcode.SerializationFailure}, "commit"), retryable: true},
		"deadlock":              {err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, retryable: true},
		"lock not available":    {err: &pgconn.PgError{Code: pgerrcode.LockNotAvailable}, retryable: true},
		"admin shutdown":        {err: &pgconn.PgError{Code: pgerrcode.AdminShutdown}, retryable: true},
		"connection failure":    {err: &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, retryable: true},
		"unique violation":      {err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, retryable: false},
		"undefined table":       {err: &pgconn.PgError{Code: pgerrcode.UndefinedTable}, retryable: false},
		"deadline exceeded":     {err: errors.WithStack(context.DeadlineExceeded), retryable: true},
		"state conflict":        {err: &ErrSessionStateConflict{SessionID: "s1"}, retryable: false},
		"not found":             {err: &sokovanerrors.ErrNotFound{Value: "s1"}, retryable: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestErrSessionStateConflict_Error(t *testing.T) {
	err := &ErrSessionStateConflict{
		SessionID: "s1",
		Expected:  []schedulerobjects.SessionStatus{schedulerobjects.SessionScheduled, schedulerobjects.SessionPreparing},
		Actual:    schedulerobjects.SessionTerminating,
	}
	assert.Equal(t, "session s1 is TERMINATING, expected one of [SCHEDULED,PREPARING]", err.Error())
}
