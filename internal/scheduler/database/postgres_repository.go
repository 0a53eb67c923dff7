package database

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/database"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/common/sokovanerrors"
	"github.com/sokovan/sokovan/internal/common/util"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

const sessionColumns = "session_id, workload, status, result, status_info, status_changed_at"

// PostgresRepository is an implementation of Repository that stores its state in postgres.
// Allocations in the same scaling group are serialized with a transaction-scoped advisory lock.
type PostgresRepository struct {
	db      *pgxpool.Pool
	clock   clock.Clock
	options Options
}

func NewPostgresRepository(db *pgxpool.Pool, clock clock.Clock, options Options) *PostgresRepository {
	return &PostgresRepository{db: db, clock: clock, options: options}
}

var (
	readWrite = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite, DeferrableMode: pgx.NotDeferrable}
	// Every read of a snapshot sees the same committed state.
	readOnlySnapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly, DeferrableMode: pgx.Deferrable}
)

func (r *PostgresRepository) EnqueueSession(ctx *sokovancontext.Context, workload *schedulerobjects.SessionWorkload) error {
	session := schedulerobjects.NewPendingSession(workload.DeepCopy())
	return pgx.BeginTxFunc(ctx, r.db, readWrite, func(tx pgx.Tx) error {
		payload, err := json.Marshal(session.Workload)
		if err != nil {
			return errors.WithStack(err)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO sessions (session_id, scaling_group, access_key, workload, status, result, status_info, status_changed_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8)
			 ON CONFLICT (session_id) DO NOTHING`,
			session.ID(), workload.ScalingGroup, workload.AccessKey, payload,
			string(session.Status), string(session.Result), session.StatusChangedAt, workload.CreatedAt)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return errors.WithStack(&sokovanerrors.ErrAlreadyExists{Type: "session", Value: session.ID()})
		}
		batch := &pgx.Batch{}
		for _, k := range session.Kernels {
			kernelPayload, err := json.Marshal(k.KernelWorkload)
			if err != nil {
				return errors.WithStack(err)
			}
			batch.Queue(
				`INSERT INTO kernels (kernel_id, session_id, cluster_idx, agent_id, status, status_info, workload)
				 VALUES ($1, $2, $3, NULL, $4, '', $5)`,
				k.KernelID, k.SessionID, k.ClusterIdx, string(k.Status), kernelPayload)
		}
		return errors.WithStack(tx.SendBatch(ctx, batch).Close())
	})
}

func (r *PostgresRepository) GetSession(ctx *sokovancontext.Context, sessionID string) (*schedulerobjects.Session, error) {
	return getPgSession(ctx, r.db, sessionID, false)
}

func (r *PostgresRepository) ListSessions(
	ctx *sokovancontext.Context,
	scalingGroup string,
	statuses ...schedulerobjects.SessionStatus,
) ([]*schedulerobjects.Session, error) {
	return queryPgSessions(ctx, r.db,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ANY($1) AND ($2 = '' OR scaling_group = $2)
		 ORDER BY created_at, session_id`,
		statusStrings(statuses), scalingGroup)
}

func (r *PostgresRepository) GetSystemSnapshot(ctx *sokovancontext.Context, scalingGroup string) (*snapshot.SystemSnapshot, error) {
	var input snapshot.Input
	err := pgx.BeginTxFunc(ctx, r.db, readOnlySnapshot, func(tx pgx.Tx) error {
		now := r.clock.Now()
		var optsPayload []byte
		err := tx.QueryRow(ctx, `SELECT opts FROM scaling_groups WHERE name = $1`, scalingGroup).Scan(&optsPayload)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.WithStack(&sokovanerrors.ErrNotFound{Type: "scaling group", Value: scalingGroup})
		} else if err != nil {
			return errors.WithStack(err)
		}
		if err := json.Unmarshal(optsPayload, &input.ScalingGroup); err != nil {
			return errors.WithStack(err)
		}

		agents, err := queryPgAgents(ctx, tx, `SELECT `+agentColumns+` FROM agents WHERE scaling_group = $1 ORDER BY agent_id`, scalingGroup)
		if err != nil {
			return err
		}
		input.Now = now
		input.Agents = withHeartbeatTimeout(agents, now, r.options.AgentHeartbeatTimeout)
		input.KnownSlotTypes = knownSlotTypes(input.Agents)

		input.ActiveSessions, err = queryPgSessions(ctx, tx,
			`SELECT `+sessionColumns+` FROM sessions WHERE status = ANY($1)`,
			statusStrings(activeSessionStatuses))
		if err != nil {
			return err
		}
		pending, err := queryPgSessions(ctx, tx,
			`SELECT `+sessionColumns+` FROM sessions WHERE status = $1`,
			string(schedulerobjects.SessionPending))
		if err != nil {
			return err
		}
		var dependencyIDs []string
		for _, s := range pending {
			input.PendingSessions = append(input.PendingSessions, s.Workload)
			if s.Workload.ScalingGroup == scalingGroup {
				dependencyIDs = append(dependencyIDs, s.Workload.DependencySessionIDs...)
			}
		}
		if input.Dependencies, err = queryPgDependencies(ctx, tx, dependencyIDs); err != nil {
			return err
		}
		if input.KeypairPolicies, err = queryPgPolicies(ctx, tx); err != nil {
			return err
		}
		for scope, target := range map[LimitScope]*[]schedulerobjects.ResourceLimit{
			LimitScopeUser:   &input.UserLimits,
			LimitScopeGroup:  &input.GroupLimits,
			LimitScopeDomain: &input.DomainLimits,
		} {
			if *target, err = queryPgLimits(ctx, tx, scope); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot.New(input), nil
}

func (r *PostgresRepository) AllocateSession(
	ctx *sokovancontext.Context,
	allocation *schedulerobjects.SessionAllocation,
) (*schedulerobjects.Session, error) {
	var updated *schedulerobjects.Session
	err := pgx.BeginTxFunc(ctx, r.db, readWrite, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, allocationLockKey(allocation.ScalingGroup)); err != nil {
			return errors.WithStack(err)
		}
		session, err := getPgSession(ctx, tx, allocation.SessionID, true)
		if err != nil {
			return err
		}
		updated, err = allocateSession(session, allocation, r.clock.Now())
		if err != nil {
			return err
		}

		agentIDs := allocation.AgentIDs()
		agentList, err := queryPgAgents(ctx, tx,
			`SELECT `+agentColumns+` FROM agents WHERE agent_id = ANY($1) ORDER BY agent_id FOR UPDATE`,
			agentIDs)
		if err != nil {
			return err
		}
		agents := mapAgents(withHeartbeatTimeout(agentList, r.clock.Now(), r.options.AgentHeartbeatTimeout))
		occupied, err := queryPgOccupancy(ctx, tx, agentIDs)
		if err != nil {
			return err
		}
		if err := checkAgentCapacity(allocation, agents, occupied); err != nil {
			return err
		}
		return writePgSession(ctx, tx, updated, schedulerobjects.SessionPending)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) TransitionSession(
	ctx *sokovancontext.Context,
	sessionID string,
	transition SessionTransition,
) (*schedulerobjects.Session, error) {
	session, _, err := r.modifySession(ctx, sessionID, func(session *schedulerobjects.Session) (*schedulerobjects.Session, bool, error) {
		updated, err := transitionSession(session, transition, r.clock.Now())
		return updated, true, err
	})
	return session, err
}

func (r *PostgresRepository) UpdateKernelStatus(
	ctx *sokovancontext.Context,
	kernelID string,
	status schedulerobjects.KernelStatus,
	statusInfo string,
) (*schedulerobjects.Session, bool, error) {
	var sessionID string
	err := r.db.QueryRow(ctx, `SELECT session_id FROM kernels WHERE kernel_id = $1`, kernelID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "kernel", Value: kernelID})
	} else if err != nil {
		return nil, false, errors.WithStack(err)
	}
	return r.modifySession(ctx, sessionID, func(session *schedulerobjects.Session) (*schedulerobjects.Session, bool, error) {
		return updateKernelStatus(session, kernelID, status, statusInfo)
	})
}

func (r *PostgresRepository) MarkTerminating(
	ctx *sokovancontext.Context,
	sessionIDs []string,
	reason string,
	forced bool,
) (*schedulerobjects.MarkTerminatingResult, error) {
	var result *schedulerobjects.MarkTerminatingResult
	err := pgx.BeginTxFunc(ctx, r.db, readWrite, func(tx pgx.Tx) error {
		result = &schedulerobjects.MarkTerminatingResult{}
		for _, id := range sessionIDs {
			session, err := getPgSession(ctx, tx, id, true)
			if sokovanerrors.IsNotFound(err) {
				result.NotFoundSessions = append(result.NotFoundSessions, id)
				continue
			} else if err != nil {
				return err
			}
			updated, outcome := markTerminating(session, reason, forced, r.clock.Now())
			switch outcome {
			case terminationSkipped:
				result.SkippedSessions = append(result.SkippedSessions, id)
				continue
			case terminationCancelled:
				result.CancelledSessions = append(result.CancelledSessions, id)
			case terminationProcessed:
				result.ProcessedSessions = append(result.ProcessedSessions, id)
			}
			if err := writePgSession(ctx, tx, updated, session.Status); err != nil {
				return err
			}
			result.Changes = append(result.Changes, schedulerobjects.SessionChange{Before: session, After: updated})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ApplyTerminationResult(
	ctx *sokovancontext.Context,
	result *schedulerobjects.SessionTerminationResult,
) (*schedulerobjects.Session, error) {
	session, _, err := r.modifySession(ctx, result.SessionID, func(session *schedulerobjects.Session) (*schedulerobjects.Session, bool, error) {
		updated, err := applyTerminationResult(session, result, r.clock.Now())
		return updated, true, err
	})
	return session, err
}

// modifySession locks the session row, applies update and writes the result back if it changed.
func (r *PostgresRepository) modifySession(
	ctx *sokovancontext.Context,
	sessionID string,
	update func(*schedulerobjects.Session) (*schedulerobjects.Session, bool, error),
) (*schedulerobjects.Session, bool, error) {
	var updated *schedulerobjects.Session
	var changed bool
	err := pgx.BeginTxFunc(ctx, r.db, readWrite, func(tx pgx.Tx) error {
		session, err := getPgSession(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		updated, changed, err = update(session)
		if err != nil || !changed {
			return err
		}
		return writePgSession(ctx, tx, updated, session.Status)
	})
	if err != nil {
		return nil, false, err
	}
	return updated, changed, nil
}

const agentColumns = "agent_id, address, scaling_group, architecture, status, schedulable, labels, available_slots, last_heartbeat"

func (r *PostgresRepository) UpsertAgent(ctx *sokovancontext.Context, agent *schedulerobjects.AgentInfo) (*schedulerobjects.AgentInfo, error) {
	var previous *schedulerobjects.AgentInfo
	err := pgx.BeginTxFunc(ctx, r.db, readWrite, func(tx pgx.Tx) error {
		existing, err := queryPgAgents(ctx, tx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 FOR UPDATE`, agent.AgentID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			previous = existing[0]
		}
		labels, err := json.Marshal(agent.Labels)
		if err != nil {
			return errors.WithStack(err)
		}
		slots, err := json.Marshal(agent.AvailableSlots)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO agents (`+agentColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (agent_id) DO UPDATE SET
			     address = EXCLUDED.address,
			     scaling_group = EXCLUDED.scaling_group,
			     architecture = EXCLUDED.architecture,
			     status = EXCLUDED.status,
			     schedulable = EXCLUDED.schedulable,
			     labels = EXCLUDED.labels,
			     available_slots = EXCLUDED.available_slots,
			     last_heartbeat = EXCLUDED.last_heartbeat`,
			agent.AgentID, agent.Address, agent.ScalingGroup, agent.Architecture, string(agent.Status),
			agent.Schedulable, labels, slots, agent.LastHeartbeat)
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

func (r *PostgresRepository) GetAgent(ctx *sokovancontext.Context, agentID string) (*schedulerobjects.AgentInfo, error) {
	agents, err := queryPgAgents(ctx, r.db, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "agent", Value: agentID})
	}
	return agents[0], nil
}

func (r *PostgresRepository) ListScalingGroups(ctx *sokovancontext.Context) ([]schedulerobjects.ScalingGroupOpts, error) {
	rows, err := r.db.Query(ctx, `SELECT opts FROM scaling_groups ORDER BY name`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var rv []schedulerobjects.ScalingGroupOpts
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.WithStack(err)
		}
		var opts schedulerobjects.ScalingGroupOpts
		if err := json.Unmarshal(payload, &opts); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, opts)
	}
	return rv, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) UpsertScalingGroup(ctx *sokovancontext.Context, opts schedulerobjects.ScalingGroupOpts) error {
	return r.upsertJson(ctx,
		`INSERT INTO scaling_groups (name, opts) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET opts = EXCLUDED.opts`,
		opts.Name, opts)
}

func (r *PostgresRepository) UpsertKeypairPolicy(ctx *sokovancontext.Context, policy schedulerobjects.KeypairResourcePolicy) error {
	return r.upsertJson(ctx,
		`INSERT INTO keypair_resource_policies (access_key, policy) VALUES ($1, $2)
		 ON CONFLICT (access_key) DO UPDATE SET policy = EXCLUDED.policy`,
		policy.AccessKey, policy)
}

func (r *PostgresRepository) UpsertResourceLimit(ctx *sokovancontext.Context, scope LimitScope, limit schedulerobjects.ResourceLimit) error {
	payload, err := json.Marshal(limit.TotalResourceSlots)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO resource_limits (scope, id, total_resource_slots) VALUES ($1, $2, $3)
		 ON CONFLICT (scope, id) DO UPDATE SET total_resource_slots = EXCLUDED.total_resource_slots`,
		string(scope), limit.ID, payload)
	return errors.WithStack(err)
}

func (r *PostgresRepository) upsertJson(ctx *sokovancontext.Context, sql string, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, sql, key, payload)
	return errors.WithStack(err)
}

const historyColumns = "id, session_id, step, started_at, finished_at, retry_count, last_retry_at, status, error_info, details"

func (r *PostgresRepository) RecordExecutionHistory(
	ctx *sokovancontext.Context,
	entry schedulerobjects.ExecutionHistoryEntry,
) (*schedulerobjects.ExecutionHistoryRecord, error) {
	var record *schedulerobjects.ExecutionHistoryRecord
	err := pgx.BeginTxFunc(ctx, r.db, readWrite, func(tx pgx.Tx) error {
		latest, err := queryPgHistory(ctx, tx,
			`SELECT `+historyColumns+` FROM scheduler_execution_history
			 WHERE session_id = $1 AND step = $2
			 ORDER BY id DESC LIMIT 1 FOR UPDATE`,
			entry.SessionID, string(entry.Step))
		if err != nil {
			return err
		}
		var previous *schedulerobjects.ExecutionHistoryRecord
		if len(latest) > 0 {
			previous = latest[0]
		}
		var updated bool
		record, updated = schedulerobjects.MergeExecutionHistory(previous, entry, util.NewULID())
		errorInfo, err := json.Marshal(record.ErrorInfo)
		if err != nil {
			return errors.WithStack(err)
		}
		details, err := json.Marshal(record.Details)
		if err != nil {
			return errors.WithStack(err)
		}
		if updated {
			_, err = tx.Exec(ctx,
				`UPDATE scheduler_execution_history
				 SET finished_at = $2, retry_count = $3, last_retry_at = $4, error_info = $5, details = $6
				 WHERE id = $1`,
				record.ID, record.FinishedAt, record.RetryCount, record.LastRetryAt, errorInfo, details)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO scheduler_execution_history (`+historyColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				record.ID, record.SessionID, string(record.Step), record.StartedAt, record.FinishedAt,
				record.RetryCount, record.LastRetryAt, string(record.Status), errorInfo, details)
		}
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *PostgresRepository) GetLatestExecutionHistory(
	ctx *sokovancontext.Context,
	sessionID string,
	step schedulerobjects.SchedulingStep,
) (*schedulerobjects.ExecutionHistoryRecord, error) {
	records, err := queryPgHistory(ctx, r.db,
		`SELECT `+historyColumns+` FROM scheduler_execution_history
		 WHERE session_id = $1 AND step = $2
		 ORDER BY id DESC LIMIT 1`,
		sessionID, string(step))
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (r *PostgresRepository) ListExecutionHistory(ctx *sokovancontext.Context, sessionID string) ([]*schedulerobjects.ExecutionHistoryRecord, error) {
	return queryPgHistory(ctx, r.db,
		`SELECT `+historyColumns+` FROM scheduler_execution_history
		 WHERE session_id = $1
		 ORDER BY started_at, id`,
		sessionID)
}

// allocationLockKey maps a scaling group to the key of its advisory lock.
func allocationLockKey(scalingGroup string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("sokovan/allocate/" + scalingGroup))
	return int64(h.Sum64())
}

func statusStrings(statuses []schedulerobjects.SessionStatus) []string {
	rv := make([]string, len(statuses))
	for i, s := range statuses {
		rv[i] = string(s)
	}
	return rv
}

func getPgSession(ctx *sokovancontext.Context, q database.Querier, sessionID string, forUpdate bool) (*schedulerobjects.Session, error) {
	sql := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	sessions, err := queryPgSessions(ctx, q, sql, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "session", Value: sessionID})
	}
	return sessions[0], nil
}

// queryPgSessions runs a query selecting sessionColumns and loads the kernels of every returned session.
func queryPgSessions(ctx *sokovancontext.Context, q database.Querier, sql string, args ...any) ([]*schedulerobjects.Session, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var sessions []*schedulerobjects.Session
	byID := make(map[string]*schedulerobjects.Session)
	for rows.Next() {
		var (
			id, status, result string
			payload            []byte
			session            schedulerobjects.Session
		)
		if err := rows.Scan(&id, &payload, &status, &result, &session.StatusInfo, &session.StatusChangedAt); err != nil {
			rows.Close()
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(payload, &session.Workload); err != nil {
			rows.Close()
			return nil, errors.WithStack(err)
		}
		session.Status = schedulerobjects.SessionStatus(status)
		session.Result = schedulerobjects.SessionResult(result)
		sessions = append(sessions, &session)
		byID[id] = &session
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	kernelRows, err := q.Query(ctx,
		`SELECT session_id, kernel_id, agent_id, status, status_info, workload
		 FROM kernels WHERE session_id = ANY($1)
		 ORDER BY session_id, cluster_idx`,
		maps.Keys(byID))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer kernelRows.Close()
	for kernelRows.Next() {
		var (
			sessionID, status string
			agentID           *string
			payload           []byte
			kernel            schedulerobjects.Kernel
		)
		if err := kernelRows.Scan(&sessionID, &kernel.KernelID, &agentID, &status, &kernel.StatusInfo, &payload); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(payload, &kernel.KernelWorkload); err != nil {
			return nil, errors.WithStack(err)
		}
		kernel.SessionID = sessionID
		kernel.Status = schedulerobjects.KernelStatus(status)
		if agentID != nil {
			kernel.AgentID = *agentID
		}
		if s, ok := byID[sessionID]; ok {
			s.Kernels = append(s.Kernels, &kernel)
		}
	}
	return sessions, errors.WithStack(kernelRows.Err())
}

// writePgSession stores the status of session and its kernels. The update only applies while the
// stored status is still expected; otherwise a *ErrSessionStateConflict is returned.
func writePgSession(ctx *sokovancontext.Context, tx pgx.Tx, session *schedulerobjects.Session, expected schedulerobjects.SessionStatus) error {
	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $2, result = $3, status_info = $4, status_changed_at = $5
		 WHERE session_id = $1 AND status = $6`,
		session.ID(), string(session.Status), string(session.Result), session.StatusInfo, session.StatusChangedAt, string(expected))
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&ErrSessionStateConflict{
			SessionID: session.ID(),
			Expected:  []schedulerobjects.SessionStatus{expected},
		})
	}
	batch := &pgx.Batch{}
	for _, k := range session.Kernels {
		var agentID *string
		if k.AgentID != "" {
			agentID = &k.AgentID
		}
		batch.Queue(
			`UPDATE kernels SET agent_id = $2, status = $3, status_info = $4 WHERE kernel_id = $1`,
			k.KernelID, agentID, string(k.Status), k.StatusInfo)
	}
	return errors.WithStack(tx.SendBatch(ctx, batch).Close())
}

func queryPgAgents(ctx *sokovancontext.Context, q database.Querier, sql string, args ...any) ([]*schedulerobjects.AgentInfo, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var agents []*schedulerobjects.AgentInfo
	for rows.Next() {
		var (
			agent         schedulerobjects.AgentInfo
			status        string
			labels, slots []byte
		)
		err := rows.Scan(&agent.AgentID, &agent.Address, &agent.ScalingGroup, &agent.Architecture, &status,
			&agent.Schedulable, &labels, &slots, &agent.LastHeartbeat)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(labels, &agent.Labels); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(slots, &agent.AvailableSlots); err != nil {
			return nil, errors.WithStack(err)
		}
		agent.Status = schedulerobjects.AgentStatus(status)
		agents = append(agents, &agent)
	}
	return agents, errors.WithStack(rows.Err())
}

// queryPgOccupancy sums the requests of the kernels holding resources on each agent.
func queryPgOccupancy(ctx *sokovancontext.Context, q database.Querier, agentIDs []string) (map[string]resources.ResourceSlot, error) {
	statuses := make([]string, len(occupyingKernelStatuses))
	for i, s := range occupyingKernelStatuses {
		statuses[i] = string(s)
	}
	rows, err := q.Query(ctx,
		`SELECT agent_id, workload FROM kernels WHERE agent_id = ANY($1) AND status = ANY($2)`,
		agentIDs, statuses)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	occupied := make(map[string]resources.ResourceSlot)
	for rows.Next() {
		var (
			agentID string
			payload []byte
			kernel  schedulerobjects.KernelWorkload
		)
		if err := rows.Scan(&agentID, &payload); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(payload, &kernel); err != nil {
			return nil, errors.WithStack(err)
		}
		occupied[agentID] = occupied[agentID].Add(kernel.RequestedSlots)
	}
	return occupied, errors.WithStack(rows.Err())
}

func queryPgDependencies(ctx *sokovancontext.Context, q database.Querier, sessionIDs []string) ([]schedulerobjects.DependencyInfo, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	rows, err := q.Query(ctx, `SELECT session_id, status, result FROM sessions WHERE session_id = ANY($1)`, sessionIDs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var rv []schedulerobjects.DependencyInfo
	for rows.Next() {
		var id, status, result string
		if err := rows.Scan(&id, &status, &result); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, schedulerobjects.DependencyInfo{
			SessionID: id,
			Status:    schedulerobjects.SessionStatus(status),
			Result:    schedulerobjects.SessionResult(result),
		})
	}
	return rv, errors.WithStack(rows.Err())
}

func queryPgPolicies(ctx *sokovancontext.Context, q database.Querier) ([]schedulerobjects.KeypairResourcePolicy, error) {
	rows, err := q.Query(ctx, `SELECT policy FROM keypair_resource_policies`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var rv []schedulerobjects.KeypairResourcePolicy
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.WithStack(err)
		}
		var policy schedulerobjects.KeypairResourcePolicy
		if err := json.Unmarshal(payload, &policy); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, policy)
	}
	return rv, errors.WithStack(rows.Err())
}

func queryPgLimits(ctx *sokovancontext.Context, q database.Querier, scope LimitScope) ([]schedulerobjects.ResourceLimit, error) {
	rows, err := q.Query(ctx, `SELECT id, total_resource_slots FROM resource_limits WHERE scope = $1`, string(scope))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var rv []schedulerobjects.ResourceLimit
	for rows.Next() {
		var (
			limit   schedulerobjects.ResourceLimit
			payload []byte
		)
		if err := rows.Scan(&limit.ID, &payload); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(payload, &limit.TotalResourceSlots); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, limit)
	}
	return rv, errors.WithStack(rows.Err())
}

func queryPgHistory(ctx *sokovancontext.Context, q database.Querier, sql string, args ...any) ([]*schedulerobjects.ExecutionHistoryRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var rv []*schedulerobjects.ExecutionHistoryRecord
	for rows.Next() {
		var (
			record             schedulerobjects.ExecutionHistoryRecord
			step, status       string
			errorInfo, details []byte
			lastRetryAt        *time.Time
		)
		err := rows.Scan(&record.ID, &record.SessionID, &step, &record.StartedAt, &record.FinishedAt,
			&record.RetryCount, &lastRetryAt, &status, &errorInfo, &details)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if len(errorInfo) > 0 {
			if err := json.Unmarshal(errorInfo, &record.ErrorInfo); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &record.Details); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		record.Step = schedulerobjects.SchedulingStep(step)
		record.Status = schedulerobjects.ExecutionStatus(status)
		record.LastRetryAt = lastRetryAt
		rv = append(rv, &record)
	}
	return rv, errors.WithStack(rows.Err())
}
