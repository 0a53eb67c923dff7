package database

import (
	"strings"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/common/sokovanerrors"
	"github.com/sokovan/sokovan/internal/common/util"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

const (
	sessionsTable      = "sessions"
	kernelsTable       = "kernels"
	agentsTable        = "agents"
	historyTable       = "history"
	scalingGroupsTable = "scaling_groups"
	policiesTable      = "keypair_policies"
	limitsTable        = "resource_limits"

	idIndex           = "id"            // lookup by primary key
	scalingGroupIndex = "scaling_group" // lookup by scaling group
	sessionIndex      = "session"       // lookup by session
	agentIndex        = "agent"         // lookup of kernels by agent
	sessionStepIndex  = "session_step"  // lookup of history by session and step
	statusIndex       = "status"        // lookup of sessions by status
)

// Rows stored in the in-memory database. Stored objects are never modified after insertion.
type sessionRow struct {
	ID           string
	ScalingGroup string
	Status       string
	Session      *schedulerobjects.Session // without kernels
}

type kernelRow struct {
	ID        string
	SessionID string
	AgentID   string
	Kernel    *schedulerobjects.Kernel
}

type agentRow struct {
	ID           string
	ScalingGroup string
	Agent        *schedulerobjects.AgentInfo
}

type historyRow struct {
	ID        string
	SessionID string
	Step      string
	Record    *schedulerobjects.ExecutionHistoryRecord
}

type scalingGroupRow struct {
	ID   string
	Opts schedulerobjects.ScalingGroupOpts
}

type policyRow struct {
	ID     string
	Policy schedulerobjects.KeypairResourcePolicy
}

type limitRow struct {
	ID    string
	Scope string
	Limit schedulerobjects.ResourceLimit
}

// MemoryRepository is a Repository on top of https://github.com/hashicorp/go-memdb.
// Only one write transaction may be open at a time, which serializes allocations the way the
// advisory lock does for Postgres. It is used for development and tests.
type MemoryRepository struct {
	db      *memdb.MemDB
	clock   clock.Clock
	options Options
	// Called after each kernel of an allocation is written; a non-nil error aborts the allocation.
	// Lets tests fail a commit half way through.
	allocationFault func(kernelIdx int) error
	faultMu         sync.Mutex
}

func NewMemoryRepository(clock clock.Clock, options Options) (*MemoryRepository, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryRepository{db: db, clock: clock, options: options}, nil
}

// SetAllocationFault installs a hook that can fail allocations part way through. Pass nil to remove it.
func (r *MemoryRepository) SetAllocationFault(fault func(kernelIdx int) error) {
	r.faultMu.Lock()
	defer r.faultMu.Unlock()
	r.allocationFault = fault
}

func (r *MemoryRepository) fault(kernelIdx int) error {
	r.faultMu.Lock()
	defer r.faultMu.Unlock()
	if r.allocationFault == nil {
		return nil
	}
	return r.allocationFault(kernelIdx)
}

func (r *MemoryRepository) EnqueueSession(_ *sokovancontext.Context, workload *schedulerobjects.SessionWorkload) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(sessionsTable, idIndex, workload.SessionID)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&sokovanerrors.ErrAlreadyExists{Type: "session", Value: workload.SessionID})
	}
	if err := putSession(txn, schedulerobjects.NewPendingSession(workload.DeepCopy())); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) GetSession(_ *sokovancontext.Context, sessionID string) (*schedulerobjects.Session, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	return getSession(txn, sessionID)
}

func (r *MemoryRepository) ListSessions(
	_ *sokovancontext.Context,
	scalingGroup string,
	statuses ...schedulerobjects.SessionStatus,
) ([]*schedulerobjects.Session, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	var sessions []*schedulerobjects.Session
	for _, status := range statuses {
		it, err := txn.Get(sessionsTable, statusIndex, string(status))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			row := obj.(*sessionRow)
			if scalingGroup != "" && row.ScalingGroup != scalingGroup {
				continue
			}
			session, err := getSession(txn, row.ID)
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, session)
		}
	}
	sortSessions(sessions)
	return sessions, nil
}

func (r *MemoryRepository) GetSystemSnapshot(_ *sokovancontext.Context, scalingGroup string) (*snapshot.SystemSnapshot, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	now := r.clock.Now()

	opts, err := getScalingGroup(txn, scalingGroup)
	if err != nil {
		return nil, err
	}
	agents, err := getAgents(txn, scalingGroup)
	if err != nil {
		return nil, err
	}
	agents = withHeartbeatTimeout(agents, now, r.options.AgentHeartbeatTimeout)

	var active []*schedulerobjects.Session
	for _, status := range activeSessionStatuses {
		sessions, err := getSessionsWithStatus(txn, status)
		if err != nil {
			return nil, err
		}
		active = append(active, sessions...)
	}
	pendingSessions, err := getSessionsWithStatus(txn, schedulerobjects.SessionPending)
	if err != nil {
		return nil, err
	}
	pending := make([]*schedulerobjects.SessionWorkload, len(pendingSessions))
	var dependencyIDs []string
	for i, s := range pendingSessions {
		pending[i] = s.Workload
		if s.Workload.ScalingGroup == scalingGroup {
			dependencyIDs = append(dependencyIDs, s.Workload.DependencySessionIDs...)
		}
	}
	var dependencies []schedulerobjects.DependencyInfo
	for _, id := range dependencyIDs {
		obj, err := txn.First(sessionsTable, idIndex, id)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if obj != nil {
			s := obj.(*sessionRow).Session
			dependencies = append(dependencies, schedulerobjects.DependencyInfo{SessionID: id, Status: s.Status, Result: s.Result})
		}
	}

	input := snapshot.Input{
		ScalingGroup:    opts,
		Now:             now,
		KnownSlotTypes:  knownSlotTypes(agents),
		Agents:          agents,
		ActiveSessions:  active,
		PendingSessions: pending,
		Dependencies:    dependencies,
	}
	it, err := txn.Get(policiesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		input.KeypairPolicies = append(input.KeypairPolicies, obj.(*policyRow).Policy)
	}
	it, err = txn.Get(limitsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*limitRow)
		switch LimitScope(row.Scope) {
		case LimitScopeUser:
			input.UserLimits = append(input.UserLimits, row.Limit)
		case LimitScopeGroup:
			input.GroupLimits = append(input.GroupLimits, row.Limit)
		case LimitScopeDomain:
			input.DomainLimits = append(input.DomainLimits, row.Limit)
		}
	}
	return snapshot.New(input), nil
}

func (r *MemoryRepository) AllocateSession(_ *sokovancontext.Context, allocation *schedulerobjects.SessionAllocation) (*schedulerobjects.Session, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	session, err := getSession(txn, allocation.SessionID)
	if err != nil {
		return nil, err
	}
	updated, err := allocateSession(session, allocation, r.clock.Now())
	if err != nil {
		return nil, err
	}

	agents := make(map[string]*schedulerobjects.AgentInfo)
	occupied := make(map[string]resources.ResourceSlot)
	for _, agentID := range allocation.AgentIDs() {
		obj, err := txn.First(agentsTable, idIndex, agentID)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if obj == nil {
			continue
		}
		agents[agentID] = obj.(*agentRow).Agent
		it, err := txn.Get(kernelsTable, agentIndex, agentID)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		for kobj := it.Next(); kobj != nil; kobj = it.Next() {
			k := kobj.(*kernelRow).Kernel
			occupied[agentID] = occupied[agentID].Add(k.OccupiedSlots())
		}
	}
	agents = mapAgents(withHeartbeatTimeout(mapValues(agents), r.clock.Now(), r.options.AgentHeartbeatTimeout))
	if err := checkAgentCapacity(allocation, agents, occupied); err != nil {
		return nil, err
	}

	for i, k := range updated.Kernels {
		if err := putKernel(txn, k); err != nil {
			return nil, err
		}
		if err := r.fault(i); err != nil {
			return nil, err
		}
	}
	if err := putSessionRow(txn, updated); err != nil {
		return nil, err
	}
	txn.Commit()
	return updated, nil
}

func (r *MemoryRepository) TransitionSession(
	_ *sokovancontext.Context,
	sessionID string,
	transition SessionTransition,
) (*schedulerobjects.Session, error) {
	return r.updateSession(sessionID, func(session *schedulerobjects.Session) (*schedulerobjects.Session, error) {
		return transitionSession(session, transition, r.clock.Now())
	})
}

func (r *MemoryRepository) UpdateKernelStatus(
	_ *sokovancontext.Context,
	kernelID string,
	status schedulerobjects.KernelStatus,
	statusInfo string,
) (*schedulerobjects.Session, bool, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(kernelsTable, idIndex, kernelID)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	if obj == nil {
		return nil, false, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "kernel", Value: kernelID})
	}
	session, err := getSession(txn, obj.(*kernelRow).SessionID)
	if err != nil {
		return nil, false, err
	}
	updated, changed, err := updateKernelStatus(session, kernelID, status, statusInfo)
	if err != nil || !changed {
		return session, false, err
	}
	if err := putSession(txn, updated); err != nil {
		return nil, false, err
	}
	txn.Commit()
	return updated, true, nil
}

func (r *MemoryRepository) MarkTerminating(
	_ *sokovancontext.Context,
	sessionIDs []string,
	reason string,
	forced bool,
) (*schedulerobjects.MarkTerminatingResult, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	result := &schedulerobjects.MarkTerminatingResult{}
	for _, id := range sessionIDs {
		session, err := getSession(txn, id)
		if sokovanerrors.IsNotFound(err) {
			result.NotFoundSessions = append(result.NotFoundSessions, id)
			continue
		} else if err != nil {
			return nil, err
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
		if err := putSession(txn, updated); err != nil {
			return nil, err
		}
		result.Changes = append(result.Changes, schedulerobjects.SessionChange{Before: session, After: updated})
	}
	txn.Commit()
	return result, nil
}

func (r *MemoryRepository) ApplyTerminationResult(
	_ *sokovancontext.Context,
	result *schedulerobjects.SessionTerminationResult,
) (*schedulerobjects.Session, error) {
	return r.updateSession(result.SessionID, func(session *schedulerobjects.Session) (*schedulerobjects.Session, error) {
		return applyTerminationResult(session, result, r.clock.Now())
	})
}

func (r *MemoryRepository) updateSession(
	sessionID string,
	update func(*schedulerobjects.Session) (*schedulerobjects.Session, error),
) (*schedulerobjects.Session, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	session, err := getSession(txn, sessionID)
	if err != nil {
		return nil, err
	}
	updated, err := update(session)
	if err != nil {
		return nil, err
	}
	if err := putSession(txn, updated); err != nil {
		return nil, err
	}
	txn.Commit()
	return updated, nil
}

func (r *MemoryRepository) UpsertAgent(_ *sokovancontext.Context, agent *schedulerobjects.AgentInfo) (*schedulerobjects.AgentInfo, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	var previous *schedulerobjects.AgentInfo
	obj, err := txn.First(agentsTable, idIndex, agent.AgentID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj != nil {
		previous = obj.(*agentRow).Agent.DeepCopy()
	}
	a := agent.DeepCopy()
	// Occupancy is derived from kernels.
	a.OccupiedSlots = resources.ResourceSlot{}
	a.ContainerCount = 0
	if err := txn.Insert(agentsTable, &agentRow{ID: a.AgentID, ScalingGroup: a.ScalingGroup, Agent: a}); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return previous, nil
}

func (r *MemoryRepository) GetAgent(_ *sokovancontext.Context, agentID string) (*schedulerobjects.AgentInfo, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(agentsTable, idIndex, agentID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "agent", Value: agentID})
	}
	return obj.(*agentRow).Agent.DeepCopy(), nil
}

func (r *MemoryRepository) ListScalingGroups(_ *sokovancontext.Context) ([]schedulerobjects.ScalingGroupOpts, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(scalingGroupsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var rv []schedulerobjects.ScalingGroupOpts
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rv = append(rv, obj.(*scalingGroupRow).Opts)
	}
	return rv, nil
}

func (r *MemoryRepository) UpsertScalingGroup(_ *sokovancontext.Context, opts schedulerobjects.ScalingGroupOpts) error {
	return r.insert(scalingGroupsTable, &scalingGroupRow{ID: opts.Name, Opts: opts})
}

func (r *MemoryRepository) UpsertKeypairPolicy(_ *sokovancontext.Context, policy schedulerobjects.KeypairResourcePolicy) error {
	return r.insert(policiesTable, &policyRow{ID: policy.AccessKey, Policy: policy})
}

func (r *MemoryRepository) UpsertResourceLimit(_ *sokovancontext.Context, scope LimitScope, limit schedulerobjects.ResourceLimit) error {
	return r.insert(limitsTable, &limitRow{ID: string(scope) + "/" + limit.ID, Scope: string(scope), Limit: limit})
}

func (r *MemoryRepository) insert(table string, obj interface{}) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(table, obj); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRepository) RecordExecutionHistory(
	_ *sokovancontext.Context,
	entry schedulerobjects.ExecutionHistoryEntry,
) (*schedulerobjects.ExecutionHistoryRecord, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()
	latest, err := latestHistory(txn, entry.SessionID, entry.Step)
	if err != nil {
		return nil, err
	}
	record, _ := schedulerobjects.MergeExecutionHistory(latest, entry, util.NewULID())
	row := &historyRow{ID: record.ID, SessionID: record.SessionID, Step: string(record.Step), Record: record}
	if err := txn.Insert(historyTable, row); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	c := *record
	return &c, nil
}

func (r *MemoryRepository) GetLatestExecutionHistory(
	_ *sokovancontext.Context,
	sessionID string,
	step schedulerobjects.SchedulingStep,
) (*schedulerobjects.ExecutionHistoryRecord, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	return latestHistory(txn, sessionID, step)
}

func (r *MemoryRepository) ListExecutionHistory(_ *sokovancontext.Context, sessionID string) ([]*schedulerobjects.ExecutionHistoryRecord, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(historyTable, sessionIndex, sessionID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var records []*schedulerobjects.ExecutionHistoryRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		c := *obj.(*historyRow).Record
		records = append(records, &c)
	}
	slices.SortFunc(records, func(a, b *schedulerobjects.ExecutionHistoryRecord) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return records, nil
}

// latestHistory returns the most recent record of a step; ids are ULIDs and so sort by creation.
func latestHistory(txn *memdb.Txn, sessionID string, step schedulerobjects.SchedulingStep) (*schedulerobjects.ExecutionHistoryRecord, error) {
	it, err := txn.Get(historyTable, sessionStepIndex, sessionID, string(step))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var latest *historyRow
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*historyRow)
		if latest == nil || row.ID > latest.ID {
			latest = row
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest.Record
	return &c, nil
}

func getSession(txn *memdb.Txn, sessionID string) (*schedulerobjects.Session, error) {
	obj, err := txn.First(sessionsTable, idIndex, sessionID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "session", Value: sessionID})
	}
	session := obj.(*sessionRow).Session.DeepCopy()
	it, err := txn.Get(kernelsTable, sessionIndex, sessionID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for kobj := it.Next(); kobj != nil; kobj = it.Next() {
		session.Kernels = append(session.Kernels, kobj.(*kernelRow).Kernel.DeepCopy())
	}
	slices.SortFunc(session.Kernels, func(a, b *schedulerobjects.Kernel) int {
		return a.ClusterIdx - b.ClusterIdx
	})
	return session, nil
}

func getSessionsWithStatus(txn *memdb.Txn, status schedulerobjects.SessionStatus) ([]*schedulerobjects.Session, error) {
	it, err := txn.Get(sessionsTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var sessions []*schedulerobjects.Session
	for obj := it.Next(); obj != nil; obj = it.Next() {
		session, err := getSession(txn, obj.(*sessionRow).ID)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func getScalingGroup(txn *memdb.Txn, name string) (schedulerobjects.ScalingGroupOpts, error) {
	obj, err := txn.First(scalingGroupsTable, idIndex, name)
	if err != nil {
		return schedulerobjects.ScalingGroupOpts{}, errors.WithStack(err)
	}
	if obj == nil {
		return schedulerobjects.ScalingGroupOpts{}, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "scaling group", Value: name})
	}
	return obj.(*scalingGroupRow).Opts, nil
}

func getAgents(txn *memdb.Txn, scalingGroup string) ([]*schedulerobjects.AgentInfo, error) {
	it, err := txn.Get(agentsTable, scalingGroupIndex, scalingGroup)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var agents []*schedulerobjects.AgentInfo
	for obj := it.Next(); obj != nil; obj = it.Next() {
		agents = append(agents, obj.(*agentRow).Agent.DeepCopy())
	}
	return agents, nil
}

// putSession writes the session and all of its kernels.
func putSession(txn *memdb.Txn, session *schedulerobjects.Session) error {
	for _, k := range session.Kernels {
		if err := putKernel(txn, k); err != nil {
			return err
		}
	}
	return putSessionRow(txn, session)
}

func putSessionRow(txn *memdb.Txn, session *schedulerobjects.Session) error {
	s := session.DeepCopy()
	s.Kernels = nil
	row := &sessionRow{ID: s.ID(), ScalingGroup: s.Workload.ScalingGroup, Status: string(s.Status), Session: s}
	return errors.WithStack(txn.Insert(sessionsTable, row))
}

func putKernel(txn *memdb.Txn, kernel *schedulerobjects.Kernel) error {
	k := kernel.DeepCopy()
	row := &kernelRow{ID: k.KernelID, SessionID: k.SessionID, AgentID: k.AgentID, Kernel: k}
	return errors.WithStack(txn.Insert(kernelsTable, row))
}

func sortSessions(sessions []*schedulerobjects.Session) {
	slices.SortFunc(sessions, func(a, b *schedulerobjects.Session) int {
		if c := a.Workload.CreatedAt.Compare(b.Workload.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
}

func mapAgents(agents []*schedulerobjects.AgentInfo) map[string]*schedulerobjects.AgentInfo {
	rv := make(map[string]*schedulerobjects.AgentInfo, len(agents))
	for _, a := range agents {
		rv[a.AgentID] = a
	}
	return rv
}

func mapValues(agents map[string]*schedulerobjects.AgentInfo) []*schedulerobjects.AgentInfo {
	rv := make([]*schedulerobjects.AgentInfo, 0, len(agents))
	for _, a := range agents {
		rv = append(rv, a)
	}
	return rv
}

func memorySchema() *memdb.DBSchema {
	byID := func() *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: idIndex, Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			sessionsTable: {
				Name: sessionsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:     byID(),
					statusIndex: {Name: statusIndex, Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				},
			},
			kernelsTable: {
				Name: kernelsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:      byID(),
					sessionIndex: {Name: sessionIndex, Indexer: &memdb.StringFieldIndex{Field: "SessionID"}},
					agentIndex:   {Name: agentIndex, AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "AgentID"}},
				},
			},
			agentsTable: {
				Name: agentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:           byID(),
					scalingGroupIndex: {Name: scalingGroupIndex, Indexer: &memdb.StringFieldIndex{Field: "ScalingGroup"}},
				},
			},
			historyTable: {
				Name: historyTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:      byID(),
					sessionIndex: {Name: sessionIndex, Indexer: &memdb.StringFieldIndex{Field: "SessionID"}},
					sessionStepIndex: {
						Name: sessionStepIndex,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "SessionID"},
								&memdb.StringFieldIndex{Field: "Step"},
							},
						},
					},
				},
			},
			scalingGroupsTable: {Name: scalingGroupsTable, Indexes: map[string]*memdb.IndexSchema{idIndex: byID()}},
			policiesTable:      {Name: policiesTable, Indexes: map[string]*memdb.IndexSchema{idIndex: byID()}},
			limitsTable:        {Name: limitsTable, Indexes: map[string]*memdb.IndexSchema{idIndex: byID()}},
		},
	}
}
