package validation

import (
	"strings"
	"time"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

type SessionTypeValidator struct{}

func (SessionTypeValidator) Name() string {
	return "session-type"
}

func (SessionTypeValidator) Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible {
	opts := snap.ScalingGroup()
	if opts.AllowsSessionType(workload.SessionType) {
		return nil
	}
	return ineligible(SessionTypeNotAllowed, "scaling group %s does not accept %s sessions", opts.Name, workload.SessionType)
}

// ReservedBatchSessionValidator holds back batch sessions until their start time.
type ReservedBatchSessionValidator struct{}

func (ReservedBatchSessionValidator) Name() string {
	return "reserved-batch-session"
}

func (ReservedBatchSessionValidator) Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible {
	if workload.SessionType != schedulerobjects.SessionTypeBatch || workload.StartsAt == nil {
		return nil
	}
	if workload.StartsAt.After(snap.Now()) {
		return ineligible(ReservedBatchSession, "session is reserved to start at %s", workload.StartsAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// ConcurrencyLimitValidator rejects a session if starting it would exceed the keypair's
// MaxConcurrentSessions. Only sessions holding resources count; pending sessions never block each other.
type ConcurrencyLimitValidator struct{}

func (ConcurrencyLimitValidator) Name() string {
	return "concurrency-limit"
}

func (ConcurrencyLimitValidator) Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible {
	policy, ok := snap.KeypairPolicy(workload.AccessKey)
	if !ok || policy.MaxConcurrentSessions <= 0 {
		return nil
	}
	active := snap.ActiveSessionCount(workload.AccessKey)
	if active+1 > policy.MaxConcurrentSessions {
		return ineligible(ConcurrencyLimitExceeded, "keypair %s already has %d of %d concurrent sessions", workload.AccessKey, active, policy.MaxConcurrentSessions)
	}
	return nil
}

// DependencyValidator requires every dependency to have terminated successfully.
type DependencyValidator struct{}

func (DependencyValidator) Name() string {
	return "dependency"
}

func (DependencyValidator) Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible {
	var unmet []string
	for _, id := range workload.DependencySessionIDs {
		dep, ok := snap.Dependency(id)
		if !ok || !dep.IsSatisfied() {
			unmet = append(unmet, id)
		}
	}
	if len(unmet) > 0 {
		return ineligible(DependencyNotMet, "waiting for sessions %s", strings.Join(unmet, ","))
	}
	return nil
}

// ResourceQuotaValidator checks the session's total request, added to current occupancy,
// against the keypair, user, group and domain limits. Slot names without a limit are unlimited.
type ResourceQuotaValidator struct{}

func (ResourceQuotaValidator) Name() string {
	return "resource-quota"
}

func (ResourceQuotaValidator) Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible {
	request := workload.RequestedSlots()
	if policy, ok := snap.KeypairPolicy(workload.AccessKey); ok {
		if result := checkQuota("keypair", workload.AccessKey, policy.TotalResourceSlots, snap.KeypairOccupancy(workload.AccessKey), request); result != nil {
			return result
		}
	}
	if limit, ok := snap.UserLimit(workload.UserID); ok {
		if result := checkQuota("user", workload.UserID, limit, snap.UserOccupancy(workload.UserID), request); result != nil {
			return result
		}
	}
	if limit, ok := snap.GroupLimit(workload.GroupID); ok {
		if result := checkQuota("group", workload.GroupID, limit, snap.GroupOccupancy(workload.GroupID), request); result != nil {
			return result
		}
	}
	if limit, ok := snap.DomainLimit(workload.DomainName); ok {
		if result := checkQuota("domain", workload.DomainName, limit, snap.DomainOccupancy(workload.DomainName), request); result != nil {
			return result
		}
	}
	return nil
}

func checkQuota(scope, id string, limit, occupied, request resources.ResourceSlot) *Ineligible {
	wanted := occupied.Add(request)
	if exceeded := limitedNames(limit, wanted); len(exceeded) > 0 {
		return ineligible(
			ResourceQuotaExceeded,
			"%s %s would exceed its limit on %s (limit %s, occupied %s, requested %s)",
			scope, id, strings.Join(exceeded, ","), limit, occupied, request,
		)
	}
	return nil
}

// limitedNames returns the names limited by limit for which wanted is larger.
func limitedNames(limit, wanted resources.ResourceSlot) []string {
	var names []string
	for _, name := range limit.Names() {
		if wanted.Get(name).Cmp(limit.Get(name)) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// PendingSessionLimitValidator only lets the oldest pending sessions through: those within the
// scaling group's MaxPendingSessions, and within the keypair's pending count and slot limits.
type PendingSessionLimitValidator struct{}

func (PendingSessionLimitValidator) Name() string {
	return "pending-session-limit"
}

func (PendingSessionLimitValidator) Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible {
	opts := snap.ScalingGroup()
	if opts.MaxPendingSessions > 0 {
		if pos := snap.PendingPositionInGroup(workload.SessionID); pos >= opts.MaxPendingSessions {
			return ineligible(PendingSessionLimitExceeded, "session is pending at position %d, scaling group %s considers at most %d", pos, opts.Name, opts.MaxPendingSessions)
		}
	}
	policy, ok := snap.KeypairPolicy(workload.AccessKey)
	if !ok {
		return nil
	}
	pos := snap.PendingPositionInKeypair(workload.AccessKey, workload.SessionID)
	if pos < 0 {
		return nil
	}
	if policy.MaxPendingSessionCount > 0 && pos >= policy.MaxPendingSessionCount {
		return ineligible(PendingSessionLimitExceeded, "session is pending at position %d, keypair %s allows %d pending sessions", pos, workload.AccessKey, policy.MaxPendingSessionCount)
	}
	if len(policy.MaxPendingSessionResourceSlots.Names()) > 0 {
		ahead := resources.ResourceSlot{}
		for _, w := range snap.PendingSessionsOfKeypair(workload.AccessKey)[:pos+1] {
			ahead = ahead.Add(w.RequestedSlots())
		}
		if exceeded := limitedNames(policy.MaxPendingSessionResourceSlots, ahead); len(exceeded) > 0 {
			return ineligible(PendingSessionLimitExceeded, "pending sessions of keypair %s would exceed the pending limit on %s", workload.AccessKey, strings.Join(exceeded, ","))
		}
	}
	return nil
}
