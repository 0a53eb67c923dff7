package snapshot

import (
	"time"

	"github.com/benbjohnson/immutable"
	"golang.org/x/exp/slices"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// Input is the raw state a SystemSnapshot is built from. Repositories fill it in with plain reads.
type Input struct {
	ScalingGroup   schedulerobjects.ScalingGroupOpts
	Now            time.Time
	KnownSlotTypes []string
	// Agents belonging to the scaling group. Occupancy is recomputed from ActiveSessions.
	Agents []*schedulerobjects.AgentInfo
	// Every session holding resources, across all scaling groups.
	ActiveSessions []*schedulerobjects.Session
	// Every pending session, across all scaling groups.
	PendingSessions []*schedulerobjects.SessionWorkload
	KeypairPolicies []schedulerobjects.KeypairResourcePolicy
	UserLimits      []schedulerobjects.ResourceLimit
	GroupLimits     []schedulerobjects.ResourceLimit
	DomainLimits    []schedulerobjects.ResourceLimit
	// State of every session some pending session depends on.
	Dependencies []schedulerobjects.DependencyInfo
}

// SystemSnapshot is an immutable view of the cluster used for one scheduling attempt.
// WithAllocation derives a new snapshot; the receiver is never modified.
type SystemSnapshot struct {
	scalingGroup   schedulerobjects.ScalingGroupOpts
	now            time.Time
	knownSlotTypes []string
	// Agents of the scaling group by id.
	agents *immutable.SortedMap[string, *schedulerobjects.AgentInfo]
	// Occupied slots by owner.
	occupancyByKeypair *immutable.Map[string, resources.ResourceSlot]
	occupancyByUser    *immutable.Map[string, resources.ResourceSlot]
	occupancyByGroup   *immutable.Map[string, resources.ResourceSlot]
	occupancyByDomain  *immutable.Map[string, resources.ResourceSlot]
	// Limits by owner.
	keypairPolicies *immutable.Map[string, schedulerobjects.KeypairResourcePolicy]
	userLimits      *immutable.Map[string, resources.ResourceSlot]
	groupLimits     *immutable.Map[string, resources.ResourceSlot]
	domainLimits    *immutable.Map[string, resources.ResourceSlot]
	// Number of sessions holding resources per keypair.
	activeSessionsByKeypair *immutable.Map[string, int]
	// Pending sessions in creation order, with the session id as tie-break.
	pendingByKeypair *immutable.Map[string, []*schedulerobjects.SessionWorkload]
	pendingInGroup   []*schedulerobjects.SessionWorkload
	dependencies     *immutable.Map[string, schedulerobjects.DependencyInfo]
	// Kernels per endpoint and agent, keyed by endpointReplicaKey.
	endpointReplicas *immutable.Map[string, int]
}

// New builds a snapshot. Slices in input are not retained.
func New(input Input) *SystemSnapshot {
	agentBuilder := immutable.NewSortedMapBuilder[string, *schedulerobjects.AgentInfo](nil)
	for _, agent := range input.Agents {
		a := agent.DeepCopy()
		a.OccupiedSlots = resources.ResourceSlot{}
		a.ContainerCount = 0
		agentBuilder.Set(a.AgentID, a)
	}
	agents := agentBuilder.Map()

	occupancyByKeypair := map[string]resources.ResourceSlot{}
	occupancyByUser := map[string]resources.ResourceSlot{}
	occupancyByGroup := map[string]resources.ResourceSlot{}
	occupancyByDomain := map[string]resources.ResourceSlot{}
	activeByKeypair := map[string]int{}
	endpointReplicas := map[string]int{}
	for _, session := range input.ActiveSessions {
		if !session.Status.IsActive() {
			continue
		}
		w := session.Workload
		activeByKeypair[w.AccessKey]++
		for _, kernel := range session.Kernels {
			if kernel.AgentID == "" || !kernel.Status.OccupiesResources() {
				continue
			}
			occupied := kernel.OccupiedSlots()
			occupancyByKeypair[w.AccessKey] = occupancyByKeypair[w.AccessKey].Add(occupied)
			occupancyByUser[w.UserID] = occupancyByUser[w.UserID].Add(occupied)
			occupancyByGroup[w.GroupID] = occupancyByGroup[w.GroupID].Add(occupied)
			occupancyByDomain[w.DomainName] = occupancyByDomain[w.DomainName].Add(occupied)
			if agent, ok := agents.Get(kernel.AgentID); ok {
				agents = agents.Set(kernel.AgentID, agent.WithOccupancy(occupied, 1))
			}
			if w.EndpointID != "" {
				endpointReplicas[endpointReplicaKey(w.EndpointID, kernel.AgentID)]++
			}
		}
	}

	pending := slices.Clone(input.PendingSessions)
	slices.SortStableFunc(pending, func(a, b *schedulerobjects.SessionWorkload) int {
		return compareCreation(a, b)
	})
	pendingByKeypair := map[string][]*schedulerobjects.SessionWorkload{}
	var pendingInGroup []*schedulerobjects.SessionWorkload
	for _, w := range pending {
		pendingByKeypair[w.AccessKey] = append(pendingByKeypair[w.AccessKey], w)
		if w.ScalingGroup == input.ScalingGroup.Name {
			pendingInGroup = append(pendingInGroup, w)
		}
	}

	keypairPolicies := immutable.NewMapBuilder[string, schedulerobjects.KeypairResourcePolicy](nil)
	for _, p := range input.KeypairPolicies {
		keypairPolicies.Set(p.AccessKey, p)
	}
	dependencies := immutable.NewMapBuilder[string, schedulerobjects.DependencyInfo](nil)
	for _, d := range input.Dependencies {
		dependencies.Set(d.SessionID, d)
	}

	knownSlotTypes := slices.Clone(input.KnownSlotTypes)
	slices.Sort(knownSlotTypes)

	return &SystemSnapshot{
		scalingGroup:            input.ScalingGroup,
		now:                     input.Now,
		knownSlotTypes:          knownSlotTypes,
		agents:                  agents,
		occupancyByKeypair:      toImmutable(occupancyByKeypair),
		occupancyByUser:         toImmutable(occupancyByUser),
		occupancyByGroup:        toImmutable(occupancyByGroup),
		occupancyByDomain:       toImmutable(occupancyByDomain),
		keypairPolicies:         keypairPolicies.Map(),
		userLimits:              limitsToImmutable(input.UserLimits),
		groupLimits:             limitsToImmutable(input.GroupLimits),
		domainLimits:            limitsToImmutable(input.DomainLimits),
		activeSessionsByKeypair: toImmutable(activeByKeypair),
		pendingByKeypair:        toImmutable(pendingByKeypair),
		pendingInGroup:          pendingInGroup,
		dependencies:            dependencies.Map(),
		endpointReplicas:        toImmutable(endpointReplicas),
	}
}

func endpointReplicaKey(endpointID, agentID string) string {
	return endpointID + "/" + agentID
}

func toImmutable[V any](m map[string]V) *immutable.Map[string, V] {
	builder := immutable.NewMapBuilder[string, V](nil)
	for k, v := range m {
		builder.Set(k, v)
	}
	return builder.Map()
}

func limitsToImmutable(limits []schedulerobjects.ResourceLimit) *immutable.Map[string, resources.ResourceSlot] {
	builder := immutable.NewMapBuilder[string, resources.ResourceSlot](nil)
	for _, l := range limits {
		builder.Set(l.ID, l.TotalResourceSlots)
	}
	return builder.Map()
}

// compareCreation orders by creation time, then by session id.
func compareCreation(a, b *schedulerobjects.SessionWorkload) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.SessionID < b.SessionID:
		return -1
	case a.SessionID > b.SessionID:
		return 1
	}
	return 0
}

func (s *SystemSnapshot) ScalingGroup() schedulerobjects.ScalingGroupOpts {
	return s.scalingGroup
}

// Now is the time the snapshot was taken. Validators use it instead of the wall clock.
func (s *SystemSnapshot) Now() time.Time {
	return s.now
}

func (s *SystemSnapshot) KnownSlotTypes() []string {
	return slices.Clone(s.knownSlotTypes)
}

// Agents returns the agents of the scaling group ordered by id.
func (s *SystemSnapshot) Agents() []*schedulerobjects.AgentInfo {
	rv := make([]*schedulerobjects.AgentInfo, 0, s.agents.Len())
	it := s.agents.Iterator()
	for !it.Done() {
		_, agent, _ := it.Next()
		rv = append(rv, agent)
	}
	return rv
}

func (s *SystemSnapshot) Agent(agentID string) (*schedulerobjects.AgentInfo, bool) {
	return s.agents.Get(agentID)
}

// TotalCapacity sums the capacity of agents that can take new kernels.
func (s *SystemSnapshot) TotalCapacity() resources.ResourceSlot {
	total := resources.ResourceSlot{}
	for _, agent := range s.Agents() {
		if agent.Status == schedulerobjects.AgentAlive && agent.Schedulable {
			total = total.Add(agent.AvailableSlots)
		}
	}
	return total
}

// RemainingCapacity sums the free slots of agents that can take new kernels.
func (s *SystemSnapshot) RemainingCapacity() resources.ResourceSlot {
	total := resources.ResourceSlot{}
	for _, agent := range s.Agents() {
		if agent.Status == schedulerobjects.AgentAlive && agent.Schedulable {
			total = total.Add(agent.FreeSlots().FloorAtZero())
		}
	}
	return total
}

func (s *SystemSnapshot) KeypairOccupancy(accessKey string) resources.ResourceSlot {
	rs, _ := s.occupancyByKeypair.Get(accessKey)
	return rs
}

func (s *SystemSnapshot) UserOccupancy(userID string) resources.ResourceSlot {
	rs, _ := s.occupancyByUser.Get(userID)
	return rs
}

func (s *SystemSnapshot) GroupOccupancy(groupID string) resources.ResourceSlot {
	rs, _ := s.occupancyByGroup.Get(groupID)
	return rs
}

func (s *SystemSnapshot) DomainOccupancy(domainName string) resources.ResourceSlot {
	rs, _ := s.occupancyByDomain.Get(domainName)
	return rs
}

func (s *SystemSnapshot) KeypairPolicy(accessKey string) (schedulerobjects.KeypairResourcePolicy, bool) {
	return s.keypairPolicies.Get(accessKey)
}

func (s *SystemSnapshot) UserLimit(userID string) (resources.ResourceSlot, bool) {
	return s.userLimits.Get(userID)
}

func (s *SystemSnapshot) GroupLimit(groupID string) (resources.ResourceSlot, bool) {
	return s.groupLimits.Get(groupID)
}

func (s *SystemSnapshot) DomainLimit(domainName string) (resources.ResourceSlot, bool) {
	return s.domainLimits.Get(domainName)
}

// ActiveSessionCount is the number of sessions of the keypair currently holding resources.
func (s *SystemSnapshot) ActiveSessionCount(accessKey string) int {
	n, _ := s.activeSessionsByKeypair.Get(accessKey)
	return n
}

// PendingSessions returns the pending sessions of the scaling group in creation order.
func (s *SystemSnapshot) PendingSessions() []*schedulerobjects.SessionWorkload {
	return slices.Clone(s.pendingInGroup)
}

// PendingSessionsOfKeypair returns the keypair's pending sessions in all scaling groups, in creation order.
func (s *SystemSnapshot) PendingSessionsOfKeypair(accessKey string) []*schedulerobjects.SessionWorkload {
	rv, _ := s.pendingByKeypair.Get(accessKey)
	return slices.Clone(rv)
}

// PendingPositionInGroup is the zero-based position of the session among the group's pending sessions, or -1.
func (s *SystemSnapshot) PendingPositionInGroup(sessionID string) int {
	return positionOf(s.pendingInGroup, sessionID)
}

// PendingPositionInKeypair is the zero-based position of the session among its keypair's pending sessions, or -1.
func (s *SystemSnapshot) PendingPositionInKeypair(accessKey string, sessionID string) int {
	pending, _ := s.pendingByKeypair.Get(accessKey)
	return positionOf(pending, sessionID)
}

func positionOf(sessions []*schedulerobjects.SessionWorkload, sessionID string) int {
	return slices.IndexFunc(sessions, func(w *schedulerobjects.SessionWorkload) bool {
		return w.SessionID == sessionID
	})
}

// EndpointReplicaCount is the number of kernels of the endpoint's sessions running on the agent.
func (s *SystemSnapshot) EndpointReplicaCount(endpointID, agentID string) int {
	n, _ := s.endpointReplicas.Get(endpointReplicaKey(endpointID, agentID))
	return n
}

func (s *SystemSnapshot) Dependency(sessionID string) (schedulerobjects.DependencyInfo, bool) {
	return s.dependencies.Get(sessionID)
}

// WithAllocation returns a snapshot in which workload has been placed as described by allocation:
// occupancy and active-session counts include it and it is no longer pending.
func (s *SystemSnapshot) WithAllocation(workload *schedulerobjects.SessionWorkload, allocation *schedulerobjects.SessionAllocation) *SystemSnapshot {
	c := *s
	total := allocation.TotalSlots()
	c.occupancyByKeypair = addOccupancy(s.occupancyByKeypair, workload.AccessKey, total)
	c.occupancyByUser = addOccupancy(s.occupancyByUser, workload.UserID, total)
	c.occupancyByGroup = addOccupancy(s.occupancyByGroup, workload.GroupID, total)
	c.occupancyByDomain = addOccupancy(s.occupancyByDomain, workload.DomainName, total)

	containers := allocation.ContainersByAgent()
	for agentID, slots := range allocation.SlotsByAgent() {
		if agent, ok := c.agents.Get(agentID); ok {
			c.agents = c.agents.Set(agentID, agent.WithOccupancy(slots, containers[agentID]))
		}
		if workload.EndpointID != "" {
			key := endpointReplicaKey(workload.EndpointID, agentID)
			n, _ := c.endpointReplicas.Get(key)
			c.endpointReplicas = c.endpointReplicas.Set(key, n+containers[agentID])
		}
	}

	c.activeSessionsByKeypair = c.activeSessionsByKeypair.Set(workload.AccessKey, s.ActiveSessionCount(workload.AccessKey)+1)
	c.pendingInGroup = withoutSession(s.pendingInGroup, workload.SessionID)
	if pending, ok := s.pendingByKeypair.Get(workload.AccessKey); ok {
		c.pendingByKeypair = c.pendingByKeypair.Set(workload.AccessKey, withoutSession(pending, workload.SessionID))
	}
	return &c
}

func addOccupancy(m *immutable.Map[string, resources.ResourceSlot], key string, slots resources.ResourceSlot) *immutable.Map[string, resources.ResourceSlot] {
	current, _ := m.Get(key)
	return m.Set(key, current.Add(slots))
}

func withoutSession(sessions []*schedulerobjects.SessionWorkload, sessionID string) []*schedulerobjects.SessionWorkload {
	rv := make([]*schedulerobjects.SessionWorkload, 0, len(sessions))
	for _, w := range sessions {
		if w.SessionID != sessionID {
			rv = append(rv, w)
		}
	}
	return rv
}
