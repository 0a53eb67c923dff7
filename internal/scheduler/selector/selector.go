package selector

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

// NoAvailableAgentError is returned when no agent can host some kernel of a session.
// The session stays pending and is considered again on the next pass.
type NoAvailableAgentError struct {
	SessionID string
	Reason    string
}

func (e *NoAvailableAgentError) Error() string {
	return fmt.Sprintf("no available agent for session %s: %s", e.SessionID, e.Reason)
}

// Selector places the kernels of a session onto agents of its scaling group.
// A Selector is long-lived so that round-robin placement carries over between passes.
type Selector struct {
	strategy strategy
}

func New(s schedulerobjects.AgentSelectionStrategy) (*Selector, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var impl strategy
	switch s {
	case schedulerobjects.StrategyConcentrated:
		impl = concentrated{}
	case schedulerobjects.StrategyDispersed:
		impl = dispersed{}
	case schedulerobjects.StrategyRoundRobin:
		impl = &roundRobin{}
	case schedulerobjects.StrategyLegacy:
		impl = legacy{}
	}
	return &Selector{strategy: impl}, nil
}

// Select assigns every kernel of workload to an agent. The returned allocation debits exactly
// the requested slots of each kernel. Agents are never over-committed: a kernel is only placed
// on an agent whose free slots, net of kernels placed earlier in the same session, cover its request.
func (s *Selector) Select(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) (*schedulerobjects.SessionAllocation, error) {
	if len(workload.Kernels) == 0 {
		return nil, &NoAvailableAgentError{SessionID: workload.SessionID, Reason: "session has no kernels"}
	}
	candidates, err := candidateAgents(snap, workload)
	if err != nil {
		return nil, err
	}
	opts := snap.ScalingGroup()
	allocation := &schedulerobjects.SessionAllocation{
		SessionID:    workload.SessionID,
		ScalingGroup: workload.ScalingGroup,
		AccessKey:    workload.AccessKey,
		Kernels:      make([]schedulerobjects.KernelAllocation, 0, len(workload.Kernels)),
	}

	if workload.ClusterMode != schedulerobjects.ClusterModeMultiNode {
		// Every kernel of a single-node session shares one agent.
		request := workload.RequestedSlots()
		feasible := feasibleAgents(candidates, opts, request, len(workload.Kernels), workload.Kernels[0].Architecture)
		if len(feasible) == 0 {
			return nil, noAgentError(workload, candidates, request, "")
		}
		agent := s.pick(snap, workload, feasible, request)
		for _, k := range workload.Kernels {
			allocation.Kernels = append(allocation.Kernels, schedulerobjects.KernelAllocation{
				KernelID:       k.KernelID,
				AgentID:        agent.AgentID,
				AllocatedSlots: k.RequestedSlots,
			})
		}
		return allocation, nil
	}

	working := candidates
	for _, k := range workload.Kernels {
		feasible := feasibleAgents(working, opts, k.RequestedSlots, 1, k.Architecture)
		if len(feasible) == 0 {
			return nil, noAgentError(workload, working, k.RequestedSlots, k.KernelID)
		}
		agent := s.pick(snap, workload, feasible, k.RequestedSlots)
		allocation.Kernels = append(allocation.Kernels, schedulerobjects.KernelAllocation{
			KernelID:       k.KernelID,
			AgentID:        agent.AgentID,
			AllocatedSlots: k.RequestedSlots,
		})
		working = replaceAgent(working, agent.WithOccupancy(k.RequestedSlots, 1))
	}
	return allocation, nil
}

func (s *Selector) pick(
	snap *snapshot.SystemSnapshot,
	workload *schedulerobjects.SessionWorkload,
	feasible []*schedulerobjects.AgentInfo,
	request resources.ResourceSlot,
) *schedulerobjects.AgentInfo {
	if snap.ScalingGroup().EnforceSpreadingEndpointReplica && workload.EndpointID != "" {
		feasible = leastReplicated(snap, workload.EndpointID, feasible)
	}
	return s.strategy.pick(feasible, request)
}

// leastReplicated keeps the agents hosting the fewest replicas of the endpoint.
func leastReplicated(snap *snapshot.SystemSnapshot, endpointID string, agents []*schedulerobjects.AgentInfo) []*schedulerobjects.AgentInfo {
	fewest := -1
	var rv []*schedulerobjects.AgentInfo
	for _, a := range agents {
		n := snap.EndpointReplicaCount(endpointID, a.AgentID)
		switch {
		case fewest < 0 || n < fewest:
			fewest = n
			rv = []*schedulerobjects.AgentInfo{a}
		case n == fewest:
			rv = append(rv, a)
		}
	}
	return rv
}

// candidateAgents returns the alive, schedulable agents of the workload's scaling group,
// restricted to the designated agents if any are given.
func candidateAgents(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) ([]*schedulerobjects.AgentInfo, error) {
	var candidates []*schedulerobjects.AgentInfo
	for _, a := range snap.Agents() {
		if a.ScalingGroup != workload.ScalingGroup || a.Status != schedulerobjects.AgentAlive || !a.Schedulable {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(workload.DesignatedAgents) == 0 {
		return candidates, nil
	}
	var designated []*schedulerobjects.AgentInfo
	for _, selector := range workload.DesignatedAgents {
		found := false
		for _, a := range candidates {
			if a.Matches(selector) {
				found = true
				if !slices.Contains(designated, a) {
					designated = append(designated, a)
				}
			}
		}
		if !found {
			return nil, &NoAvailableAgentError{
				SessionID: workload.SessionID,
				Reason:    fmt.Sprintf("designated agent %s is not available in scaling group %s", selector, workload.ScalingGroup),
			}
		}
	}
	slices.SortFunc(designated, func(a, b *schedulerobjects.AgentInfo) int {
		return strings.Compare(a.AgentID, b.AgentID)
	})
	return designated, nil
}

func feasibleAgents(
	agents []*schedulerobjects.AgentInfo,
	opts schedulerobjects.ScalingGroupOpts,
	request resources.ResourceSlot,
	containers int,
	architecture string,
) []*schedulerobjects.AgentInfo {
	var rv []*schedulerobjects.AgentInfo
	for _, a := range agents {
		if architecture != "" && a.Architecture != architecture {
			continue
		}
		if opts.MaxContainerCountPerAgent > 0 && a.ContainerCount+containers > opts.MaxContainerCountPerAgent {
			continue
		}
		if !a.CanHost(request) {
			continue
		}
		rv = append(rv, a)
	}
	return rv
}

func replaceAgent(agents []*schedulerobjects.AgentInfo, updated *schedulerobjects.AgentInfo) []*schedulerobjects.AgentInfo {
	rv := make([]*schedulerobjects.AgentInfo, len(agents))
	for i, a := range agents {
		if a.AgentID == updated.AgentID {
			rv[i] = updated
		} else {
			rv[i] = a
		}
	}
	return rv
}

func noAgentError(
	workload *schedulerobjects.SessionWorkload,
	candidates []*schedulerobjects.AgentInfo,
	request resources.ResourceSlot,
	kernelID string,
) *NoAvailableAgentError {
	what := "session"
	if kernelID != "" {
		what = "kernel " + kernelID
	}
	if len(candidates) == 0 {
		return &NoAvailableAgentError{
			SessionID: workload.SessionID,
			Reason:    fmt.Sprintf("no schedulable agent in scaling group %s", workload.ScalingGroup),
		}
	}
	return &NoAvailableAgentError{
		SessionID: workload.SessionID,
		Reason:    fmt.Sprintf("none of %d candidate agents can host %s requesting %s", len(candidates), what, request),
	}
}

// strategy chooses among agents that can all host the request. agents is sorted by id and never empty.
type strategy interface {
	pick(agents []*schedulerobjects.AgentInfo, request resources.ResourceSlot) *schedulerobjects.AgentInfo
}

// concentrated packs kernels onto the agent with the least free capacity.
type concentrated struct{}

func (concentrated) pick(agents []*schedulerobjects.AgentInfo, request resources.ResourceSlot) *schedulerobjects.AgentInfo {
	best := agents[0]
	for _, a := range agents[1:] {
		if compareFree(a, best, request) < 0 {
			best = a
		}
	}
	return best
}

// dispersed spreads kernels onto the agent with the most free capacity.
type dispersed struct{}

func (dispersed) pick(agents []*schedulerobjects.AgentInfo, request resources.ResourceSlot) *schedulerobjects.AgentInfo {
	best := agents[0]
	for _, a := range agents[1:] {
		if compareFree(a, best, request) > 0 {
			best = a
		}
	}
	return best
}

// roundRobin cycles through agents in id order, starting after the agent picked last.
type roundRobin struct {
	mu   sync.Mutex
	last string
}

func (r *roundRobin) pick(agents []*schedulerobjects.AgentInfo, _ resources.ResourceSlot) *schedulerobjects.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	chosen := agents[0]
	for _, a := range agents {
		if a.AgentID > r.last {
			chosen = a
			break
		}
	}
	r.last = chosen.AgentID
	return chosen
}

// legacy takes the first agent in id order that fits.
type legacy struct{}

func (legacy) pick(agents []*schedulerobjects.AgentInfo, _ resources.ResourceSlot) *schedulerobjects.AgentInfo {
	return agents[0]
}

// compareFree compares the free capacity of two agents. Accelerators are compared first, then cpu,
// then memory, then any other slot. Strategies keep the earlier agent on ties, i.e. the smaller id.
func compareFree(a, b *schedulerobjects.AgentInfo, request resources.ResourceSlot) int {
	freeA, freeB := a.FreeSlots(), b.FreeSlots()
	for _, name := range comparisonOrder(freeA, freeB, request) {
		if c := freeA.Get(name).Cmp(freeB.Get(name)); c != 0 {
			return c
		}
	}
	return 0
}

func comparisonOrder(slots ...resources.ResourceSlot) []string {
	var accelerators, others []string
	seen := map[string]bool{resources.CPU: true, resources.Memory: true}
	for _, rs := range slots {
		for _, name := range rs.Names() {
			if seen[name] {
				continue
			}
			seen[name] = true
			if isAccelerator(name) {
				accelerators = append(accelerators, name)
			} else {
				others = append(others, name)
			}
		}
	}
	slices.Sort(accelerators)
	slices.Sort(others)
	order := append(accelerators, resources.CPU, resources.Memory)
	return append(order, others...)
}

// isAccelerator matches device slot names such as "cuda.device", "cuda.shares" or "rocm.device".
func isAccelerator(name string) bool {
	return strings.HasSuffix(name, ".device") || strings.HasSuffix(name, ".shares")
}
