package schedulerobjects

import (
	"golang.org/x/exp/slices"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
)

type KernelAllocation struct {
	KernelID       string
	AgentID        string
	AllocatedSlots resources.ResourceSlot
}

// SessionAllocation is the decision to place every kernel of one pending session.
// It is committed at most once, as a whole.
type SessionAllocation struct {
	SessionID    string
	ScalingGroup string
	AccessKey    string
	Kernels      []KernelAllocation
}

// AgentIDs returns the distinct agents touched by the allocation, sorted.
func (a *SessionAllocation) AgentIDs() []string {
	ids := make([]string, 0, len(a.Kernels))
	for _, k := range a.Kernels {
		if !slices.Contains(ids, k.AgentID) {
			ids = append(ids, k.AgentID)
		}
	}
	slices.Sort(ids)
	return ids
}

// SlotsByAgent sums the allocated slots per agent.
func (a *SessionAllocation) SlotsByAgent() map[string]resources.ResourceSlot {
	rv := make(map[string]resources.ResourceSlot, len(a.Kernels))
	for _, k := range a.Kernels {
		rv[k.AgentID] = rv[k.AgentID].Add(k.AllocatedSlots)
	}
	return rv
}

// ContainersByAgent counts the kernels placed on each agent.
func (a *SessionAllocation) ContainersByAgent() map[string]int {
	rv := make(map[string]int, len(a.Kernels))
	for _, k := range a.Kernels {
		rv[k.AgentID]++
	}
	return rv
}

func (a *SessionAllocation) TotalSlots() resources.ResourceSlot {
	total := resources.ResourceSlot{}
	for _, k := range a.Kernels {
		total = total.Add(k.AllocatedSlots)
	}
	return total
}
