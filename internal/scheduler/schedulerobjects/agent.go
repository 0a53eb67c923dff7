package schedulerobjects

import (
	"strings"
	"time"

	"golang.org/x/exp/maps"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
)

// AgentInfo is a read view of an agent used for placement decisions.
type AgentInfo struct {
	AgentID      string
	Address      string
	ScalingGroup string
	Architecture string
	Status       AgentStatus
	Schedulable  bool
	Labels       map[string]string
	// Total capacity of the agent.
	AvailableSlots resources.ResourceSlot
	// Sum of the slots held by kernels on the agent.
	OccupiedSlots  resources.ResourceSlot
	ContainerCount int
	LastHeartbeat  time.Time
}

// FreeSlots is the capacity not yet occupied. It may be negative if the agent shrank under its kernels.
func (a *AgentInfo) FreeSlots() resources.ResourceSlot {
	return a.AvailableSlots.SubAllowNegative(a.OccupiedSlots)
}

// CanHost is true if the agent is alive, schedulable and has room for request.
func (a *AgentInfo) CanHost(request resources.ResourceSlot) bool {
	return a.Status == AgentAlive && a.Schedulable && a.FreeSlots().GE(request)
}

// Matches reports whether selector, either an agent id or a key=value label, designates this agent.
func (a *AgentInfo) Matches(selector string) bool {
	if selector == a.AgentID {
		return true
	}
	key, value, found := strings.Cut(selector, "=")
	if !found {
		return false
	}
	v, ok := a.Labels[key]
	return ok && v == value
}

// WithOccupancy returns a copy of the agent with extra slots and containers occupied.
func (a *AgentInfo) WithOccupancy(extra resources.ResourceSlot, containers int) *AgentInfo {
	c := a.DeepCopy()
	c.OccupiedSlots = c.OccupiedSlots.Add(extra)
	c.ContainerCount += containers
	return c
}

func (a *AgentInfo) DeepCopy() *AgentInfo {
	c := *a
	c.Labels = maps.Clone(a.Labels)
	return &c
}
