package schedulerobjects

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

type SchedulerPolicy string

const (
	PolicyFIFO         SchedulerPolicy = "fifo"
	PolicyLIFO         SchedulerPolicy = "lifo"
	PolicyPriorityFIFO SchedulerPolicy = "priority-fifo"
	PolicyPriorityLIFO SchedulerPolicy = "priority-lifo"
)

func (p SchedulerPolicy) Validate() error {
	switch p {
	case PolicyFIFO, PolicyLIFO, PolicyPriorityFIFO, PolicyPriorityLIFO:
		return nil
	}
	return errors.Errorf("unknown scheduler policy %q", p)
}

type AgentSelectionStrategy string

const (
	StrategyConcentrated AgentSelectionStrategy = "concentrated"
	StrategyDispersed    AgentSelectionStrategy = "dispersed"
	StrategyRoundRobin   AgentSelectionStrategy = "roundrobin"
	StrategyLegacy       AgentSelectionStrategy = "legacy"
)

func (s AgentSelectionStrategy) Validate() error {
	switch s {
	case StrategyConcentrated, StrategyDispersed, StrategyRoundRobin, StrategyLegacy:
		return nil
	}
	return errors.Errorf("unknown agent selection strategy %q", s)
}

// ScalingGroupOpts configures scheduling within one scaling group.
type ScalingGroupOpts struct {
	Name                   string
	SchedulerPolicy        SchedulerPolicy
	AgentSelectionStrategy AgentSelectionStrategy
	// Zero means unlimited.
	MaxPendingSessions              int
	EnforceSpreadingEndpointReplica bool
	// Zero means unlimited.
	MaxContainerCountPerAgent int
	// Empty means every session type is allowed.
	AllowedSessionTypes []SessionType
}

func (o ScalingGroupOpts) AllowsSessionType(t SessionType) bool {
	return len(o.AllowedSessionTypes) == 0 || slices.Contains(o.AllowedSessionTypes, t)
}

// WithDefaults fills unset policy and strategy.
func (o ScalingGroupOpts) WithDefaults(policy SchedulerPolicy, strategy AgentSelectionStrategy) ScalingGroupOpts {
	if o.SchedulerPolicy == "" {
		o.SchedulerPolicy = policy
	}
	if o.AgentSelectionStrategy == "" {
		o.AgentSelectionStrategy = strategy
	}
	return o
}
