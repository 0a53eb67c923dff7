package validation

import (
	"fmt"

	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

// Kind identifies why a session may not be scheduled yet.
type Kind string

const (
	// A batch session whose start time has not been reached.
	ReservedBatchSession Kind = "ReservedBatchSession"
	// The keypair already runs as many sessions as its policy allows.
	ConcurrencyLimitExceeded Kind = "ConcurrencyLimitExceeded"
	// Some session this one depends on has not finished successfully.
	DependencyNotMet Kind = "DependencyNotMet"
	// Allocating the session would exceed a keypair, user, group or domain quota.
	ResourceQuotaExceeded Kind = "ResourceQuotaExceeded"
	// The session is beyond the pending-session cap of its scaling group or keypair.
	PendingSessionLimitExceeded Kind = "PendingSessionLimitExceeded"
	SessionTypeNotAllowed       Kind = "SessionTypeNotAllowed"
)

// Ineligible describes why a session failed validation. It is a result, not an error:
// the session stays pending and is validated again on the next pass.
type Ineligible struct {
	Kind    Kind
	Message string
}

func (i *Ineligible) String() string {
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

func ineligible(kind Kind, format string, args ...any) *Ineligible {
	return &Ineligible{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validator is a pure eligibility check. Validate returns nil if the workload is eligible.
type Validator interface {
	Name() string
	Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible
}

// Chain runs validators in order and stops at the first failure.
type Chain []Validator

// DefaultChain returns every validator, cheapest first.
func DefaultChain() Chain {
	return Chain{
		SessionTypeValidator{},
		ReservedBatchSessionValidator{},
		PendingSessionLimitValidator{},
		ConcurrencyLimitValidator{},
		DependencyValidator{},
		ResourceQuotaValidator{},
	}
}

func (c Chain) Name() string {
	return "chain"
}

func (c Chain) Validate(snap *snapshot.SystemSnapshot, workload *schedulerobjects.SessionWorkload) *Ineligible {
	for _, v := range c {
		if result := v.Validate(snap, workload); result != nil {
			return result
		}
	}
	return nil
}

// Partition splits workloads into those that pass every validator and the reasons the others don't.
// Input order is preserved.
func (c Chain) Partition(
	snap *snapshot.SystemSnapshot,
	workloads []*schedulerobjects.SessionWorkload,
) ([]*schedulerobjects.SessionWorkload, map[string]*Ineligible) {
	eligible := make([]*schedulerobjects.SessionWorkload, 0, len(workloads))
	reasons := make(map[string]*Ineligible)
	for _, w := range workloads {
		if result := c.Validate(snap, w); result != nil {
			reasons[w.SessionID] = result
		} else {
			eligible = append(eligible, w)
		}
	}
	return eligible, reasons
}
