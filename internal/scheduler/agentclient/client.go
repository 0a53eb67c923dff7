package agentclient

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// Client issues commands to agents. Implementations must be safe for concurrent use.
type Client interface {
	// CreateKernel asks the agent to create the kernel. Repeating the call for the same kernel is harmless.
	CreateKernel(ctx *sokovancontext.Context, agentID string, kernel *schedulerobjects.Kernel) error
	// DestroyKernel asks the agent to destroy the kernel. Failures are reported in the result, not as an error.
	DestroyKernel(ctx *sokovancontext.Context, agentID string, kernelID string) schedulerobjects.KernelTerminationResult
	// GetCapacity returns the total slots last reported by the agent.
	GetCapacity(ctx *sokovancontext.Context, agentID string) (resources.ResourceSlot, error)
}

type Op string

const (
	OpCreateKernel  Op = "create_kernel"
	OpDestroyKernel Op = "destroy_kernel"
	OpGetCapacity   Op = "get_capacity"
)

// AgentError is returned when an agent could not be reached or rejected a command.
type AgentError struct {
	AgentID  string
	KernelID string
	Op       Op
	Err      error
}

func (e *AgentError) Error() string {
	if e.KernelID == "" {
		return fmt.Sprintf("agent %s: %s failed: %v", e.AgentID, e.Op, e.Err)
	}
	return fmt.Sprintf("agent %s: %s of kernel %s failed: %v", e.AgentID, e.Op, e.KernelID, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

func IsAgentError(err error) bool {
	var e *AgentError
	return errors.As(err, &e)
}

// Command is the message sent to an agent.
type Command struct {
	Type      Op                               `json:"type"`
	AgentID   string                           `json:"agentId"`
	SessionID string                           `json:"sessionId,omitempty"`
	KernelID  string                           `json:"kernelId"`
	Kernel    *schedulerobjects.KernelWorkload `json:"kernel,omitempty"`
	IssuedAt  time.Time                        `json:"issuedAt"`
}
