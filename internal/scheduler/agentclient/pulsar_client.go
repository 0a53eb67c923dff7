package agentclient

import (
	"encoding/json"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/pulsarutils"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/resources"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// PublisherFactory creates a publisher for the given topic.
type PublisherFactory func(topic string) (pulsarutils.Publisher, error)

// PulsarClient sends commands to agents over one pulsar topic per agent and reads
// capacity from the heartbeats agents leave in the registry.
type PulsarClient struct {
	topicPrefix  string
	newPublisher PublisherFactory
	registry     database.AgentRegistry
	clock        clock.Clock

	mu sync.Mutex
	// Publishers by agent id, created on first use.
	publishers map[string]pulsarutils.Publisher
}

func NewPulsarClient(
	topicPrefix string,
	newPublisher PublisherFactory,
	registry database.AgentRegistry,
	clock clock.Clock,
) *PulsarClient {
	return &PulsarClient{
		topicPrefix:  topicPrefix,
		newPublisher: newPublisher,
		registry:     registry,
		clock:        clock,
		publishers:   map[string]pulsarutils.Publisher{},
	}
}

func (c *PulsarClient) CreateKernel(ctx *sokovancontext.Context, agentID string, kernel *schedulerobjects.Kernel) error {
	workload := kernel.KernelWorkload
	return c.send(ctx, &Command{
		Type:      OpCreateKernel,
		AgentID:   agentID,
		SessionID: kernel.SessionID,
		KernelID:  kernel.KernelID,
		Kernel:    &workload,
		IssuedAt:  c.clock.Now(),
	})
}

func (c *PulsarClient) DestroyKernel(ctx *sokovancontext.Context, agentID string, kernelID string) schedulerobjects.KernelTerminationResult {
	result := schedulerobjects.KernelTerminationResult{KernelID: kernelID, AgentID: agentID, Success: true}
	err := c.send(ctx, &Command{
		Type:     OpDestroyKernel,
		AgentID:  agentID,
		KernelID: kernelID,
		IssuedAt: c.clock.Now(),
	})
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	}
	return result
}

func (c *PulsarClient) GetCapacity(ctx *sokovancontext.Context, agentID string) (resources.ResourceSlot, error) {
	agent, err := c.registry.GetAgent(ctx, agentID)
	if err != nil {
		return resources.ResourceSlot{}, &AgentError{AgentID: agentID, Op: OpGetCapacity, Err: err}
	}
	if agent.Status != schedulerobjects.AgentAlive {
		return resources.ResourceSlot{}, &AgentError{AgentID: agentID, Op: OpGetCapacity, Err: errors.Errorf("agent is %s", agent.Status)}
	}
	return agent.AvailableSlots, nil
}

// Close closes every publisher created so far.
func (c *PulsarClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for agentID, p := range c.publishers {
		p.Close()
		delete(c.publishers, agentID)
	}
}

func (c *PulsarClient) send(ctx *sokovancontext.Context, cmd *Command) error {
	publisher, err := c.publisherFor(cmd.AgentID)
	if err != nil {
		return &AgentError{AgentID: cmd.AgentID, KernelID: cmd.KernelID, Op: cmd.Type, Err: err}
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return errors.WithStack(err)
	}
	msg := &pulsar.ProducerMessage{
		Key:        cmd.KernelID,
		Payload:    payload,
		EventTime:  cmd.IssuedAt,
		Properties: map[string]string{"type": string(cmd.Type)},
	}
	if err := publisher.PublishMessages(ctx, msg); err != nil {
		return &AgentError{AgentID: cmd.AgentID, KernelID: cmd.KernelID, Op: cmd.Type, Err: err}
	}
	ctx.Log.WithField("agentId", cmd.AgentID).WithField("kernelId", cmd.KernelID).Debugf("sent %s command", cmd.Type)
	return nil
}

func (c *PulsarClient) publisherFor(agentID string) (pulsarutils.Publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.publishers[agentID]; ok {
		return p, nil
	}
	p, err := c.newPublisher(c.topicPrefix + agentID)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot create publisher for agent %s", agentID)
	}
	c.publishers[agentID] = p
	return p, nil
}
