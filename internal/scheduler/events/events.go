// Package events defines the lifecycle events the scheduler emits once a state change is committed.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"

	"github.com/sokovan/sokovan/internal/common/pulsarutils"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

type Type string

const (
	SessionScheduled   Type = "session_scheduled"
	SessionPreparing   Type = "session_preparing"
	SessionStarted     Type = "session_started"
	SessionTerminating Type = "session_terminating"
	SessionTerminated  Type = "session_terminated"
	SessionCancelled   Type = "session_cancelled"
	SessionErrored     Type = "session_errored"
	KernelScheduled    Type = "kernel_scheduled"
	KernelPreparing    Type = "kernel_preparing"
	KernelPulling      Type = "kernel_pulling"
	KernelCreating     Type = "kernel_creating"
	KernelStarted      Type = "kernel_started"
	KernelTerminated   Type = "kernel_terminated"
	KernelErrored      Type = "kernel_errored"
)

// Event is a single lifecycle notification. KernelID and AgentID are empty for session events.
type Event struct {
	Type         Type                           `json:"type"`
	SessionID    string                         `json:"sessionId"`
	KernelID     string                         `json:"kernelId,omitempty"`
	AgentID      string                         `json:"agentId,omitempty"`
	ScalingGroup string                         `json:"scalingGroup,omitempty"`
	Result       schedulerobjects.SessionResult `json:"result,omitempty"`
	Reason       string                         `json:"reason,omitempty"`
	Time         time.Time                      `json:"time"`
}

var kernelEventTypes = map[schedulerobjects.KernelStatus]Type{
	schedulerobjects.KernelScheduled:  KernelScheduled,
	schedulerobjects.KernelPreparing:  KernelPreparing,
	schedulerobjects.KernelPulling:    KernelPulling,
	schedulerobjects.KernelCreating:   KernelCreating,
	schedulerobjects.KernelRunning:    KernelStarted,
	schedulerobjects.KernelTerminated: KernelTerminated,
	schedulerobjects.KernelError:      KernelErrored,
}

var sessionEventTypes = map[schedulerobjects.SessionStatus]Type{
	schedulerobjects.SessionScheduled:   SessionScheduled,
	schedulerobjects.SessionPreparing:   SessionPreparing,
	schedulerobjects.SessionRunning:     SessionStarted,
	schedulerobjects.SessionTerminating: SessionTerminating,
	schedulerobjects.SessionTerminated:  SessionTerminated,
	schedulerobjects.SessionCancelled:   SessionCancelled,
	schedulerobjects.SessionError:       SessionErrored,
}

// ForKernelStatus returns the event announcing that a kernel reached status, if there is one.
func ForKernelStatus(session *schedulerobjects.Session, kernel *schedulerobjects.Kernel, now time.Time) (*Event, bool) {
	t, ok := kernelEventTypes[kernel.Status]
	if !ok {
		return nil, false
	}
	return &Event{
		Type:         t,
		SessionID:    session.ID(),
		KernelID:     kernel.KernelID,
		AgentID:      kernel.AgentID,
		ScalingGroup: session.Workload.ScalingGroup,
		Reason:       kernel.StatusInfo,
		Time:         now,
	}, true
}

// ForSessionStatus returns the event announcing that a session reached its current status, if there is one.
func ForSessionStatus(session *schedulerobjects.Session, now time.Time) (*Event, bool) {
	t, ok := sessionEventTypes[session.Status]
	if !ok {
		return nil, false
	}
	return &Event{
		Type:         t,
		SessionID:    session.ID(),
		ScalingGroup: session.Workload.ScalingGroup,
		Result:       session.Result,
		Reason:       session.StatusInfo,
		Time:         now,
	}, true
}

// Diff returns the events implied by moving from before to after: one per kernel whose status changed,
// followed by one for the session if its status changed. before may be nil.
func Diff(before, after *schedulerobjects.Session, now time.Time) []*Event {
	var rv []*Event
	previous := make(map[string]schedulerobjects.KernelStatus)
	if before != nil {
		for _, k := range before.Kernels {
			previous[k.KernelID] = k.Status
		}
	}
	for _, k := range after.Kernels {
		if status, ok := previous[k.KernelID]; ok && status == k.Status {
			continue
		}
		if e, ok := ForKernelStatus(after, k, now); ok {
			rv = append(rv, e)
		}
	}
	if before == nil || before.Status != after.Status {
		if e, ok := ForSessionStatus(after, now); ok {
			rv = append(rv, e)
		}
	}
	return rv
}

// Publisher emits lifecycle events. Callers only publish events for state that is already committed.
type Publisher interface {
	Publish(ctx *sokovancontext.Context, events ...*Event) error
}

// PulsarPublisher sends events as JSON, keyed by session id so events of one session stay ordered.
type PulsarPublisher struct {
	publisher pulsarutils.Publisher
}

func NewPulsarPublisher(publisher pulsarutils.Publisher) *PulsarPublisher {
	return &PulsarPublisher{publisher: publisher}
}

func (p *PulsarPublisher) Publish(ctx *sokovancontext.Context, events ...*Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]*pulsar.ProducerMessage, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return errors.WithStack(err)
		}
		msgs[i] = &pulsar.ProducerMessage{
			Key:       e.SessionID,
			Payload:   payload,
			EventTime: e.Time,
			Properties: map[string]string{
				"type": string(e.Type),
			},
		}
	}
	return p.publisher.PublishMessages(ctx, msgs...)
}

// Recorder keeps published events in memory. Used when running without pulsar and in tests.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(ctx *sokovancontext.Context, events ...*Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		ctx.Log.WithField("sessionId", e.SessionID).Debugf("%s %s", e.Type, e.KernelID)
		c := *e
		r.events = append(r.events, &c)
	}
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make([]*Event, len(r.events))
	copy(rv, r.events)
	return rv
}

// Types returns the types of everything published for sessionID, in order.
func (r *Recorder) Types(sessionID string) []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rv []Type
	for _, e := range r.events {
		if e.SessionID == sessionID {
			rv = append(rv, e.Type)
		}
	}
	return rv
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
