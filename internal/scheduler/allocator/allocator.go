package allocator

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/logging"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/events"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

// Allocator commits placement decisions. Each session is committed on its own, all or nothing,
// and its lifecycle events are published only once the commit succeeded.
type Allocator struct {
	repo      database.SessionRepository
	publisher events.Publisher
	clock     clock.Clock
}

func New(repo database.SessionRepository, publisher events.Publisher, clock clock.Clock) *Allocator {
	return &Allocator{
		repo:      repo,
		publisher: publisher,
		clock:     clock,
	}
}

// Allocate commits allocation. A conflict with a concurrent pass is returned as a retryable
// *database.ErrAllocationConflict and leaves the session pending; the allocator never retries.
func (a *Allocator) Allocate(ctx *sokovancontext.Context, allocation *schedulerobjects.SessionAllocation) (*schedulerobjects.Session, error) {
	if allocation == nil || len(allocation.Kernels) == 0 {
		panic(fmt.Sprintf("attempted to commit an empty allocation: %+v", allocation))
	}
	session, err := a.repo.AllocateSession(ctx, allocation)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot allocate session %s", allocation.SessionID)
	}
	ctx.Log.
		WithField("sessionId", allocation.SessionID).
		WithField("agents", allocation.AgentIDs()).
		Infof("allocated %s", allocation.TotalSlots())
	a.Publish(ctx, nil, session)
	return session, nil
}

// Transition commits a status change of a session and publishes the resulting events.
func (a *Allocator) Transition(
	ctx *sokovancontext.Context,
	before *schedulerobjects.Session,
	transition database.SessionTransition,
) (*schedulerobjects.Session, error) {
	after, err := a.repo.TransitionSession(ctx, before.ID(), transition)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot move session %s to %s", before.ID(), transition.To)
	}
	a.Publish(ctx, before, after)
	return after, nil
}

// Publish emits the events between two committed states of a session. The commit is already
// durable at this point, so a failure to publish is logged rather than returned.
func (a *Allocator) Publish(ctx *sokovancontext.Context, before, after *schedulerobjects.Session) {
	evs := events.Diff(before, after, a.clock.Now())
	if len(evs) == 0 {
		return
	}
	if err := a.publisher.Publish(ctx, evs...); err != nil {
		logging.
			WithStacktrace(ctx.Log, err).
			WithField("sessionId", after.ID()).
			Error("failed to publish lifecycle events")
	}
}
