package scheduler

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/history"
	"github.com/sokovan/sokovan/internal/scheduler/prioritization"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/selector"
	"github.com/sokovan/sokovan/internal/scheduler/snapshot"
)

// scheduleStep allocates as many pending sessions of the scaling group as fit, in policy order.
// Each session is committed on its own; the snapshot is then advanced past the allocation so later
// sessions of the same pass see the capacity and quota it used. MaxSchedulingDuration is checked
// between sessions only, so a session that was picked is always committed and recorded.
func (s *Scheduler) scheduleStep(ctx *sokovancontext.Context, loop *groupLoop, token LeaderToken) error {
	ctx = sokovancontext.WithLogField(ctx, "step", schedulerobjects.StepSchedule)
	deadline, cancel := sokovancontext.WithTimeout(ctx, s.config.MaxSchedulingDuration)
	defer cancel()
	startedAt := s.clock.Now()

	snap, err := s.repo.GetSystemSnapshot(ctx, loop.name)
	if err != nil {
		return err
	}
	s.metrics.ReportSnapshot(snap)
	pending := snap.PendingSessions()
	if len(pending) == 0 {
		return nil
	}
	opts := snap.ScalingGroup().WithDefaults(s.config.DefaultSchedulerPolicy, s.config.DefaultAgentSelectionStrategy)
	prioritizer, err := prioritization.New(opts.SchedulerPolicy)
	if err != nil {
		return err
	}
	sel, err := loop.selectorFor(opts.AgentSelectionStrategy)
	if err != nil {
		return err
	}

	eligible, ineligible := s.validators.Partition(snap, pending)
	for _, w := range pending {
		if reason, ok := ineligible[w.SessionID]; ok {
			if err := s.recordIneligible(ctx, w, startedAt, string(reason.Kind), reason.Message); err != nil {
				return err
			}
		}
	}

	scheduled := 0
	picker := prioritization.NewPicker(prioritizer.Prioritize(eligible))
	for {
		if deadline.Err() != nil {
			ctx.Log.Infof("stopping schedule step after %s: %s", s.clock.Since(startedAt), deadline.Err())
			break
		}
		w, ok := picker.Next(snap.RemainingCapacity())
		if !ok {
			break
		}
		next, err := s.schedule(ctx, snap, sel, w, startedAt, token)
		if err != nil {
			return err
		}
		if next != snap {
			scheduled++
			snap = next
		}
	}

	for _, id := range picker.Skipped() {
		if err := s.recordIneligible(
			ctx,
			&schedulerobjects.SessionWorkload{SessionID: id, ScalingGroup: loop.name},
			startedAt,
			history.KindNoAvailableAgent,
			"requested slots exceed the remaining capacity of the scaling group",
		); err != nil {
			return err
		}
	}
	ctx.Log.Infof("scheduled %d of %d pending sessions", scheduled, len(pending))
	return nil
}

// schedule places and commits one session. It returns the snapshot advanced past the allocation, or
// snap itself if the session was not allocated.
func (s *Scheduler) schedule(
	ctx *sokovancontext.Context,
	snap *snapshot.SystemSnapshot,
	sel *selector.Selector,
	w *schedulerobjects.SessionWorkload,
	startedAt time.Time,
	token LeaderToken,
) (*snapshot.SystemSnapshot, error) {
	ctx = sokovancontext.WithLogField(ctx, "sessionId", w.SessionID)

	// Earlier allocations of this pass may have used up the quota or concurrency the session needs.
	if reason := s.validators.Validate(snap, w); reason != nil {
		return snap, s.recordIneligible(ctx, w, startedAt, string(reason.Kind), reason.Message)
	}
	allocation, err := sel.Select(snap, w)
	var noAgent *selector.NoAvailableAgentError
	if errors.As(err, &noAgent) {
		return snap, s.recordIneligible(ctx, w, startedAt, history.KindNoAvailableAgent, noAgent.Reason)
	} else if err != nil {
		return snap, err
	}

	if !s.leaderController.ValidateToken(token) {
		return snap, errors.New("lost leadership during schedule step")
	}
	if _, err := s.allocator.Allocate(ctx, allocation); err != nil {
		s.metrics.ReportAllocationFailure(w.ScalingGroup, database.IsRetryable(err))
		session, getErr := s.repo.GetSession(ctx, w.SessionID)
		if getErr != nil {
			return snap, getErr
		}
		if session.Status != schedulerobjects.SessionPending {
			// Terminated or allocated by someone else in the meantime.
			ctx.Log.Infof("session is %s, no longer scheduling it", session.Status)
			return snap, nil
		}
		return snap, s.recordFailure(ctx, session, schedulerobjects.StepSchedule, err)
	}
	s.metrics.ReportScheduled(w.ScalingGroup)
	if _, err := s.history.Success(ctx, w.SessionID, schedulerobjects.StepSchedule, startedAt, map[string]string{
		"agents": fmt.Sprint(allocation.AgentIDs()),
		"slots":  allocation.TotalSlots().String(),
	}); err != nil {
		return snap, err
	}
	return snap.WithAllocation(w, allocation), nil
}

func (s *Scheduler) recordIneligible(
	ctx *sokovancontext.Context,
	w *schedulerobjects.SessionWorkload,
	startedAt time.Time,
	kind string,
	message string,
) error {
	s.metrics.ReportIneligible(w.ScalingGroup, kind)
	ctx.Log.WithField("sessionId", w.SessionID).Debugf("not scheduling session: %s: %s", kind, message)
	_, err := s.history.Ineligible(ctx, w.SessionID, startedAt, kind, message)
	return err
}
