package scheduler

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/logging"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/scheduler/agentclient"
	"github.com/sokovan/sokovan/internal/scheduler/allocator"
	schedulerconfig "github.com/sokovan/sokovan/internal/scheduler/configuration"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/events"
	"github.com/sokovan/sokovan/internal/scheduler/history"
	"github.com/sokovan/sokovan/internal/scheduler/metrics"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovan/sokovan/internal/scheduler/selector"
	"github.com/sokovan/sokovan/internal/scheduler/terminator"
	"github.com/sokovan/sokovan/internal/scheduler/validation"
)

// Scheduler runs scheduling passes for every scaling group. A pass terminates the sessions that
// were asked to stop, allocates pending sessions to agents and starts the kernels of allocated
// sessions. Passes of one scaling group never overlap; passes of different groups run concurrently.
type Scheduler struct {
	// Sessions, agents, policies and execution history
	repo database.Repository
	// Latest heartbeat of every agent
	agentRegistry database.AgentRegistry
	// Used to create kernels on agents
	client agentclient.Client
	// Commits allocations and status changes, then publishes their events
	allocator *allocator.Allocator
	// Destroys the kernels of terminating sessions
	terminator *terminator.Terminator
	history    *history.Recorder
	// Decides when a failing step gives up
	retryPolicy history.RetryPolicy
	// Checks a pending session must pass before it is placed
	validators validation.Chain
	// Tells us if we are leader. Only the leader may schedule sessions
	leaderController LeaderController
	metrics          *metrics.Metrics
	// Used for all timing decisions. Injected here so that we can mock out for testing
	clock  clock.WithTicker
	config schedulerconfig.Configuration
	// Limits the agent calls of the start step in flight.
	rpcs *semaphore.Weighted

	groupsLock sync.Mutex
	groups     map[string]*groupLoop
}

func NewScheduler(
	repo database.Repository,
	agentRegistry database.AgentRegistry,
	client agentclient.Client,
	publisher events.Publisher,
	leaderController LeaderController,
	schedulerMetrics *metrics.Metrics,
	clock clock.WithTicker,
	config schedulerconfig.Configuration,
) *Scheduler {
	recorder := history.NewRecorder(repo, clock)
	alloc := allocator.New(repo, metrics.NewCountingPublisher(publisher, schedulerMetrics), clock)
	return &Scheduler{
		repo:             repo,
		agentRegistry:    agentRegistry,
		client:           client,
		allocator:        alloc,
		terminator:       terminator.New(repo, client, alloc, recorder, clock, config.AgentRpcTimeout, config.MaxConcurrentAgentRpcs),
		history:          recorder,
		retryPolicy:      history.RetryPolicy{MaxRetries: config.MaxRetries},
		validators:       validation.DefaultChain(),
		leaderController: leaderController,
		metrics:          schedulerMetrics,
		clock:            clock,
		config:           config,
		rpcs:             semaphore.NewWeighted(int64(config.MaxConcurrentAgentRpcs)),
		groups:           make(map[string]*groupLoop),
	}
}

// groupLoop holds the state of one scaling group's passes.
type groupLoop struct {
	name string
	// Buffered with capacity one: triggers arriving while one is queued collapse into it.
	trigger chan struct{}
	// Limits how often triggers may start a pass.
	limiter *rate.Limiter
	// Held for the duration of a pass.
	passLock sync.Mutex
	// Round-robin selection keeps its position between passes, so the selector lives as long as the loop.
	strategy schedulerobjects.AgentSelectionStrategy
	selector *selector.Selector
	started  bool
}

func (l *groupLoop) selectorFor(strategy schedulerobjects.AgentSelectionStrategy) (*selector.Selector, error) {
	if l.selector != nil && l.strategy == strategy {
		return l.selector, nil
	}
	sel, err := selector.New(strategy)
	if err != nil {
		return nil, err
	}
	l.strategy = strategy
	l.selector = sel
	return sel, nil
}

func (s *Scheduler) loopFor(scalingGroup string) *groupLoop {
	s.groupsLock.Lock()
	defer s.groupsLock.Unlock()
	loop, ok := s.groups[scalingGroup]
	if !ok {
		loop = &groupLoop{
			name:    scalingGroup,
			trigger: make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Every(s.config.EagerTriggerMinInterval), 1),
		}
		s.groups[scalingGroup] = loop
	}
	return loop
}

// trigger asks for a pass of the scaling group without waiting for the next cycle.
func (s *Scheduler) trigger(scalingGroup string) {
	loop := s.loopFor(scalingGroup)
	select {
	case loop.trigger <- struct{}{}:
	default:
	}
}

// Run starts a loop for every scaling group and keeps the set of loops in line with storage.
// This is a blocking call that returns when the provided context is cancelled.
func (s *Scheduler) Run(ctx *sokovancontext.Context) error {
	g, ctx := sokovancontext.ErrGroup(ctx)
	if s.agentRegistry != nil {
		g.Go(func() error { return s.runAgentSync(ctx) })
	}
	ticker := s.clock.NewTicker(s.config.ScalingGroupRefreshPeriod)
	defer ticker.Stop()
	for {
		if err := s.startLoops(ctx, func(loop *groupLoop) {
			g.Go(func() error { return s.runLoop(ctx, loop) })
		}); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("failed to refresh scaling groups")
		}
		select {
		case <-ctx.Done():
			ctx.Log.Info("scheduler stopping")
			return g.Wait()
		case <-ticker.C():
		}
	}
}

func (s *Scheduler) startLoops(ctx *sokovancontext.Context, start func(loop *groupLoop)) error {
	groups, err := s.repo.ListScalingGroups(ctx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		loop := s.loopFor(group.Name)
		s.groupsLock.Lock()
		isNew := !loop.started
		loop.started = true
		s.groupsLock.Unlock()
		if isNew {
			ctx.Log.Infof("starting scheduling loop for scaling group %s", group.Name)
			start(loop)
		}
	}
	return nil
}

func (s *Scheduler) runLoop(ctx *sokovancontext.Context, loop *groupLoop) error {
	ctx = sokovancontext.WithLogField(ctx, "scalingGroup", loop.name)
	ticker := s.clock.NewTicker(s.config.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		case <-loop.trigger:
			if err := loop.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		if err := s.runPass(ctx, loop); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("scheduling pass finished with errors")
		}
	}
}

// runAgentSync reads agent heartbeats back from the registry once per cycle while leader.
func (s *Scheduler) runAgentSync(ctx *sokovancontext.Context) error {
	ticker := s.clock.NewTicker(s.config.CyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
		if !s.leaderController.ValidateToken(s.leaderController.GetToken()) {
			continue
		}
		if err := s.syncAgents(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("failed to sync agents from registry")
		}
	}
}

// Tick runs one pass of every scaling group and waits for them to finish.
func (s *Scheduler) Tick(ctx *sokovancontext.Context) error {
	groups, err := s.repo.ListScalingGroups(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, group := range groups {
		passCtx := sokovancontext.WithLogField(ctx, "scalingGroup", group.Name)
		if err := s.runPass(passCtx, s.loopFor(group.Name)); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "scaling group %s", group.Name))
		}
	}
	return result.ErrorOrNil()
}

// runPass runs the termination, scheduling and start steps of one scaling group, in that order.
// A failing step does not prevent the next one from running.
func (s *Scheduler) runPass(ctx *sokovancontext.Context, loop *groupLoop) error {
	loop.passLock.Lock()
	defer loop.passLock.Unlock()

	token := s.leaderController.GetToken()
	if !s.leaderController.ValidateToken(token) {
		ctx.Log.Debug("not leader, skipping pass")
		return nil
	}
	start := s.clock.Now()
	var result *multierror.Error
	if err := s.terminateStep(ctx, loop.name); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "terminate"))
	}
	if err := s.scheduleStep(ctx, loop, token); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "schedule"))
	}
	if err := s.startStep(ctx, loop.name, token); err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "start"))
	}
	taken := s.clock.Since(start)
	s.metrics.ReportPassDuration(loop.name, taken)
	ctx.Log.Debugf("completed scheduling pass in %s", taken)
	return result.ErrorOrNil()
}

func (s *Scheduler) terminateStep(ctx *sokovancontext.Context, scalingGroup string) error {
	ctx = sokovancontext.WithLogField(ctx, "step", schedulerobjects.StepTerminate)
	results, err := s.terminator.TerminateScalingGroup(ctx, scalingGroup)
	s.metrics.ReportTerminations(scalingGroup, results)
	return err
}

// fail moves a session to ERROR after step gave up on it. Kernels already placed on agents are
// destroyed on a best-effort basis; their slots are released with the status change.
func (s *Scheduler) fail(
	ctx *sokovancontext.Context,
	session *schedulerobjects.Session,
	step schedulerobjects.SchedulingStep,
	cause error,
) error {
	_, err := s.allocator.Transition(ctx, session, database.SessionTransition{
		From:         []schedulerobjects.SessionStatus{session.Status},
		To:           schedulerobjects.SessionError,
		KernelStatus: schedulerobjects.KernelError,
		Result:       schedulerobjects.ResultFailure,
		StatusInfo:   cause.Error(),
	})
	if database.IsSessionStateConflict(err) {
		ctx.Log.WithField("sessionId", session.ID()).Infof("session changed concurrently, not moving it to ERROR: %s", err)
		return nil
	} else if err != nil {
		return err
	}
	ctx.Log.WithField("sessionId", session.ID()).Warnf("session moved to ERROR by %s step: %s", step, cause)
	s.metrics.ReportErrored(session.Workload.ScalingGroup, step)
	if step != schedulerobjects.StepSchedule {
		s.terminator.DestroyBestEffort(ctx, session)
	}
	return nil
}

// recordFailure stores a failed attempt of step and fails the session once the retry policy is exhausted.
func (s *Scheduler) recordFailure(
	ctx *sokovancontext.Context,
	session *schedulerobjects.Session,
	step schedulerobjects.SchedulingStep,
	cause error,
) error {
	record, err := s.history.Failure(ctx, session.ID(), step, s.clock.Now(), cause)
	if err != nil {
		return err
	}
	logging.WithStacktrace(ctx.Log, cause).
		WithField("sessionId", session.ID()).
		WithField("retryCount", record.RetryCount).
		Warnf("%s step failed", step)
	if !s.retryPolicy.Exhausted(record) {
		return nil
	}
	return s.fail(ctx, session, step, errors.WithMessagef(cause, "%s failed %d times", step, record.RetryCount))
}

func (s *Scheduler) onStartedLeading(ctx *sokovancontext.Context) {
	ctx.Log.Info("became leader, triggering passes")
	s.metrics.EnableLeaderMetrics()
	s.groupsLock.Lock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	s.groupsLock.Unlock()
	for _, name := range names {
		s.trigger(name)
	}
}

func (s *Scheduler) onStoppedLeading() {
	s.metrics.DisableLeaderMetrics()
}
