package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	schedulerconfig "github.com/sokovan/sokovan/internal/scheduler/configuration"
)

// LeaderController decides whether this scheduler instance may run passes.
// Steps take a token before touching shared state and validate it again before committing.
type LeaderController interface {
	GetToken() LeaderToken
	// ValidateToken reports whether tok was issued by the current term of leadership.
	ValidateToken(tok LeaderToken) bool
	// Run blocks until ctx is cancelled.
	Run(ctx *sokovancontext.Context) error
	GetLeaderReport() LeaderReport
	RegisterListener(listener LeaseListener)
}

type LeaderReport struct {
	IsCurrentProcessLeader bool
	LeaderName             string
}

// LeaderToken identifies one term of leadership. A token from an earlier term never validates.
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

func InvalidLeaderToken() LeaderToken {
	return LeaderToken{id: uuid.New()}
}

func NewLeaderToken() LeaderToken {
	return LeaderToken{leader: true, id: uuid.New()}
}

// LeaseListener is told when this instance gains or loses leadership.
type LeaseListener interface {
	onStartedLeading(*sokovancontext.Context)
	onStoppedLeading()
}

// leaseListeners fans leadership changes out to every registered listener.
type leaseListeners struct {
	mu        sync.Mutex
	listeners []LeaseListener
}

func (l *leaseListeners) RegisterListener(listener LeaseListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *leaseListeners) snapshot() []LeaseListener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LeaseListener(nil), l.listeners...)
}

func (l *leaseListeners) started(ctx *sokovancontext.Context) {
	for _, listener := range l.snapshot() {
		listener.onStartedLeading(ctx)
	}
}

func (l *leaseListeners) stopped() {
	for _, listener := range l.snapshot() {
		listener.onStoppedLeading()
	}
}

// StandaloneLeaderController always leads. Use it when a single scheduler instance runs.
type StandaloneLeaderController struct {
	leaseListeners
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{token: NewLeaderToken()}
}

func (lc *StandaloneLeaderController) GetToken() LeaderToken {
	return lc.token
}

func (lc *StandaloneLeaderController) ValidateToken(tok LeaderToken) bool {
	return tok.leader && tok.id == lc.token.id
}

func (lc *StandaloneLeaderController) GetLeaderReport() LeaderReport {
	return LeaderReport{IsCurrentProcessLeader: true, LeaderName: "standalone"}
}

// Run notifies listeners that this instance leads and returns.
func (lc *StandaloneLeaderController) Run(ctx *sokovancontext.Context) error {
	lc.started(ctx)
	return nil
}

// KubernetesLeaderController elects one leader among scheduler replicas through a coordination.k8s.io Lease.
type KubernetesLeaderController struct {
	leaseListeners
	config schedulerconfig.LeaderConfig
	leases coordinationv1client.LeasesGetter
	token  atomic.Pointer[LeaderToken]
	// identity of the replica last seen holding the lease
	holder atomic.Pointer[string]
}

func NewKubernetesLeaderController(config schedulerconfig.LeaderConfig, leases coordinationv1client.LeasesGetter) *KubernetesLeaderController {
	lc := &KubernetesLeaderController{config: config, leases: leases}
	lc.revoke()
	holder := ""
	lc.holder.Store(&holder)
	return lc
}

func (lc *KubernetesLeaderController) GetToken() LeaderToken {
	return *lc.token.Load()
}

func (lc *KubernetesLeaderController) ValidateToken(tok LeaderToken) bool {
	return tok.leader && tok.id == lc.token.Load().id
}

func (lc *KubernetesLeaderController) GetLeaderReport() LeaderReport {
	holder := *lc.holder.Load()
	return LeaderReport{
		IsCurrentProcessLeader: holder != "" && holder == lc.config.PodName,
		LeaderName:             holder,
	}
}

func (lc *KubernetesLeaderController) revoke() {
	tok := InvalidLeaderToken()
	lc.token.Store(&tok)
}

// Run campaigns for the lease until ctx is cancelled. Losing the lease starts a new campaign
// after RetryPeriod. The lease is released on cancellation so a standby can take over at once.
func (lc *KubernetesLeaderController) Run(ctx *sokovancontext.Context) error {
	log := ctx.Log.
		WithField("lease", lc.config.LeaseLockNamespace+"/"+lc.config.LeaseLockName).
		WithField("identity", lc.config.PodName)
	for {
		elector, err := leaderelection.NewLeaderElector(lc.electionConfig(ctx))
		if err != nil {
			return errors.Wrap(err, "invalid leader election configuration")
		}
		log.Info("campaigning for scheduler leadership")
		elector.Run(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lc.config.RetryPeriod):
		}
	}
}

func (lc *KubernetesLeaderController) electionConfig(ctx *sokovancontext.Context) leaderelection.LeaderElectionConfig {
	return leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      lc.config.LeaseLockName,
				Namespace: lc.config.LeaseLockNamespace,
			},
			Client:     lc.leases,
			LockConfig: resourcelock.ResourceLockConfig{Identity: lc.config.PodName},
		},
		Name:            lc.config.LeaseLockName,
		ReleaseOnCancel: true,
		LeaseDuration:   lc.config.LeaseDuration,
		RenewDeadline:   lc.config.RenewDeadline,
		RetryPeriod:     lc.config.RetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(context.Context) {
				ctx.Log.Info("leading scheduler replicas")
				tok := NewLeaderToken()
				lc.token.Store(&tok)
				lc.started(ctx)
			},
			OnStoppedLeading: func() {
				ctx.Log.Info("no longer leading scheduler replicas")
				lc.revoke()
				lc.stopped()
			},
			OnNewLeader: func(identity string) {
				lc.holder.Store(&identity)
			},
		},
	}
}

// NewLeaderController builds the controller selected by config.Mode.
func NewLeaderController(config schedulerconfig.LeaderConfig, leases coordinationv1client.LeasesGetter) (LeaderController, error) {
	switch config.Mode {
	case schedulerconfig.LeaderModeStandalone:
		return NewStandaloneLeaderController(), nil
	case schedulerconfig.LeaderModeKubernetes:
		if leases == nil {
			return nil, errors.New("kubernetes leader election requires a kubernetes client")
		}
		return NewKubernetesLeaderController(config, leases), nil
	default:
		return nil, errors.Errorf("%s is not a valid leader mode", config.Mode)
	}
}
