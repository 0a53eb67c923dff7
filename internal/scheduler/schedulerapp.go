package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/sokovan/sokovan/internal/common/app"
	dbcommon "github.com/sokovan/sokovan/internal/common/database"
	"github.com/sokovan/sokovan/internal/common/health"
	"github.com/sokovan/sokovan/internal/common/logging"
	"github.com/sokovan/sokovan/internal/common/pulsarutils"
	"github.com/sokovan/sokovan/internal/common/serve"
	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/common/util"
	"github.com/sokovan/sokovan/internal/scheduler/agentclient"
	schedulerconfig "github.com/sokovan/sokovan/internal/scheduler/configuration"
	"github.com/sokovan/sokovan/internal/scheduler/database"
	"github.com/sokovan/sokovan/internal/scheduler/events"
	"github.com/sokovan/sokovan/internal/scheduler/metrics"
)

const healthCheckTimeout = 2 * time.Second

// Run sets up a Scheduler application and runs it until a SIGTERM is received
func Run(config schedulerconfig.Configuration) error {
	if err := logging.Configure(config.Logging); err != nil {
		return errors.WithMessage(err, "error configuring logging")
	}
	ctx := sokovancontext.WithLogField(app.CreateContextWithShutdown(), "scheduler", config.Name)
	g, ctx := sokovancontext.ErrGroup(ctx)
	realClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks, startupCompleteCheck)
	shutdownHttpServer := serve.ServeHttp(uint16(config.Http.Port), mux)
	defer shutdownHttpServer()

	// List of services to run concurrently.
	// Because we want to start services only once all input validation has been completed,
	// we add all services to a slice and start them together at the end of this function.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Storage (postgres or memory) and the agent registry (redis)
	//////////////////////////////////////////////////////////////////////////
	ctx.Log.Infof("Setting up %s storage", config.Storage)
	options := database.Options{AgentHeartbeatTimeout: config.AgentHeartbeatTimeout}
	var repo database.Repository
	switch config.Storage {
	case schedulerconfig.StoragePostgres:
		db, err := dbcommon.OpenPgxPool(config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "error opening connection to postgres")
		}
		defer db.Close()
		healthChecks.Add(health.NewPingChecker("postgres", healthCheckTimeout, db.Ping))
		repo = database.NewPostgresRepository(db, realClock, options)
	case schedulerconfig.StorageMemory:
		memoryRepo, err := database.NewMemoryRepository(realClock, options)
		if err != nil {
			return errors.WithMessage(err, "error creating memory storage")
		}
		repo = memoryRepo
	default:
		return errors.Errorf("%s is not a valid storage", config.Storage)
	}

	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	defer util.CloseResource("redis client", redisClient)
	healthChecks.Add(health.NewPingChecker("redis", healthCheckTimeout, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))
	agentRegistry := database.NewRedisAgentRegistry(redisClient, config.Name)

	//////////////////////////////////////////////////////////////////////////
	// Pulsar
	//////////////////////////////////////////////////////////////////////////
	ctx.Log.Infof("Setting up Pulsar connectivity")
	pulsarClient, err := pulsarutils.NewPulsarClient(&config.Pulsar)
	if err != nil {
		return errors.WithMessage(err, "error creating pulsar client")
	}
	defer pulsarClient.Close()
	newPublisher := func(topic string) (pulsarutils.Publisher, error) {
		publisher, err := pulsarutils.NewPulsarPublisher(pulsarClient, pulsar.ProducerOptions{
			Name:             fmt.Sprintf("sokovan-scheduler-%s-%s", config.Name, uuid.NewString()),
			CompressionType:  config.Pulsar.CompressionType,
			CompressionLevel: config.Pulsar.CompressionLevel,
			BatchingMaxSize:  config.Pulsar.MaxAllowedMessageSize,
			Topic:            topic,
		}, config.Pulsar.MaxAllowedMessageSize, config.Pulsar.SendTimeout)
		if err != nil {
			return nil, err
		}
		return publisher, nil
	}
	eventsPublisher, err := newPublisher(config.Pulsar.LifecycleEventsTopic)
	if err != nil {
		return errors.WithMessage(err, "error creating lifecycle event publisher")
	}
	defer eventsPublisher.Close()
	agentClient := agentclient.NewPulsarClient(config.Pulsar.AgentCommandTopicPrefix, newPublisher, agentRegistry, realClock)
	defer agentClient.Close()

	//////////////////////////////////////////////////////////////////////////
	// Leader Election
	//////////////////////////////////////////////////////////////////////////
	leaderController, err := createLeaderController(config.Leader)
	if err != nil {
		return errors.WithMessage(err, "error creating leader controller")
	}
	services = append(services, func() error { return leaderController.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	schedulerMetrics := metrics.New()
	if !config.Metrics.Disabled {
		leaderStatus := NewLeaderStatusMetricsCollector(config.Leader.PodName)
		leaderController.RegisterListener(leaderStatus)
		prometheus.MustRegister(schedulerMetrics, leaderStatus)
		shutdownMetricServer := serve.ServeMetrics(config.Metrics.Port, prometheus.DefaultGatherer)
		defer shutdownMetricServer()
	}

	//////////////////////////////////////////////////////////////////////////
	// Scheduling
	//////////////////////////////////////////////////////////////////////////
	ctx.Log.Infof("Setting up scheduling loops")
	scheduler := NewScheduler(
		repo,
		agentRegistry,
		agentClient,
		events.NewPulsarPublisher(eventsPublisher),
		leaderController,
		schedulerMetrics,
		realClock,
		config,
	)
	leaderController.RegisterListener(scheduler)
	services = append(services, func() error { return scheduler.Run(ctx) })

	// start all services
	for _, service := range services {
		g.Go(service)
	}

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

func createLeaderController(config schedulerconfig.LeaderConfig) (LeaderController, error) {
	var leases coordinationv1client.LeasesGetter
	if config.Mode == schedulerconfig.LeaderModeKubernetes {
		clusterConfig, err := loadClusterConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "error creating kubernetes client")
		}
		clientSet, err := kubernetes.NewForConfig(clusterConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating kubernetes client")
		}
		leases = clientSet.CoordinationV1()
	}
	log.Infof("Scheduler will run in %s mode", config.Mode)
	return NewLeaderController(config, leases)
}

func loadClusterConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if errors.Is(err, rest.ErrNotInCluster) {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
