package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/sokovan/sokovan/internal/common/config"
	"github.com/sokovan/sokovan/internal/common/logging"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	LeaderModeStandalone = "standalone"
	LeaderModeKubernetes = "kubernetes"
)

type Configuration struct {
	// Name of this scheduler instance, used to namespace shared state in redis
	Name string `validate:"required"`
	// Where sessions, agents and history are stored. Either "postgres" or "memory"
	Storage string `validate:"required,oneof=postgres memory"`
	// Database configuration, used when Storage is "postgres"
	Postgres config.PostgresConfig
	// Redis holds the agent heartbeat registry
	Redis config.RedisConfig
	// General Pulsar configuration
	Pulsar config.PulsarConfig
	// Configuration controlling leader election
	Leader LeaderConfig
	// Configuration controlling metrics
	Metrics MetricsConfig
	Logging logging.Config
	Http    HttpConfig
	// How often every scaling group runs a pass when nothing triggers one
	CyclePeriod time.Duration `validate:"required"`
	// Minimum gap between two passes of a scaling group started by a trigger
	EagerTriggerMinInterval time.Duration `validate:"required"`
	// The maximum time allowed for the schedule step of a pass
	MaxSchedulingDuration time.Duration `validate:"required"`
	// Failed attempts of a step a session may accumulate before it is moved to ERROR
	MaxRetries int `validate:"gte=0"`
	// Timeout of a single agent RPC
	AgentRpcTimeout time.Duration `validate:"required"`
	// Maximum number of agent RPCs in flight per pass
	MaxConcurrentAgentRpcs int `validate:"required,gt=0"`
	// How long after a heartbeat an agent will be considered lost
	AgentHeartbeatTimeout time.Duration `validate:"required"`
	// Used by scaling groups that do not set their own strategy
	DefaultAgentSelectionStrategy schedulerobjects.AgentSelectionStrategy `validate:"required,oneof=concentrated dispersed roundrobin legacy"`
	// Used by scaling groups that do not set their own policy
	DefaultSchedulerPolicy schedulerobjects.SchedulerPolicy `validate:"required,oneof=fifo lifo priority-fifo priority-lifo"`
	// How often the current scaling groups are read back from storage
	ScalingGroupRefreshPeriod time.Duration `validate:"required"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(LeaderConfigValidation, LeaderConfig{})
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return errors.WithMessage(err, "invalid logging configuration")
	}
	if c.Storage == StoragePostgres && len(c.Postgres.Connection) == 0 {
		return errors.New("postgres storage requires Postgres.Connection")
	}
	return nil
}

type MetricsConfig struct {
	// If true, disable metric collection and publishing.
	Disabled bool
	Port     uint16 `validate:"required_unless=Disabled true"`
}

type LeaderConfig struct {
	// Valid modes are "standalone" or "kubernetes"
	Mode string `validate:"required,oneof=standalone kubernetes"`
	// Name of the K8s Lock Object
	LeaseLockName string
	// Namespace of the K8s Lock Object
	LeaseLockNamespace string
	// The name of the pod
	PodName string
	// How long the lease is held for.
	// Non leaders much wait this long before trying to acquire the lease
	LeaseDuration time.Duration
	// RenewDeadline is the duration that the acting leader will retry refreshing leadership before giving up.
	RenewDeadline time.Duration
	// RetryPeriod is the duration the LeaderElector clients should waite between tries of actions.
	RetryPeriod time.Duration
}

// LeaderConfigValidation requires the lease settings when running under kubernetes.
func LeaderConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(LeaderConfig)
	if c.Mode != LeaderModeKubernetes {
		return
	}
	if c.LeaseLockName == "" {
		sl.ReportError(c.LeaseLockName, "LeaseLockName", "LeaseLockName", "required", "")
	}
	if c.LeaseLockNamespace == "" {
		sl.ReportError(c.LeaseLockNamespace, "LeaseLockNamespace", "LeaseLockNamespace", "required", "")
	}
	if c.PodName == "" {
		sl.ReportError(c.PodName, "PodName", "PodName", "required", "")
	}
	if c.LeaseDuration <= c.RenewDeadline {
		sl.ReportError(c.LeaseDuration, "LeaseDuration", "LeaseDuration", "gtfield", "RenewDeadline")
	}
}

type HttpConfig struct {
	Port int `validate:"required"`
}
