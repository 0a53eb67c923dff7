package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/sokovan/internal/common/config"
	"github.com/sokovan/sokovan/internal/common/logging"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

func validConfig() Configuration {
	return Configuration{
		Name:    "sokovan",
		Storage: StorageMemory,
		Redis:   config.RedisConfig{Addrs: []string{"localhost:6379"}, PoolSize: 10},
		Pulsar: config.PulsarConfig{
			URL:                     "pulsar://localhost:6650",
			LifecycleEventsTopic:    "events",
			AgentCommandTopicPrefix: "agent-commands-",
		},
		Leader:                        LeaderConfig{Mode: LeaderModeStandalone},
		Metrics:                       MetricsConfig{Port: 9000},
		Logging:                       logging.Config{Level: "info", Format: logging.FormatText},
		Http:                          HttpConfig{Port: 8080},
		CyclePeriod:                   time.Second,
		EagerTriggerMinInterval:       100 * time.Millisecond,
		MaxSchedulingDuration:         5 * time.Second,
		MaxRetries:                    3,
		AgentRpcTimeout:               10 * time.Second,
		MaxConcurrentAgentRpcs:        16,
		AgentHeartbeatTimeout:         time.Minute,
		DefaultAgentSelectionStrategy: schedulerobjects.StrategyConcentrated,
		DefaultSchedulerPolicy:        schedulerobjects.PolicyFIFO,
		ScalingGroupRefreshPeriod:     30 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify  func(c *Configuration)
		isValid bool
	}{
		"valid": {
			modify:  func(c *Configuration) {},
			isValid: true,
		},
		"unknown storage": {
			modify:  func(c *Configuration) { c.Storage = "sqlite" },
			isValid: false,
		},
		"postgres without connection": {
			modify:  func(c *Configuration) { c.Storage = StoragePostgres },
			isValid: false,
		},
		"postgres with connection": {
			modify: func(c *Configuration) {
				c.Storage = StoragePostgres
				c.Postgres.Connection = map[string]string{"host": "localhost"}
			},
			isValid: true,
		},
		"unknown policy": {
			modify:  func(c *Configuration) { c.DefaultSchedulerPolicy = "random" },
			isValid: false,
		},
		"unknown strategy": {
			modify:  func(c *Configuration) { c.DefaultAgentSelectionStrategy = "binpack" },
			isValid: false,
		},
		"negative retries": {
			modify:  func(c *Configuration) { c.MaxRetries = -1 },
			isValid: false,
		},
		"zero rpc concurrency": {
			modify:  func(c *Configuration) { c.MaxConcurrentAgentRpcs = 0 },
			isValid: false,
		},
		"bad log level": {
			modify:  func(c *Configuration) { c.Logging.Level = "loud" },
			isValid: false,
		},
		"metrics disabled without port": {
			modify: func(c *Configuration) {
				c.Metrics = MetricsConfig{Disabled: true}
			},
			isValid: true,
		},
		"kubernetes leader without lease": {
			modify:  func(c *Configuration) { c.Leader.Mode = LeaderModeKubernetes },
			isValid: false,
		},
		"kubernetes leader": {
			modify: func(c *Configuration) {
				c.Leader = LeaderConfig{
					Mode:               LeaderModeKubernetes,
					LeaseLockName:      "sokovan-scheduler",
					LeaseLockNamespace: "sokovan",
					PodName:            "scheduler-0",
					LeaseDuration:      15 * time.Second,
					RenewDeadline:      10 * time.Second,
					RetryPeriod:        2 * time.Second,
				}
			},
			isValid: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			tc.modify(&c)
			err := c.Validate()
			if tc.isValid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	var c Configuration
	require.NoError(t, config.LoadConfig(&c, "../../../config/scheduler", nil))
	assert.NoError(t, c.Validate())
	assert.Equal(t, StoragePostgres, c.Storage)
	assert.Equal(t, 10*time.Second, c.CyclePeriod)
	assert.Equal(t, schedulerobjects.PolicyFIFO, c.DefaultSchedulerPolicy)
	assert.Equal(t, "localhost", c.Postgres.Connection["host"])
}
