package database

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
	"github.com/sokovan/sokovan/internal/common/sokovanerrors"
	"github.com/sokovan/sokovan/internal/scheduler/schedulerobjects"
)

const (
	agentsPrefix = "agents"
)

// AgentRegistry holds the latest heartbeat of every agent.
type AgentRegistry interface {
	StoreAgent(ctx *sokovancontext.Context, agent *schedulerobjects.AgentInfo) error
	// GetAgent returns an *sokovanerrors.ErrNotFound if the agent never reported.
	GetAgent(ctx *sokovancontext.Context, agentID string) (*schedulerobjects.AgentInfo, error)
	GetAgents(ctx *sokovancontext.Context) ([]*schedulerobjects.AgentInfo, error)
	RemoveAgent(ctx *sokovancontext.Context, agentID string) error
}

// RedisAgentRegistry stores heartbeats as JSON in a single redis hash keyed by agent id.
type RedisAgentRegistry struct {
	db        redis.UniversalClient
	agentsKey string
}

func NewRedisAgentRegistry(db redis.UniversalClient, schedulerName string) *RedisAgentRegistry {
	return &RedisAgentRegistry{
		db:        db,
		agentsKey: fmt.Sprintf("%s_%s", agentsPrefix, schedulerName),
	}
}

func (r *RedisAgentRegistry) GetAgents(ctx *sokovancontext.Context) ([]*schedulerobjects.AgentInfo, error) {
	result, err := r.db.HGetAll(ctx, r.agentsKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error retrieving agents from redis")
	}
	agents := make([]*schedulerobjects.AgentInfo, 0, len(result))
	for _, v := range result {
		agent := &schedulerobjects.AgentInfo{}
		if err := json.Unmarshal([]byte(v), agent); err != nil {
			return nil, errors.WithStack(err)
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func (r *RedisAgentRegistry) GetAgent(ctx *sokovancontext.Context, agentID string) (*schedulerobjects.AgentInfo, error) {
	v, err := r.db.HGet(ctx, r.agentsKey, agentID).Result()
	if err == redis.Nil {
		return nil, errors.WithStack(&sokovanerrors.ErrNotFound{Type: "agent", Value: agentID})
	} else if err != nil {
		return nil, errors.Wrap(err, "error retrieving agent from redis")
	}
	agent := &schedulerobjects.AgentInfo{}
	if err := json.Unmarshal([]byte(v), agent); err != nil {
		return nil, errors.WithStack(err)
	}
	return agent, nil
}

func (r *RedisAgentRegistry) StoreAgent(ctx *sokovancontext.Context, agent *schedulerobjects.AgentInfo) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return errors.Wrap(err, "error marshalling agent")
	}

	pipe := r.db.TxPipeline()
	pipe.HSet(ctx, r.agentsKey, agent.AgentID, data)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "error storing agent in redis")
	}
	return nil
}

func (r *RedisAgentRegistry) RemoveAgent(ctx *sokovancontext.Context, agentID string) error {
	if err := r.db.HDel(ctx, r.agentsKey, agentID).Err(); err != nil {
		return errors.Wrap(err, "error removing agent from redis")
	}
	return nil
}
