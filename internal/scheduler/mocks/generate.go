package schedulermocks

// Mock implementations used by scheduler tests
//go:generate mockgen -destination=./mock_agent_client.go -package=schedulermocks "github.com/sokovan/sokovan/internal/scheduler/agentclient" Client
