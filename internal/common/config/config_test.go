package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/sokovan/internal/scheduler/resources"
)

type testConfig struct {
	Period      time.Duration `validate:"required"`
	Capacity    resources.ResourceSlot
	Unit        resources.Quantity
	Names       []string
	Redis       RedisConfig
	MaxSessions int `validate:"gte=1"`
}

const baseConfig = `
period: 5s
capacity:
  cpu: 4
  mem: 8g
unit: 512m
names: a,b
maxSessions: 3
redis:
  addrs: ["localhost:6379"]
  poolSize: 10
`

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", baseConfig)
	override := writeFile(t, t.TempDir(), "override.yaml", "maxSessions: 7\n")

	var config testConfig
	require.NoError(t, LoadConfig(&config, dir, []string{override}))

	assert.Equal(t, 5*time.Second, config.Period)
	assert.True(t, config.Capacity.Equal(resources.FromInts(map[string]int64{resources.CPU: 4, resources.Memory: 8 << 30})))
	assert.True(t, config.Unit.Equal(resources.QuantityFromInt(512<<20)))
	assert.Equal(t, []string{"a", "b"}, config.Names)
	assert.Equal(t, 7, config.MaxSessions)
	assert.Equal(t, []string{"localhost:6379"}, config.Redis.Addrs)
	assert.NoError(t, Validate(config))
}

func TestLoadConfig_Env(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", baseConfig)
	t.Setenv("SOKOVAN_MAXSESSIONS", "11")

	var config testConfig
	require.NoError(t, LoadConfig(&config, dir, nil))
	assert.Equal(t, 11, config.MaxSessions)
}

func TestLoadConfig_MissingBase(t *testing.T) {
	var config testConfig
	assert.Error(t, LoadConfig(&config, t.TempDir(), nil))
}

func TestValidate(t *testing.T) {
	err := Validate(testConfig{MaxSessions: 0})
	assert.Error(t, err)
	// Must not panic on validator errors or on plain errors.
	LogValidationErrors(err)
	LogValidationErrors(assert.AnError)
	LogValidationErrors(nil)
}

func TestRedisConfig_AsUniversalOptions(t *testing.T) {
	options := RedisConfig{
		Addrs:           []string{"redis:6379"},
		MinRetryBackoff: time.Millisecond,
		MaxRetryBackoff: time.Second,
		PoolSize:        5,
	}.AsUniversalOptions()
	assert.Equal(t, time.Millisecond, options.MinRetryBackoff)
	assert.Equal(t, time.Second, options.MaxRetryBackoff)
	assert.Equal(t, 5, options.PoolSize)
}
