package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 16, cfg.Storage.Partitions)
	assert.Equal(t, ModeEmbedded, cfg.Benchmark.Mode)
	assert.Equal(t, 500000, cfg.Benchmark.CardCount)
	assert.Equal(t, 2, cfg.Benchmark.TransferPct)
	assert.Equal(t, 10*time.Second, cfg.Benchmark.CallTimeout)
	assert.Equal(t, "card_transfer", cfg.Kafka.Topic.Transfer)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
}

func TestLoadConfigFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: redis
  partitions: 4
redis:
  host: cache.local
  port: 6380
benchmark:
  card_count: 1000
  duration: 3s
`), 0o600))

	t.Setenv("CARDLEDGER_BENCHMARK_CONCURRENCY", "7")

	flags := BenchmarkFlags()
	require.NoError(t, flags.Parse([]string{"--card-count=250", "--mode=remote", "--transfer-pct=25"}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Storage.Partitions)
	assert.Equal(t, "cache.local:6380", cfg.Redis.Addr())
	assert.Equal(t, 3*time.Second, cfg.Benchmark.Duration)
	assert.Equal(t, 7, cfg.Benchmark.Concurrency)
	assert.Equal(t, 250, cfg.Benchmark.CardCount)
	assert.Equal(t, ModeRemote, cfg.Benchmark.Mode)
	assert.Equal(t, 25, cfg.Benchmark.TransferPct)
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("CARDLEDGER_STORAGE_DRIVER", "cassandra")
	_, err := LoadConfig("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestMySQLDSN(t *testing.T) {
	c := MySQLConfig{Host: "db", Port: 3306, User: "u", Password: "p", Database: "cards"}
	assert.Equal(t, "u:p@tcp(db:3306)/cards?charset=utf8mb4&parseTime=True&loc=UTC", c.DSN())
}

func TestBenchmarkConfigValidate(t *testing.T) {
	valid := BenchmarkConfig{CardCount: 2, TransferPct: 2, Calls: 10}
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *BenchmarkConfig){
		"one card":      func(c *BenchmarkConfig) { c.CardCount = 1 },
		"pct over 100":  func(c *BenchmarkConfig) { c.TransferPct = 101 },
		"negative pct":  func(c *BenchmarkConfig) { c.TransferPct = -1 },
		"unbounded run": func(c *BenchmarkConfig) { c.Calls, c.Duration = 0, 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	byDuration := valid
	byDuration.Calls = 0
	byDuration.Duration = time.Second
	assert.NoError(t, byDuration.Validate())
}
