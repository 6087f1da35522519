package spool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Queue.Capacity)
	assert.Equal(t, 6, cfg.Producer.Iterations)
	assert.Equal(t, int64(500), cfg.Producer.MinFileSize)
	assert.Equal(t, int64(40000), cfg.Producer.MaxFileSize)
	assert.Equal(t, 3*time.Second, cfg.Producer.MaxSleep)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printq.yaml")
	data := `
queue:
  name: /office
  capacity: 8
  probe_interval: 50ms
producer:
  iterations: 3
consumer:
  print_workers: 2
  archive_path: /tmp/printed.msgpack
manager:
  producers: 4
health:
  addr: 127.0.0.1:9400
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/office", cfg.Queue.Name)
	assert.Equal(t, 8, cfg.Queue.Capacity)
	assert.Equal(t, 50*time.Millisecond, cfg.Queue.ProbeInterval)
	assert.Equal(t, "/printq_mutex", cfg.Queue.MutexName, "unset keys keep defaults")
	assert.Equal(t, 3, cfg.Producer.Iterations)
	assert.Equal(t, int64(40000), cfg.Producer.MaxFileSize)
	assert.Equal(t, 2, cfg.Consumer.PrintWorkers)
	assert.Equal(t, "/tmp/printed.msgpack", cfg.Consumer.ArchivePath)
	assert.Equal(t, 4, cfg.Manager.Producers)
	assert.Equal(t, "127.0.0.1:9400", cfg.Health.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [1, 2"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PRINTQ_QUEUE_NAME", "/env")
	t.Setenv("PRINTQ_DIR", "/run/printq")
	t.Setenv("PRINTQ_CAPACITY", "12")
	t.Setenv("PRINTQ_PRODUCERS", "not-a-number")
	t.Setenv("PRINTQ_HEALTH_ADDR", ":9090")
	t.Setenv("PRINTQ_LOG_LEVEL", "trace")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	assert.Equal(t, "/env", cfg.Queue.Name)
	assert.Equal(t, "/run/printq", cfg.Queue.Dir)
	assert.Equal(t, 12, cfg.Queue.Capacity)
	assert.Equal(t, 1, cfg.Manager.Producers, "unparsable value is ignored")
	assert.Equal(t, ":9090", cfg.Health.Addr)
	assert.Equal(t, "trace", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Queue.Name = "" }},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"huge capacity", func(c *Config) { c.Queue.Capacity = maxCapacity + 1 }},
		{"filename max too small", func(c *Config) { c.Queue.FilenameMax = 8 }},
		{"filename max too large", func(c *Config) { c.Queue.FilenameMax = 8192 }},
		{"missing semaphore name", func(c *Config) { c.Queue.FullName = "" }},
		{"duplicate semaphore name", func(c *Config) { c.Queue.FullName = c.Queue.EmptyName }},
		{"zero probe interval", func(c *Config) { c.Queue.ProbeInterval = 0 }},
		{"negative attach timeout", func(c *Config) { c.Queue.AttachTimeout = -time.Second }},
		{"negative iterations", func(c *Config) { c.Producer.Iterations = -1 }},
		{"zero min size", func(c *Config) { c.Producer.MinFileSize = 0 }},
		{"inverted size range", func(c *Config) { c.Producer.MaxFileSize = c.Producer.MinFileSize - 1 }},
		{"negative sleep", func(c *Config) { c.Producer.MaxSleep = -time.Second }},
		{"no print workers", func(c *Config) { c.Consumer.PrintWorkers = 0 }},
		{"negative print rate", func(c *Config) { c.Consumer.PrintRate = -1 }},
		{"no producers", func(c *Config) { c.Manager.Producers = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
