package spool

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/printq/internal/logger"
)

// Config is the whole configuration of a printq deployment. Every process of
// one deployment must use the same Queue section.
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Manager  ManagerConfig  `yaml:"manager"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type QueueConfig struct {
	// Name of the shared segment holding the queue.
	Name string `yaml:"name"`
	// Dir overrides the shared-memory directory (default /dev/shm).
	Dir         string `yaml:"dir"`
	Capacity    int    `yaml:"capacity"`
	FilenameMax int    `yaml:"filename_max"`

	MutexName string `yaml:"mutex_name"`
	EmptyName string `yaml:"empty_name"`
	FullName  string `yaml:"full_name"`

	// ProbeInterval is how often a blocked wait checks that the segment and
	// semaphores still exist.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// AttachTimeout is how long Attach keeps retrying while the queue does not exist yet.
	AttachTimeout time.Duration `yaml:"attach_timeout"`
}

type ProducerConfig struct {
	Iterations  int           `yaml:"iterations"`
	MinFileSize int64         `yaml:"min_file_size"`
	MaxFileSize int64         `yaml:"max_file_size"`
	MaxSleep    time.Duration `yaml:"max_sleep"`
}

type ConsumerConfig struct {
	PrintWorkers int `yaml:"print_workers"`
	// PrintRate is the simulated printer speed in bytes per second; zero prints instantly.
	PrintRate int64 `yaml:"print_rate"`
	// ArchivePath, when set, receives every printed job as MessagePack.
	ArchivePath string `yaml:"archive_path"`
}

type ManagerConfig struct {
	Producers int `yaml:"producers"`
}

type HealthConfig struct {
	// Addr serves /live, /ready and /metrics; empty disables it.
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Name:          "/printq",
			Capacity:      5,
			FilenameMax:   64,
			MutexName:     "/printq_mutex",
			EmptyName:     "/printq_empty",
			FullName:      "/printq_full",
			ProbeInterval: 100 * time.Millisecond,
			AttachTimeout: 5 * time.Second,
		},
		Producer: ProducerConfig{
			Iterations:  6,
			MinFileSize: 500,
			MaxFileSize: 40000,
			MaxSleep:    3 * time.Second,
		},
		Consumer: ConsumerConfig{
			PrintWorkers: 1,
			PrintRate:    20000,
		},
		Manager: ManagerConfig{
			Producers: 1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides settings from PRINTQ_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRINTQ_QUEUE_NAME"); v != "" {
		c.Queue.Name = v
	}
	if v := os.Getenv("PRINTQ_DIR"); v != "" {
		c.Queue.Dir = v
	}
	if v := os.Getenv("PRINTQ_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Capacity = n
		}
	}
	if v := os.Getenv("PRINTQ_PRODUCERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Manager.Producers = n
		}
	}
	if v := os.Getenv("PRINTQ_HEALTH_ADDR"); v != "" {
		c.Health.Addr = v
	}
	if v := os.Getenv(logger.EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.Producer.Validate(); err != nil {
		return err
	}
	if c.Consumer.PrintWorkers < 1 {
		return fmt.Errorf("print workers must be at least 1")
	}
	if c.Consumer.PrintRate < 0 {
		return fmt.Errorf("print rate must be non-negative")
	}
	if c.Manager.Producers < 1 {
		return fmt.Errorf("producers must be at least 1")
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// minFilenameMax fits "File-<pid>-<iteration>" for any pid and iteration.
const minFilenameMax = 32

// maxCapacity keeps the segment size well inside a uint32 slot index.
const maxCapacity = 1 << 20

func (c *QueueConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if c.Capacity < 1 || c.Capacity > maxCapacity {
		return fmt.Errorf("queue capacity must be between 1 and %d, got %d", maxCapacity, c.Capacity)
	}
	if c.FilenameMax < minFilenameMax || c.FilenameMax > 4096 {
		return fmt.Errorf("filename max must be between %d and 4096, got %d", minFilenameMax, c.FilenameMax)
	}
	names := map[string]bool{}
	for _, n := range []string{c.MutexName, c.EmptyName, c.FullName} {
		if n == "" {
			return fmt.Errorf("semaphore names are required")
		}
		if names[n] {
			return fmt.Errorf("semaphore name %q used twice", n)
		}
		names[n] = true
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}
	if c.AttachTimeout < 0 {
		return fmt.Errorf("attach timeout must be non-negative")
	}
	return nil
}

func (c *ProducerConfig) Validate() error {
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must be non-negative")
	}
	if c.MinFileSize < 1 || c.MaxFileSize < c.MinFileSize {
		return fmt.Errorf("file size range [%d, %d] is invalid", c.MinFileSize, c.MaxFileSize)
	}
	if c.MaxSleep < 0 {
		return fmt.Errorf("max sleep must be non-negative")
	}
	return nil
}
