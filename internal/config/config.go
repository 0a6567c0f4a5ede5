// Package config loads process settings from the environment and an
// optional YAML file of tunables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

type Config struct {
	DatabaseURL string `yaml:"-"`
	HTTPAddr    string `yaml:"http_addr"`
	Tenant      string `yaml:"tenant"`
	LogLevel    string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Inbox     InboxConfig     `yaml:"inbox"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	AbortPageSize int           `yaml:"abort_page_size"`
	SweepPageSize int           `yaml:"sweep_page_size"`
	JobRetention  time.Duration `yaml:"job_retention"`
}

type WorkerConfig struct {
	Capacity          int           `yaml:"capacity"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
}

type InboxConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	EventsPerSecond float64       `yaml:"events_per_second"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

type WorkflowConfig struct {
	Storages        []string `yaml:"storages"`
	Notify          bool     `yaml:"notify"`
	CreatorPageSize int      `yaml:"creator_page_size"`
}

// Default returns the tunables used when nothing overrides them.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			SweepInterval: 2 * time.Second,
			LeaseTTL:      60 * time.Second,
			AbortPageSize: 1000,
			SweepPageSize: 500,
			JobRetention:  24 * time.Hour,
		},
		Worker: WorkerConfig{
			Capacity:          4,
			LeaseDuration:     30 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			PollInterval:      300 * time.Millisecond,
			MaxAttempts:       3,
		},
		Inbox: InboxConfig{
			PollInterval: time.Second,
			BatchSize:    100,
			RetryDelay:   10 * time.Second,
		},
		Workflow: WorkflowConfig{
			CreatorPageSize: 500,
		},
	}
}

// Load reads .env when present, then the YAML file named by
// ORCHESTRATOR_CONFIG, then the environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("ORCHESTRATOR_CONFIG"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if cfg.DatabaseURL == "" {
		return Config{}, ErrMissingDatabaseURL
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		c.HTTPAddr = addr
	}
	if tenant := os.Getenv("TENANT"); tenant != "" {
		c.Tenant = tenant
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}
