package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models taskgraph.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Webhooks  []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type EngineConfig struct {
	// LockTimeout bounds a single attempt to take a graph or pattern lock.
	LockTimeout  time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	LockAttempts int           `yaml:"lock_attempts" json:"lock_attempts"`
	// PropagationLimit caps the nodes visited by one health propagation.
	PropagationLimit int `yaml:"propagation_limit" json:"propagation_limit"`
	SubtreeDepth     int `yaml:"subtree_depth" json:"subtree_depth"`
	Parallelism      int `yaml:"parallelism" json:"parallelism"`
}

type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Cron        string `yaml:"cron" json:"cron"`
	HorizonDays int    `yaml:"horizon_days" json:"horizon_days"`
	MaxHorizon  int    `yaml:"max_horizon_days" json:"max_horizon_days"`
	BatchSize   int    `yaml:"batch_size" json:"batch_size"`
}

type HealthConfig struct {
	InProgressPercent int `yaml:"in_progress_percent" json:"in_progress_percent"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("config.engine.lock_timeout must be positive")
	}
	if c.Engine.LockAttempts < 1 {
		return fmt.Errorf("config.engine.lock_attempts must be at least 1")
	}
	if c.Engine.PropagationLimit < 1 {
		return fmt.Errorf("config.engine.propagation_limit must be at least 1")
	}
	if c.Engine.SubtreeDepth < 1 {
		return fmt.Errorf("config.engine.subtree_depth must be at least 1")
	}
	if c.Engine.Parallelism < 1 {
		return fmt.Errorf("config.engine.parallelism must be at least 1")
	}
	if c.Scheduler.HorizonDays < 0 {
		return fmt.Errorf("config.scheduler.horizon_days must not be negative")
	}
	if c.Scheduler.MaxHorizon < c.Scheduler.HorizonDays {
		return fmt.Errorf("config.scheduler.max_horizon_days must be >= horizon_days")
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("config.scheduler.batch_size must be at least 1")
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
			return fmt.Errorf("config.scheduler.cron: %w", err)
		}
	}
	if c.Health.InProgressPercent < 0 || c.Health.InProgressPercent > 100 {
		return fmt.Errorf("config.health.in_progress_percent must be within 0..100")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskgraph.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

engine:
  lock_timeout: 2s
  lock_attempts: 3
  propagation_limit: 500
  subtree_depth: 32
  parallelism: 4

scheduler:
  enabled: true
  cron: "0 * * * *"
  horizon_days: 30
  max_horizon_days: 366
  batch_size: 50

health:
  in_progress_percent: 50

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
