// Package config provides configuration loading and management for the
// dialectic engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	API     APIConfig     `yaml:"api"`
	Worker  WorkerConfig  `yaml:"worker"`
	Models  ModelsConfig  `yaml:"models"`
	Prompts PromptsConfig `yaml:"prompts"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// APIConfig configures the HTTP API server
type APIConfig struct {
	// Addr is the listen address for the HTTP API (empty = disabled)
	Addr string `yaml:"addr"`
}

// WorkerConfig configures the job queue worker
type WorkerConfig struct {
	// StreamName is the JetStream stream carrying job wake-ups
	StreamName string `yaml:"stream_name"`
	// ConsumerName is the durable consumer name
	ConsumerName string `yaml:"consumer_name"`
	// JobSubject is the subject for queued-job notifications
	JobSubject string `yaml:"job_subject"`
	// MaxRetries bounds transient-failure requeues per job
	MaxRetries int `yaml:"max_retries"`
}

// ModelsConfig configures model catalog resolution
type ModelsConfig struct {
	// CatalogPath is the JSON catalog mapping model ids to endpoints
	CatalogPath string `yaml:"catalog_path"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
}

// PromptsConfig configures the prompt template watcher
type PromptsConfig struct {
	// Dir is the directory holding prompt template files
	Dir string `yaml:"dir"`
	// Patterns selects template files relative to Dir
	Patterns []string `yaml:"patterns"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		API: APIConfig{
			Addr: ":8090",
		},
		Worker: WorkerConfig{
			StreamName:   "DIALECTIC",
			ConsumerName: "dialectic-worker",
			JobSubject:   "dialectic.job.queued",
			MaxRetries:   3,
		},
		Models: ModelsConfig{
			CatalogPath: "configs/models.json",
			Timeout:     3 * time.Minute,
		},
		Prompts: PromptsConfig{
			Dir:      "prompts",
			Patterns: []string{"**/*.md"},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Worker.StreamName == "" {
		return fmt.Errorf("worker.stream_name is required")
	}
	if c.Worker.ConsumerName == "" {
		return fmt.Errorf("worker.consumer_name is required")
	}
	if c.Worker.JobSubject == "" {
		return fmt.Errorf("worker.job_subject is required")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries cannot be negative")
	}
	if c.Models.CatalogPath == "" {
		return fmt.Errorf("models.catalog_path is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// API
	if other.API.Addr != "" {
		c.API.Addr = other.API.Addr
	}

	// Worker
	if other.Worker.StreamName != "" {
		c.Worker.StreamName = other.Worker.StreamName
	}
	if other.Worker.ConsumerName != "" {
		c.Worker.ConsumerName = other.Worker.ConsumerName
	}
	if other.Worker.JobSubject != "" {
		c.Worker.JobSubject = other.Worker.JobSubject
	}
	if other.Worker.MaxRetries != 0 {
		c.Worker.MaxRetries = other.Worker.MaxRetries
	}

	// Models
	if other.Models.CatalogPath != "" {
		c.Models.CatalogPath = other.Models.CatalogPath
	}
	if other.Models.Timeout != 0 {
		c.Models.Timeout = other.Models.Timeout
	}

	// Prompts
	if other.Prompts.Dir != "" {
		c.Prompts.Dir = other.Prompts.Dir
	}
	if len(other.Prompts.Patterns) > 0 {
		c.Prompts.Patterns = other.Prompts.Patterns
	}
}
