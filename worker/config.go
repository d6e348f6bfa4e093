package worker

import (
	"fmt"
	"reflect"

	"github.com/c360studio/semstreams/component"
)

// workerSchema defines the configuration schema.
var workerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the worker processor component.
type Config struct {
	// StreamName is the JetStream stream carrying job wake-up messages.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for job wake-ups,category:basic,default:DIALECTIC"`

	// ConsumerName is the durable consumer name for job consumption.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name for job consumption,category:basic,default:dialectic-worker"`

	// JobSubject is the subject for queued-job notifications.
	JobSubject string `json:"job_subject" schema:"type:string,description:Subject for queued-job notifications,category:basic,default:dialectic.job.queued"`

	// CatalogPath is the model catalog file resolving model ids to endpoints.
	CatalogPath string `json:"catalog_path" schema:"type:string,description:Model catalog file resolving model ids to endpoints,category:basic,default:configs/models.json"`

	// MaxRetries bounds transient-failure requeues for jobs that carry no
	// retry budget of their own.
	MaxRetries int `json:"max_retries" schema:"type:integer,description:Default retry budget for jobs without one,category:basic,default:3"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:   "DIALECTIC",
		ConsumerName: "dialectic-worker",
		JobSubject:   "dialectic.job.queued",
		CatalogPath:  "configs/models.json",
		MaxRetries:   3,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "job-queue",
					Type:        "jetstream",
					Subject:     "dialectic.job.queued",
					StreamName:  "DIALECTIC",
					Description: "Receive job wake-ups",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "job-wakeups",
					Type:        "jetstream",
					Subject:     "dialectic.job.queued",
					Description: "Re-enqueue jobs and wake parents",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.JobSubject == "" {
		return fmt.Errorf("job_subject is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	return nil
}
