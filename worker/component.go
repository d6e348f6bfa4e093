// Package worker provides the processor that drains the generation job
// queue. Each wake-up message names a job row; the worker claims it and
// dispatches on job type.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/dialectic/assembler"
	"github.com/c360studio/dialectic/llm"
	_ "github.com/c360studio/dialectic/llm/providers"
	"github.com/c360studio/dialectic/storage"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
)

// Component implements the worker processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	catalog   *llm.Catalog
	decoder   *message.Decoder
	processor *Processor

	// JetStream consumer
	consumer jetstream.Consumer
	stream   jetstream.Stream

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	wakeupsProcessed atomic.Int64
	jobsSucceeded    atomic.Int64
	jobsFailed       atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new worker processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.JobSubject == "" {
		config.JobSubject = defaults.JobSubject
	}
	if config.CatalogPath == "" {
		config.CatalogPath = defaults.CatalogPath
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	catalog, err := llm.LoadCatalog(config.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load model catalog %s: %w", config.CatalogPath, err)
	}

	// A shared registry comes from the host; a standalone component
	// registers its own payloads in a private one.
	registry := deps.PayloadRegistry
	if registry == nil {
		registry = payloadregistry.New()
		if err := RegisterPayloads(registry); err != nil {
			return nil, fmt.Errorf("register payloads: %w", err)
		}
	}

	return &Component{
		name:       "worker",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		catalog:    catalog,
		decoder:    message.NewDecoder(registry),
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized worker",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"job_subject", c.config.JobSubject)
	return nil
}

// Start begins draining the job queue.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}
	c.running = true
	c.startTime = time.Now()
	c.mu.Unlock()

	js, err := c.natsClient.JetStream()
	if err != nil {
		c.rollbackStart(nil)
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(ctx, c.config.StreamName)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     c.config.StreamName,
			Subjects: []string{c.config.JobSubject},
		})
	}
	if err != nil {
		c.rollbackStart(nil)
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}
	c.stream = stream

	store, err := storage.NewStore(ctx, js)
	if err != nil {
		c.rollbackStart(nil)
		return fmt.Errorf("open row storage: %w", err)
	}
	gateway, err := storage.NewGateway(ctx, js, storage.BucketContent)
	if err != nil {
		c.rollbackStart(nil)
		return fmt.Errorf("open content gateway: %w", err)
	}

	client := llm.NewClient(c.catalog, llm.WithLogger(c.logger))
	asm := assembler.New(store, gateway, c.logger)
	c.processor = NewProcessor(store, gateway, client, asm, c, c.logger,
		NewMetrics(prometheus.DefaultRegisterer), c.config.MaxRetries)

	consumerConfig := jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.JobSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       180 * time.Second,
		MaxDeliver:    3,
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerConfig)
	if err != nil {
		c.rollbackStart(nil)
		return fmt.Errorf("create consumer: %w", err)
	}
	c.consumer = consumer

	// Start message consumption
	consumeCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.consumeMessages(consumeCtx)

	c.logger.Info("Worker component started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"job_subject", c.config.JobSubject)

	return nil
}

// rollbackStart reverts the running state when Start() fails partway through.
func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// consumeMessages consumes messages from the JetStream consumer.
func (c *Component) consumeMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}

		if msgs.Error() != nil && ctx.Err() == nil {
			c.logger.Debug("Fetch error", "error", msgs.Error())
		}
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	// Copy cancel function and clear state before releasing lock
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	// Cancel context after releasing lock to avoid potential deadlock
	if cancel != nil {
		cancel()
	}

	c.logger.Info("Worker component stopped",
		"wakeups_processed", c.wakeupsProcessed.Load(),
		"jobs_succeeded", c.jobsSucceeded.Load(),
		"jobs_failed", c.jobsFailed.Load())

	return nil
}

// handleMessage processes one job wake-up message.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	// Check for context cancellation before expensive operations
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	c.wakeupsProcessed.Add(1)
	c.updateLastActivity()

	baseMsg, err := c.decoder.Decode(msg.Data())
	if err != nil {
		c.logger.Error("Failed to decode message", "error", err)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK malformed message", "error", err)
		}
		return
	}

	wakeup, ok := baseMsg.Payload().(*JobQueuedPayload)
	if !ok {
		c.logger.Error("Unexpected payload type on job subject",
			"type", fmt.Sprintf("%T", baseMsg.Payload()))
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}
	if err := wakeup.Validate(); err != nil {
		c.logger.Error("Invalid job wake-up", "error", err)
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	if err := c.processor.Process(ctx, wakeup.JobID); err != nil {
		c.jobsFailed.Add(1)
		c.logger.Error("Failed to process job",
			"job_id", wakeup.JobID,
			"error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	c.jobsSucceeded.Add(1)
	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}
}

// EnqueueJob publishes a wake-up for the given job id. The processor uses it
// to fan out children, chain continuations, and wake parents.
func (c *Component) EnqueueJob(ctx context.Context, jobID string) error {
	payload := &JobQueuedPayload{JobID: jobID, EnqueuedAt: time.Now().UTC()}
	baseMsg := message.NewBaseMessage(JobQueuedType, payload, c.name)

	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal job wake-up: %w", err)
	}
	return c.natsClient.Publish(ctx, c.config.JobSubject, data)
}

// updateLastActivity updates the last activity timestamp.
func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "worker",
		Type:        "processor",
		Description: "Processes generation jobs (PLAN/EXECUTE/RENDER) from the job queue",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return workerSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.jobsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
