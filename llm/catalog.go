package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EndpointConfig describes where and how one model is served.
type EndpointConfig struct {
	// Provider selects the API adapter ("anthropic", "openai", "ollama").
	Provider string `json:"provider"`

	// URL is the base URL; empty uses the provider default.
	URL string `json:"url,omitempty"`

	// Model is the provider-side model name.
	Model string `json:"model"`

	// MaxTokens caps completion length for this endpoint. 0 uses the
	// provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Fallbacks lists catalog ids tried in order when this endpoint fails.
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// endpointHealth tracks consecutive failures for one catalog entry.
type endpointHealth struct {
	failureCount int
	circuitOpen  bool
	openedAt     time.Time
}

// HealthConfig configures the per-endpoint circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit blocks an endpoint
	// before it is probed again.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns the circuit breaker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Catalog maps model ids to serving endpoints, with fallback chains and
// per-endpoint circuit breaking. A job payload's model_id resolves here.
type Catalog struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointConfig
	health    map[string]*endpointHealth
	cfg       HealthConfig
	defaultID string
}

// NewCatalog creates a catalog from endpoint configs. defaultID is used when
// a job carries no model id; it may be empty.
func NewCatalog(endpoints map[string]*EndpointConfig, defaultID string) *Catalog {
	return &Catalog{
		endpoints: endpoints,
		health:    make(map[string]*endpointHealth),
		cfg:       DefaultHealthConfig(),
		defaultID: defaultID,
	}
}

// LoadCatalog reads a catalog from a JSON file shaped as
// {"default": "id", "endpoints": {"id": {...}}}.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	var file struct {
		Default   string                     `json:"default"`
		Endpoints map[string]*EndpointConfig `json:"endpoints"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(file.Endpoints) == 0 {
		return nil, fmt.Errorf("model catalog has no endpoints")
	}
	return NewCatalog(file.Endpoints, file.Default), nil
}

// Endpoint returns the config for a model id, or nil when unknown.
func (c *Catalog) Endpoint(id string) *EndpointConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoints[id]
}

// DefaultModelID returns the catalog's default model id.
func (c *Catalog) DefaultModelID() string {
	return c.defaultID
}

// Chain returns the model id followed by its configured fallbacks, skipping
// ids with an open circuit (unless the recovery timeout has elapsed, in
// which case the id is offered once as a probe).
func (c *Catalog) Chain(id string) []string {
	if id == "" {
		id = c.defaultID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpoints[id]
	if ep == nil {
		return nil
	}

	candidates := append([]string{id}, ep.Fallbacks...)
	chain := make([]string, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, candidate := range candidates {
		if seen[candidate] || c.endpoints[candidate] == nil {
			continue
		}
		seen[candidate] = true
		if c.availableLocked(candidate) {
			chain = append(chain, candidate)
		}
	}
	return chain
}

func (c *Catalog) availableLocked(id string) bool {
	h := c.health[id]
	if h == nil || !h.circuitOpen {
		return true
	}
	if time.Since(h.openedAt) >= c.cfg.RecoveryTimeout {
		// Half-open: allow one probe.
		h.circuitOpen = false
		h.failureCount = c.cfg.FailureThreshold - 1
		return true
	}
	return false
}

// MarkSuccess resets the failure state for an endpoint.
func (c *Catalog) MarkSuccess(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.health, id)
}

// MarkFailure records a failed request; enough consecutive failures open
// the circuit.
func (c *Catalog) MarkFailure(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.health[id]
	if h == nil {
		h = &endpointHealth{}
		c.health[id] = h
	}
	h.failureCount++
	if h.failureCount >= c.cfg.FailureThreshold {
		h.circuitOpen = true
		h.openedAt = time.Now()
	}
}

// Available reports whether an endpoint is currently usable.
func (c *Catalog) Available(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableLocked(id)
}
