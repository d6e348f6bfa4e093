// Package testutil provides mock implementations for testing model client
// interactions.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/dialectic/llm"
)

// MockClient is a thread-safe mock completion client. It returns configured
// responses in sequence and records every request it receives.
type MockClient struct {
	mu        sync.Mutex
	requests  []llm.Request
	callCount int

	// Responses are returned in sequence; the last one repeats.
	Responses []*llm.Response

	// Err, when set, is returned instead of a response.
	Err error
}

// Complete returns the next configured response or the configured error.
func (m *MockClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	m.callCount++

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Content: "mock response", Model: "mock-model"}, nil
	}

	idx := m.callCount - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// Requests returns a copy of the captured requests.
func (m *MockClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many times Complete was invoked.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}
