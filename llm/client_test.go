package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider speaks a trivial JSON protocol for tests.
type fakeProvider struct{}

func (fakeProvider) Name() string                { return "fake" }
func (fakeProvider) BuildURL(base string) string { return base }
func (fakeProvider) SetHeaders(_ *http.Request)  {}

func (fakeProvider) BuildRequestBody(model string, messages []Message, _ *float64, _ int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages})
}

func (fakeProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var parsed struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &Response{Content: parsed.Content, Model: model, Usage: TokenUsage{TotalTokens: 7}}, nil
}

func init() {
	RegisterProvider(fakeProvider{})
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func TestClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"content": "generated text"}`))
	}))
	defer srv.Close()

	catalog := NewCatalog(map[string]*EndpointConfig{
		"m1": {Provider: "fake", URL: srv.URL, Model: "m1"},
	}, "m1")
	client := NewClient(catalog, WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{
		ModelID:  "m1",
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "generated text" {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Fatalf("tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestClientFallsBackOnTransientFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"content": "from fallback"}`))
	}))
	defer good.Close()

	catalog := NewCatalog(map[string]*EndpointConfig{
		"bad":  {Provider: "fake", URL: bad.URL, Model: "bad", Fallbacks: []string{"good"}},
		"good": {Provider: "fake", URL: good.URL, Model: "good"},
	}, "bad")
	client := NewClient(catalog, WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{
		ModelID:  "bad",
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from fallback" {
		t.Fatalf("content = %q", resp.Content)
	}
}

func TestClientFatalErrorStopsFallback(t *testing.T) {
	var goodCalls atomic.Int32
	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer unauthorized.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		goodCalls.Add(1)
		w.Write([]byte(`{"content": "should not be reached"}`))
	}))
	defer good.Close()

	catalog := NewCatalog(map[string]*EndpointConfig{
		"auth": {Provider: "fake", URL: unauthorized.URL, Model: "auth", Fallbacks: []string{"good"}},
		"good": {Provider: "fake", URL: good.URL, Model: "good"},
	}, "auth")
	client := NewClient(catalog, WithRetryConfig(fastRetry()))

	_, err := client.Complete(context.Background(), Request{
		ModelID:  "auth",
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if goodCalls.Load() != 0 {
		t.Fatal("fatal errors must not fall through to the next endpoint")
	}
}

func TestClientRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"content": "second attempt"}`))
	}))
	defer srv.Close()

	catalog := NewCatalog(map[string]*EndpointConfig{
		"m1": {Provider: "fake", URL: srv.URL, Model: "m1"},
	}, "m1")
	client := NewClient(catalog, WithRetryConfig(fastRetry()))

	resp, err := client.Complete(context.Background(), Request{
		ModelID:  "m1",
		Messages: []Message{{Role: "user", Content: "go"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "second attempt" {
		t.Fatalf("content = %q", resp.Content)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestClientRequiresMessages(t *testing.T) {
	client := NewClient(NewCatalog(map[string]*EndpointConfig{}, ""))
	if _, err := client.Complete(context.Background(), Request{ModelID: "m1"}); err == nil {
		t.Fatal("expected error for empty message list")
	}
}
