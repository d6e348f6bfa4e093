// Package main implements a mock model server for development and e2e
// testing. It serves OpenAI-compatible /v1/chat/completions responses from
// fixture files, routing by the "model" field in the request, so a full
// dialectic session can run fast, deterministic and offline.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// A fixture file named "mock-thesis.md" answers model "mock-thesis" with the
// file body and finish_reason "stop". A JSON fixture ("mock-thesis.json")
// controls the envelope:
//
//	{"content": "Part one.", "finish_reason": "length", "total_tokens": 512}
//
// Numbered fixtures ("mock-thesis.1.json", "mock-thesis.2.json") are served
// in call order, the last one repeating. A length-capped first fixture
// followed by a stop fixture drives a full continuation chain through the
// worker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fixture is one canned model answer.
type fixture struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	TotalTokens  int    `json:"total_tokens"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// capturedRequest stores the key fields of an incoming request so tests can
// verify what the worker actually sent.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture

	mu       sync.Mutex
	calls    int64
	byModel  map[string]int64
	captured map[string][]capturedRequest
}

func newServer(fixtures map[string][]fixture) *server {
	return &server{
		fixtures: fixtures,
		byModel:  make(map[string]int64),
		captured: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d model(s) from %s", len(fixtures), *fixtureDir)
	for model, seq := range fixtures {
		log.Printf("  model: %s (%d fixture(s))", model, len(seq))
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock model server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// fixtureFilePattern matches "<model>.md", "<model>.json" and the numbered
// forms "<model>.N.md" / "<model>.N.json".
var fixtureFilePattern = regexp.MustCompile(`^(.+?)(?:\.(\d+))?\.(md|json)$`)

// loadFixtures reads the fixture directory into per-model sequences, numbered
// files first in order, the base file last.
func loadFixtures(dir string) (map[string][]fixture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		n   int
		fix fixture
	}
	seqs := make(map[string][]numbered)
	bases := make(map[string]fixture)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fixtureFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		model, numStr, ext := m[1], m[2], m[3]

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", entry.Name(), err)
		}

		fix := fixture{Content: string(data), FinishReason: "stop"}
		if ext == "json" {
			if err := json.Unmarshal(data, &fix); err != nil {
				return nil, fmt.Errorf("parse fixture %s: %w", entry.Name(), err)
			}
			if fix.FinishReason == "" {
				fix.FinishReason = "stop"
			}
		}

		if numStr == "" {
			bases[model] = fix
			continue
		}
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: bad sequence number", entry.Name())
		}
		seqs[model] = append(seqs[model], numbered{n: n, fix: fix})
	}

	out := make(map[string][]fixture)
	for model, seq := range seqs {
		sort.Slice(seq, func(i, j int) bool { return seq[i].n < seq[j].n })
		for _, item := range seq {
			out[model] = append(out[model], item.fix)
		}
		if base, ok := bases[model]; ok {
			out[model] = append(out[model], base)
			delete(bases, model)
		}
	}
	for model, base := range bases {
		out[model] = []fixture{base}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no fixture files in %s", dir)
	}
	return out, nil
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	seq, ok := s.fixtures[req.Model]
	if !ok {
		seq, ok = s.fixtures[strings.TrimPrefix(req.Model, "mock-")]
	}
	if !ok {
		http.Error(w, fmt.Sprintf("no fixture for model %q", req.Model), http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.calls++
	callNum := s.calls
	s.byModel[req.Model]++
	callIndex := int(s.byModel[req.Model]) - 1
	s.captured[req.Model] = append(s.captured[req.Model], capturedRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: callIndex + 1,
		Timestamp: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	fix := seq[len(seq)-1]
	if callIndex < len(seq) {
		fix = seq[callIndex]
	}

	totalTokens := fix.TotalTokens
	if totalTokens == 0 {
		totalTokens = len(fix.Content) / 2
	}

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: fix.Content},
				FinishReason: fix.FinishReason,
			},
		},
		Usage: chatUsage{
			PromptTokens:     totalTokens / 2,
			CompletionTokens: totalTokens - totalTokens/2,
			TotalTokens:      totalTokens,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
	log.Printf("[call %d] model=%s call_index=%d finish=%s bytes=%d",
		callNum, req.Model, callIndex+1, fix.FinishReason, len(fix.Content))
}

// handleModels returns the list of available mock models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var models []modelEntry
	for name := range s.fixtures {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	callsByModel := make(map[string]int64, len(s.byModel))
	for model, count := range s.byModel {
		callsByModel[model] = count
	}
	total := s.calls
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    total,
		"calls_by_model": callsByModel,
	})
}

// handleRequests returns captured requests for test assertions. The optional
// "model" query param filters to one model.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")

	s.mu.Lock()
	var out []capturedRequest
	if model != "" {
		out = append(out, s.captured[model]...)
	} else {
		for _, reqs := range s.captured {
			out = append(out, reqs...)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests": out,
		"count":    len(out),
	})
}
