package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func completions(t *testing.T, s *server, model string) chatResponse {
	t.Helper()
	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: "Write the thesis."}},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestLoadFixtures(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-thesis.md", "The thesis.")
	writeFixture(t, dir, "mock-antithesis.1.json", `{"content":"Part one.","finish_reason":"length"}`)
	writeFixture(t, dir, "mock-antithesis.2.json", `{"content":" Part two."}`)
	writeFixture(t, dir, "README.txt", "not a fixture")

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(fixtures["mock-thesis"]) != 1 || fixtures["mock-thesis"][0].Content != "The thesis." {
		t.Fatalf("markdown fixture wrong: %+v", fixtures["mock-thesis"])
	}
	seq := fixtures["mock-antithesis"]
	if len(seq) != 2 {
		t.Fatalf("expected 2 sequential fixtures, got %d", len(seq))
	}
	if seq[0].FinishReason != "length" || seq[1].FinishReason != "stop" {
		t.Fatalf("finish reasons wrong: %+v", seq)
	}
}

func TestChatCompletionsServesFixture(t *testing.T) {
	s := newServer(map[string][]fixture{
		"mock-thesis": {{Content: "The thesis.", FinishReason: "stop", TotalTokens: 42}},
	})

	resp := completions(t, s, "mock-thesis")
	if resp.Choices[0].Message.Content != "The thesis." {
		t.Fatalf("wrong content: %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("wrong finish reason: %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 42 {
		t.Fatalf("wrong token usage: %d", resp.Usage.TotalTokens)
	}
}

func TestSequentialFixturesDriveContinuation(t *testing.T) {
	s := newServer(map[string][]fixture{
		"mock-long": {
			{Content: "Part one.", FinishReason: "length"},
			{Content: " Part two.", FinishReason: "stop"},
		},
	})

	first := completions(t, s, "mock-long")
	if first.Choices[0].FinishReason != "length" {
		t.Fatalf("first call must be length-capped, got %q", first.Choices[0].FinishReason)
	}
	second := completions(t, s, "mock-long")
	if second.Choices[0].Message.Content != " Part two." {
		t.Fatalf("second call must serve the next fixture, got %q", second.Choices[0].Message.Content)
	}
	// Exhausted sequences repeat the last fixture.
	third := completions(t, s, "mock-long")
	if third.Choices[0].Message.Content != " Part two." {
		t.Fatalf("exhausted sequence must repeat, got %q", third.Choices[0].Message.Content)
	}
}

func TestUnknownModelReturns404(t *testing.T) {
	s := newServer(map[string][]fixture{"known": {{Content: "x", FinishReason: "stop"}}})

	body, _ := json.Marshal(chatRequest{Model: "unknown"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleChatCompletions(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown model, got %d", rec.Code)
	}
}

func TestRequestsCapture(t *testing.T) {
	s := newServer(map[string][]fixture{
		"mock-thesis": {{Content: "The thesis.", FinishReason: "stop"}},
	})
	completions(t, s, "mock-thesis")

	req := httptest.NewRequest(http.MethodGet, "/requests?model=mock-thesis", nil)
	rec := httptest.NewRecorder()
	s.handleRequests(rec, req)

	var out struct {
		Requests []capturedRequest `json:"requests"`
		Count    int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 {
		t.Fatalf("expected 1 captured request, got %d", out.Count)
	}
	if out.Requests[0].Messages[0].Content != "Write the thesis." {
		t.Fatalf("prompt not captured: %+v", out.Requests[0])
	}
}

func TestStats(t *testing.T) {
	s := newServer(map[string][]fixture{
		"mock-thesis": {{Content: "x", FinishReason: "stop"}},
	})
	completions(t, s, "mock-thesis")
	completions(t, s, "mock-thesis")

	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var out struct {
		TotalCalls   int64            `json:"total_calls"`
		CallsByModel map[string]int64 `json:"calls_by_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.TotalCalls != 2 || out.CallsByModel["mock-thesis"] != 2 {
		t.Fatalf("stats wrong: %+v", out)
	}
}
