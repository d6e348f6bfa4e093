package providers

import (
	"testing"

	"github.com/c360studio/dialectic/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "https://api.anthropic.com/v1/messages",
		},
		{
			name:    "custom base URL",
			baseURL: "https://custom.api.com",
			want:    "https://custom.api.com/v1/messages",
		},
		{
			name:    "trailing slash handled",
			baseURL: "https://api.anthropic.com/",
			want:    "https://api.anthropic.com/v1/messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}

	messages := []llm.Message{
		{Role: "system", Content: "You are a dialectic critic."},
		{Role: "user", Content: "Critique this thesis."},
	}

	temp := 0.7
	body, err := p.BuildRequestBody("claude-3-opus", messages, &temp, 2048)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"system":"You are a dialectic critic."`)
	assert.Contains(t, string(body), `"model":"claude-3-opus"`)
	assert.Contains(t, string(body), `"max_tokens":2048`)
	assert.NotContains(t, string(body), `"role":"system"`)
	assert.Contains(t, string(body), `"role":"user"`)
}

func TestAnthropicProvider_BuildRequestBody_DefaultMaxTokens(t *testing.T) {
	p := &AnthropicProvider{}

	body, err := p.BuildRequestBody("claude-3-haiku", []llm.Message{{Role: "user", Content: "Hi"}}, nil, 0)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"max_tokens":4096`)
	assert.NotContains(t, string(body), `"temperature"`)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}

	body := []byte(`{
		"id": "msg_01",
		"type": "message",
		"role": "assistant",
		"content": [{"type": "text", "text": "The antithesis follows."}],
		"model": "claude-3-opus",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 120, "output_tokens": 45}
	}`)

	resp, err := p.ParseResponse(body, "claude-3-opus")
	require.NoError(t, err)

	assert.Equal(t, "The antithesis follows.", resp.Content)
	assert.Equal(t, "claude-3-opus", resp.Model)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, 45, resp.Usage.CompletionTokens)
	assert.Equal(t, 165, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
}

func TestAnthropicProvider_ParseResponse_MultipleTextBlocks(t *testing.T) {
	p := &AnthropicProvider{}

	body := []byte(`{
		"content": [
			{"type": "text", "text": "Part one. "},
			{"type": "tool_use", "text": "ignored"},
			{"type": "text", "text": "Part two."}
		],
		"model": "claude-3-opus",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 1, "output_tokens": 2}
	}`)

	resp, err := p.ParseResponse(body, "claude-3-opus")
	require.NoError(t, err)
	assert.Equal(t, "Part one. Part two.", resp.Content)
}
