package providers

import (
	"testing"

	"github.com/c360studio/dialectic/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider_BuildURL(t *testing.T) {
	p := &OllamaProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses local default",
			baseURL: "",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "custom base URL",
			baseURL: "http://gpu-box:8000/v1",
			want:    "http://gpu-box:8000/v1/chat/completions",
		},
		{
			name:    "full endpoint passes through",
			baseURL: "http://gpu-box:8000/v1/chat/completions",
			want:    "http://gpu-box:8000/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOllamaProvider_BuildRequestBody(t *testing.T) {
	p := &OllamaProvider{}

	body, err := p.BuildRequestBody("llama3", []llm.Message{{Role: "user", Content: "Hello"}}, nil, 0)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"model":"llama3"`)
	assert.NotContains(t, string(body), `"temperature"`)
	assert.NotContains(t, string(body), `"max_tokens"`)
}

func TestOllamaProvider_ParseResponse(t *testing.T) {
	p := &OllamaProvider{}

	body := []byte(`{
		"model": "llama3",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Synthesis draft."}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	resp, err := p.ParseResponse(body, "llama3")
	require.NoError(t, err)

	assert.Equal(t, "Synthesis draft.", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestOllamaProvider_ParseResponse_NoChoices(t *testing.T) {
	p := &OllamaProvider{}

	_, err := p.ParseResponse([]byte(`{"model": "llama3", "choices": []}`), "llama3")
	assert.Error(t, err)
}
