package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestFactorySelectsBackend(t *testing.T) {
	f := &Factory{
		Command: []string{"my-agent"},
		Getenv:  envMap(map[string]string{"OPENAI_API_KEY": "sk-test", "ANTHROPIC_API_KEY": "ak-test"}),
	}

	tests := map[string]string{
		"openai":  "openai",
		"codex":   "codex",
		"claude":  "claude",
		"command": "command",
		"ollama":  "ollama",
		"mystery": "ollama",
	}
	for provider, want := range tests {
		t.Run(provider, func(t *testing.T) {
			backend, err := f.New(provider)
			require.NoError(t, err)
			assert.Equal(t, want, backend.Name())
		})
	}
}

func TestFactoryMissingCredentials(t *testing.T) {
	f := &Factory{Getenv: envMap(nil)}

	for _, provider := range []string{"openai", "codex", "claude"} {
		_, err := f.New(provider)
		assert.ErrorIs(t, err, ErrMissingCredentials, provider)
	}

	backend, err := f.New("command")
	require.NoError(t, err)
	_, err = backend.Generate(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestOpenAIGenerate(t *testing.T) {
	var got struct {
		Model               string `json:"model"`
		MaxCompletionTokens int    `json:"max_completion_tokens"`
		Messages            []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"diff --git a/a b/a\n"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer server.Close()

	backend, err := NewOpenAI("openai", "sk-test", server.URL, 5*time.Second)
	require.NoError(t, err)

	out, err := backend.Generate(context.Background(), Request{Model: "gpt-test", System: "sys", Prompt: "do it", MaxTokens: 1234})
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/a b/a\n", out)

	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 1234, got.MaxCompletionTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "sys", got.Messages[0].Content)
	assert.Equal(t, "do it", got.Messages[1].Content)
}

func TestOpenAIServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer server.Close()

	backend, err := NewOpenAI("codex", "sk-test", server.URL, 5*time.Second)
	require.NoError(t, err)
	_, err = backend.Generate(context.Background(), Request{Model: "m", Prompt: "p"})
	assert.Error(t, err)
}

func TestCommandAdapterPipesRequest(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "request.json")
	script := `cat > "$0"; printf 'diff --git a/x b/x\n'`

	adapter := NewCommandAdapter([]string{"sh", "-c", script, reqPath}, 5*time.Second, nil)
	out, err := adapter.Generate(context.Background(), Request{SchemaVersion: 1, TaskID: "api-orders", RepoPath: dir, Prompt: "build it"})
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/x b/x\n", out)

	data, err := os.ReadFile(reqPath)
	require.NoError(t, err)
	var req Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, "api-orders", req.TaskID)
	assert.Equal(t, "build it", req.Prompt)
}

func TestCommandAdapterFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	adapter := NewCommandAdapter([]string{"sh", "-c", "echo nope >&2; exit 4"}, 5*time.Second, nil)
	_, err := adapter.Generate(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)
}

func TestClaudeGenerate(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		System      string  `json:"system"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
		Messages    []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"diff --git a/b b/b\n"}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer server.Close()

	backend, err := NewClaude("ak-test", server.URL, 5*time.Second)
	require.NoError(t, err)

	out, err := backend.Generate(context.Background(), Request{Model: "claude-test", System: "ui rules", Prompt: "style it", MaxTokens: 900})
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/b b/b\n", out)

	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, "ui rules", got.System)
	assert.Equal(t, 900, got.MaxTokens)
	assert.InDelta(t, claudeTemperature, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	require.Len(t, got.Messages[0].Content, 1)
	assert.Equal(t, "style it", got.Messages[0].Content[0].Text)
}

func TestClaudeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer server.Close()

	backend, err := NewClaude("ak-test", server.URL, 5*time.Second)
	require.NoError(t, err)
	_, err = backend.Generate(context.Background(), Request{Model: "nope", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
}

func TestOllamaGenerate(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Options struct {
			NumPredict int `json:"num_predict"`
		} `json:"options"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"diff --git "},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"a/c b/c\n"},"done":true}` + "\n"))
	}))
	defer server.Close()

	out, err := NewOllama(server.URL, 5*time.Second).Generate(context.Background(),
		Request{Model: "llama3", System: "ignored", Prompt: "write it", MaxTokens: 700})
	require.NoError(t, err)
	assert.Equal(t, "diff --git a/c b/c\n", out)

	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, 700, got.Options.NumPredict)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "write it", got.Messages[0].Content)
}

func TestOllamaServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'llama9' not found"}` + "\n"))
	}))
	defer server.Close()

	_, err := NewOllama(server.URL, 5*time.Second).Generate(context.Background(), Request{Model: "llama9", Prompt: "p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
