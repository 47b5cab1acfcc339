package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Ollama talks to a local inference server. It sends the prompt alone,
// without the role system text.
type Ollama struct {
	serverURL string
	timeout   time.Duration
}

func NewOllama(serverURL string, timeout time.Duration) *Ollama {
	return &Ollama{serverURL: serverURL, timeout: timeout}
}

func (o *Ollama) Name() string {
	return "ollama"
}

func (o *Ollama) Generate(ctx context.Context, req Request) (string, error) {
	opts := []ollama.Option{ollama.WithModel(req.Model)}
	if o.serverURL != "" {
		opts = append(opts, ollama.WithServerURL(o.serverURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return "", fmt.Errorf("create ollama client: %w", err)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	var callOpts []llms.CallOption
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, llm, req.Prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("ollama call failed: %w", err)
	}
	return text, nil
}
