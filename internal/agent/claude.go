package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
)

const claudeTemperature = 0.2

type Claude struct {
	apiKey  string
	baseURL string
	timeout time.Duration
}

func NewClaude(apiKey, baseURL string, timeout time.Duration) (*Claude, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY not set", ErrMissingCredentials)
	}
	return &Claude{apiKey: apiKey, baseURL: baseURL, timeout: timeout}, nil
}

func (c *Claude) Name() string {
	return "claude"
}

// Generate sends the system text and prompt as a messages call. The client
// is built per call because the model is chosen per task.
func (c *Claude) Generate(ctx context.Context, req Request) (string, error) {
	opts := []anthropic.Option{anthropic.WithToken(c.apiKey), anthropic.WithModel(req.Model)}
	if c.baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(c.baseURL))
	}
	llm, err := anthropic.New(opts...)
	if err != nil {
		return "", fmt.Errorf("create anthropic client: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, req.System),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt),
	}
	callOpts := []llms.CallOption{llms.WithTemperature(claudeTemperature)}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", fmt.Errorf("anthropic call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anthropic returned no content")
	}
	var text string
	for _, choice := range resp.Choices {
		text += choice.Content
	}
	return text, nil
}
