package agent

import (
	"os"
	"time"

	"autopatch/internal/runner"
)

// Factory builds the backend for a routed provider name.
type Factory struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	OllamaURL        string
	Command          []string
	RemoteTimeout    time.Duration
	OllamaTimeout    time.Duration
	Runner           runner.Runner

	// Getenv reads credentials; nil means os.Getenv.
	Getenv func(string) string
}

// New maps openai and codex to the chat-completions backend, claude to the
// messages backend, command to the external program and anything else to
// the local Ollama server.
func (f *Factory) New(provider string) (Backend, error) {
	getenv := f.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	switch provider {
	case "openai", "codex":
		return NewOpenAI(provider, getenv("OPENAI_API_KEY"), f.OpenAIBaseURL, f.RemoteTimeout)
	case "claude":
		return NewClaude(getenv("ANTHROPIC_API_KEY"), f.AnthropicBaseURL, f.RemoteTimeout)
	case "command":
		return NewCommandAdapter(f.Command, f.RemoteTimeout, f.Runner), nil
	}
	return NewOllama(f.OllamaURL, f.OllamaTimeout), nil
}
