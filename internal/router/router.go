// Package router maps a task id to the backend and model that should
// produce its diff.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
)

const (
	ProviderClaude  = "claude"
	ProviderOpenAI  = "openai"
	ProviderCodex   = "codex"
	ProviderOllama  = "ollama"
	ProviderCommand = "command"

	DefaultClaudeModel = "claude-opus-4-6"
	DefaultOpenAIModel = "gpt-5.2"
	DefaultOllamaModel = "llama3"
)

type Route struct {
	Provider string
	Model    string
}

type Entry struct {
	Provider string
	TaskIDs  []string
}

// Routes keeps task_routing entries in the order they appear in the file.
type Routes []Entry

func (r *Routes) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("task_routing: expected object")
	}
	var out Routes
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var ids []string
		if err := dec.Decode(&ids); err != nil {
			return fmt.Errorf("task_routing %q: %w", key, err)
		}
		out = append(out, Entry{Provider: key, TaskIDs: ids})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}

type Table struct {
	TaskRouting     Routes `json:"task_routing"`
	DefaultProvider string `json:"default_provider"`
	ClaudeModel     string `json:"claude_model"`
	OpenAIModel     string `json:"openai_model"`
	OllamaModel     string `json:"ollama_model"`
}

// ParseTable decodes a routing file, comments and trailing commas allowed.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := json.Unmarshal(jsonc.ToJSON(data), &t); err != nil {
		return Table{}, err
	}
	return t, nil
}

// LoadTable reads the routing file. An absent or malformed file yields the
// empty table; the error is diagnostic only.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Table{}, nil
	}
	if err != nil {
		return Table{}, fmt.Errorf("read routing: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return Table{}, fmt.Errorf("parse routing %s: %w", path, err)
	}
	return t, nil
}

// Fallback carries overrides taken from the environment by the config
// layer. Empty fields defer to the table.
type Fallback struct {
	Provider string
	Model    string
}

type Router struct {
	table    Table
	fallback Fallback
}

func New(table Table, fallback Fallback) *Router {
	return &Router{table: table, fallback: fallback}
}

// Resolve is total: every task id gets a route.
func (r *Router) Resolve(taskID string) Route {
	for _, entry := range r.table.TaskRouting {
		if !slices.Contains(entry.TaskIDs, taskID) {
			continue
		}
		provider := normalize(entry.Provider)
		return Route{Provider: provider, Model: r.modelFor(provider)}
	}

	provider := normalize(firstNonEmpty(r.fallback.Provider, r.table.DefaultProvider, ProviderOpenAI))
	if provider == ProviderClaude {
		return Route{Provider: provider, Model: r.claudeModel()}
	}
	model := firstNonEmpty(r.fallback.Model, r.table.OpenAIModel, DefaultOpenAIModel)
	return Route{Provider: provider, Model: model}
}

func (r *Router) modelFor(provider string) string {
	switch provider {
	case ProviderClaude:
		return r.claudeModel()
	case ProviderOpenAI, ProviderCodex:
		return firstNonEmpty(r.table.OpenAIModel, DefaultOpenAIModel)
	case ProviderOllama:
		return firstNonEmpty(r.table.OllamaModel, DefaultOllamaModel)
	}
	return ""
}

func (r *Router) claudeModel() string {
	return firstNonEmpty(r.table.ClaudeModel, DefaultClaudeModel)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
