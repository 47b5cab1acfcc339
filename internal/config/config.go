package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the immutable set of paths, budgets and endpoints a cycle runs
// with. Relative paths are resolved against Root by WithRoot.
type Config struct {
	Root            string        `json:"-" yaml:"-"`
	RuntimeDir      string        `json:"runtime_dir" yaml:"runtime_dir"`
	TasksPath       string        `json:"tasks_path" yaml:"tasks_path"`
	RoutingPath     string        `json:"routing_path" yaml:"routing_path"`
	ChangelogPath   string        `json:"changelog_path" yaml:"changelog_path"`
	WorkOrderPath   string        `json:"work_order_path" yaml:"work_order_path"`
	QualityGatePath string        `json:"quality_gate_path" yaml:"quality_gate_path"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`
	MaxOutputTokens int           `json:"max_output_tokens" yaml:"max_output_tokens" validate:"gte=256"`
	LogLevel        string        `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Timeouts        TimeoutConfig `json:"timeouts" yaml:"timeouts"`
	Progress        StoreConfig   `json:"progress" yaml:"progress"`
	Context         ContextRules  `json:"context" yaml:"context"`
	Backends        BackendConfig `json:"backends" yaml:"backends"`

	// Fallback route, filled from the environment by Load.
	ProviderOverride string `json:"-" yaml:"-"`
	ModelOverride    string `json:"-" yaml:"-"`
}

type TimeoutConfig struct {
	ModelSeconds  int `json:"model_seconds" yaml:"model_seconds" validate:"gte=1"`
	OllamaSeconds int `json:"ollama_seconds" yaml:"ollama_seconds" validate:"gte=1"`
	BuildSeconds  int `json:"build_seconds" yaml:"build_seconds" validate:"gte=1"`
}

// StoreConfig selects where the progress record lives. The SQLite database
// also holds cycle history regardless of Backend.
type StoreConfig struct {
	Backend  string `json:"backend" yaml:"backend" validate:"oneof=sqlite json"`
	JSONPath string `json:"json_path" yaml:"json_path"`
	DBPath   string `json:"db_path" yaml:"db_path"`
}

type FileRule struct {
	Path   string `json:"path" yaml:"path"`
	Budget int    `json:"budget" yaml:"budget"`
}

type ContextRules struct {
	RequiredBudget      int        `json:"required_budget" yaml:"required_budget" validate:"gte=1"`
	SharedGlob          string     `json:"shared_glob" yaml:"shared_glob"`
	SharedBudget        int        `json:"shared_budget" yaml:"shared_budget" validate:"gte=1"`
	UIPrefixes          []string   `json:"ui_prefixes" yaml:"ui_prefixes"`
	UITaskIDs           []string   `json:"ui_task_ids" yaml:"ui_task_ids"`
	UIFiles             []FileRule `json:"ui_files" yaml:"ui_files"`
	DesignSystem        FileRule   `json:"design_system" yaml:"design_system"`
	StyleReferences     []FileRule `json:"style_references" yaml:"style_references"`
	APIPrefixes         []string   `json:"api_prefixes" yaml:"api_prefixes"`
	APIFiles            []FileRule `json:"api_files" yaml:"api_files"`
	AlwaysFiles         []FileRule `json:"always_files" yaml:"always_files"`
	WorkOrderBudget     int        `json:"work_order_budget" yaml:"work_order_budget" validate:"gte=0"`
	MissingPatternLimit int        `json:"missing_pattern_limit" yaml:"missing_pattern_limit" validate:"gte=0"`
	SkipDirs            []string   `json:"skip_dirs" yaml:"skip_dirs"`
}

type BackendConfig struct {
	OpenAIBaseURL    string   `json:"openai_base_url" yaml:"openai_base_url"`
	AnthropicBaseURL string   `json:"anthropic_base_url" yaml:"anthropic_base_url"`
	OllamaURL        string   `json:"ollama_url" yaml:"ollama_url"`
	Command          []string `json:"command" yaml:"command"`
}

func Default() Config {
	return Config{
		RuntimeDir:      ".autopatch",
		TasksPath:       "done_criteria.json",
		RoutingPath:     "routing.json",
		ChangelogPath:   "CHANGELOG.md",
		WorkOrderPath:   "WORK_ORDER.md",
		QualityGatePath: "",
		MaxAttempts:     3,
		MaxOutputTokens: 16000,
		LogLevel:        "info",
		Timeouts: TimeoutConfig{
			ModelSeconds:  300,
			OllamaSeconds: 600,
			BuildSeconds:  120,
		},
		Progress: StoreConfig{
			Backend:  "sqlite",
			JSONPath: filepath.Join(".autopatch", "patch_progress.json"),
			DBPath:   filepath.Join(".autopatch", "autopatch.db"),
		},
		Context: ContextRules{
			RequiredBudget: 4000,
			SharedGlob:     "lib/*.js",
			SharedBudget:   3000,
			UIPrefixes:     []string{"page-"},
			UITaskIDs:      []string{"layout-nav", "styling"},
			UIFiles: []FileRule{
				{Path: "app/layout.js", Budget: 3000},
				{Path: "app/globals.css", Budget: 6000},
			},
			DesignSystem: FileRule{Path: "DESIGN_SYSTEM.md", Budget: 8000},
			StyleReferences: []FileRule{
				{Path: "app/page.js", Budget: 3000},
				{Path: "app/approvals/page.js", Budget: 3000},
			},
			APIPrefixes:         []string{"api-"},
			APIFiles:            []FileRule{{Path: "data/workflows.json", Budget: 2000}},
			AlwaysFiles:         []FileRule{{Path: "package.json", Budget: 500}},
			WorkOrderBudget:     8000,
			MissingPatternLimit: 8,
			SkipDirs:            []string{".git", "node_modules", ".next", "__pycache__", ".venv", "venv"},
		},
		Backends: BackendConfig{
			OllamaURL: "http://127.0.0.1:11434",
		},
	}
}

// Load reads an optional config file over the defaults and applies
// environment overrides. The returned Config is always usable: a missing or
// malformed file yields the defaults together with a diagnostic error.
func Load(path string) (Config, error) {
	cfg := Default()
	var loadErr error
	if path != "" {
		loadErr = decodeFile(path, &cfg)
		if loadErr != nil {
			cfg = Default()
		} else if err := validate.Struct(cfg); err != nil {
			cfg = Default()
			loadErr = fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg = applyEnv(cfg)
	return cfg, loadErr
}

var validate = validator.New()

func decodeFile(path string, cfg *Config) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(content), cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return nil
}

func applyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv("AUTOPATCH_PROVIDER")); v != "" {
		cfg.ProviderOverride = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("AUTOPATCH_MODEL")); v != "" {
		cfg.ModelOverride = v
	}
	if v := os.Getenv("AUTOPATCH_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOutputTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AUTOPATCH_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.Fields(os.Getenv("AUTOPATCH_AGENT_CMD")); len(v) > 0 {
		cfg.Backends.Command = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Backends.OllamaURL = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Backends.OpenAIBaseURL = v
	}
	return cfg
}

// WithRoot returns a copy of c whose relative paths are anchored at root.
func (c Config) WithRoot(root string) Config {
	c.Root = root
	c.RuntimeDir = c.abs(c.RuntimeDir)
	c.TasksPath = c.abs(c.TasksPath)
	c.RoutingPath = c.abs(c.RoutingPath)
	c.ChangelogPath = c.abs(c.ChangelogPath)
	c.WorkOrderPath = c.abs(c.WorkOrderPath)
	c.QualityGatePath = c.abs(c.QualityGatePath)
	c.Progress.JSONPath = c.abs(c.Progress.JSONPath)
	c.Progress.DBPath = c.abs(c.Progress.DBPath)
	return c
}

func (c Config) abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Root, path)
}

// Project is the working tree's directory name, used to prefix log files.
func (c Config) Project() string {
	return filepath.Base(c.Root)
}

func (c Config) LogDir() string {
	return filepath.Join(c.RuntimeDir, "logs")
}

func (c Config) ModelTimeout() time.Duration {
	return time.Duration(c.Timeouts.ModelSeconds) * time.Second
}

func (c Config) OllamaTimeout() time.Duration {
	return time.Duration(c.Timeouts.OllamaSeconds) * time.Second
}

func (c Config) BuildTimeout() time.Duration {
	return time.Duration(c.Timeouts.BuildSeconds) * time.Second
}
