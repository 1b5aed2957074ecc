// Package config loads engine configuration with the precedence
// defaults < config file < environment. Normalization runs last so every
// consumer sees values already clamped into their legal ranges.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTimeoutSeconds     = 600
	DefaultDispatchTTL        = 24 * time.Hour
	DefaultHistoryPercent     = 60
	DefaultRAGPercent         = 25
	DefaultMCPPercent         = 15
	DefaultPreserveRecent     = 4
	DefaultRAGTopK            = 5
	DefaultMaxSummaryChars    = 2400
	DefaultSnippetChars       = 1200
	DefaultContextWindow      = 16000
	DefaultCompactionTrigger  = 1.0
	DefaultCompactionTarget   = 0.85
	DefaultQueueName          = "studio.default"
	DefaultRAGIndexQueue      = "rag.index"
	DefaultRAGGitQueue        = "rag.git"
	DefaultRAGDriveQueue      = "rag.drive"
	DefaultWorkerConcurrency  = 4
	DefaultWorkspaceRetention = 24 * time.Hour
)

// Config is the full engine runtime configuration.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	WorkspaceRoot             string        `yaml:"workspace_root"`
	WorkspaceRetention        time.Duration `yaml:"workspace_retention"`
	DefaultNodeTimeoutSeconds int           `yaml:"default_node_timeout_seconds"`
	DispatchTTL               time.Duration `yaml:"dispatch_ttl"`

	Queue    QueueConfig    `yaml:"queue"`
	Budget   BudgetConfig   `yaml:"budget"`
	RAG      RAGConfig      `yaml:"rag"`
	Frontier ProviderConfig `yaml:"frontier"`
	Local    ProviderConfig `yaml:"local"`

	// FallbackEnabled permits routing a failed frontier dispatch to the
	// local provider after classification.
	FallbackEnabled bool `yaml:"fallback_enabled"`
}

// QueueConfig names the work queues and the worker pool size.
type QueueConfig struct {
	Default     string `yaml:"default"`
	RAGIndex    string `yaml:"rag_index"`
	RAGGit      string `yaml:"rag_git"`
	RAGDrive    string `yaml:"rag_drive"`
	Concurrency int    `yaml:"concurrency"`
}

// BudgetConfig holds the context budget defaults. Percentages refer to the
// usable share of the model context window.
type BudgetConfig struct {
	HistoryPercent      int     `yaml:"history_percent"`
	RAGPercent          int     `yaml:"rag_percent"`
	MCPPercent          int     `yaml:"mcp_percent"`
	ContextWindowTokens int     `yaml:"context_window_tokens"`
	CompactionTrigger   float64 `yaml:"compaction_trigger"`
	CompactionTarget    float64 `yaml:"compaction_target"`
	PreserveRecentTurns int     `yaml:"preserve_recent_turns"`
	MaxSummaryChars     int     `yaml:"max_summary_chars"`
	SnippetChars        int     `yaml:"snippet_chars"`
}

// RAGConfig holds retrieval defaults.
type RAGConfig struct {
	TopK          int    `yaml:"top_k"`
	EmbeddingURL  string `yaml:"embedding_url"`
	PersistDir    string `yaml:"persist_dir"`
	QueryMaxChars int    `yaml:"query_max_chars"`
}

// ProviderConfig describes one dispatch target.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type loadOptions struct {
	path      string
	envLookup func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

// Option customizes Load, mainly for tests.
type Option func(*loadOptions)

// WithPath sets an explicit config file path.
func WithPath(path string) Option {
	return func(o *loadOptions) { o.path = path }
}

// WithEnvLookup replaces os.LookupEnv.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = fn }
}

// WithFileReader replaces os.ReadFile.
func WithFileReader(fn func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = fn }
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		ListenAddr:  "127.0.0.1:8095",
		MetricsAddr: "127.0.0.1:9095",

		WorkspaceRoot:             "~/.llmctl/workspaces",
		WorkspaceRetention:        DefaultWorkspaceRetention,
		DefaultNodeTimeoutSeconds: DefaultTimeoutSeconds,
		DispatchTTL:               DefaultDispatchTTL,

		Queue: QueueConfig{
			Default:     DefaultQueueName,
			RAGIndex:    DefaultRAGIndexQueue,
			RAGGit:      DefaultRAGGitQueue,
			RAGDrive:    DefaultRAGDriveQueue,
			Concurrency: DefaultWorkerConcurrency,
		},
		Budget: BudgetConfig{
			HistoryPercent:      DefaultHistoryPercent,
			RAGPercent:          DefaultRAGPercent,
			MCPPercent:          DefaultMCPPercent,
			ContextWindowTokens: DefaultContextWindow,
			CompactionTrigger:   DefaultCompactionTrigger,
			CompactionTarget:    DefaultCompactionTarget,
			PreserveRecentTurns: DefaultPreserveRecent,
			MaxSummaryChars:     DefaultMaxSummaryChars,
			SnippetChars:        DefaultSnippetChars,
		},
		RAG: RAGConfig{
			TopK:          DefaultRAGTopK,
			PersistDir:    "~/.llmctl/rag",
			QueryMaxChars: 800,
		},
		Frontier: ProviderConfig{
			Name:  "anthropic",
			Model: "claude-sonnet-4-20250514",
		},
		Local: ProviderConfig{
			Name:    "local",
			Model:   "qwen3-14b",
			BaseURL: "http://localhost:11434",
		},
		FallbackEnabled: true,
	}
}

// Load builds the runtime configuration from defaults, optional YAML file,
// and environment overrides.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()

	if err := applyFile(&cfg, options); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, options.envLookup)
	normalize(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, options loadOptions) error {
	path := options.path
	if path == "" {
		if v, ok := options.envLookup("LLMCTL_CONFIG"); ok {
			path = v
		}
	}
	if path == "" {
		return nil
	}
	data, err := options.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	setString("LLMCTL_ENVIRONMENT", &cfg.Environment)
	setString("LLMCTL_LOG_LEVEL", &cfg.LogLevel)
	setString("LLMCTL_DATABASE_URL", &cfg.DatabaseURL)
	setString("LLMCTL_REDIS_ADDR", &cfg.RedisAddr)
	setString("LLMCTL_LISTEN_ADDR", &cfg.ListenAddr)
	setString("LLMCTL_METRICS_ADDR", &cfg.MetricsAddr)
	setString("LLMCTL_WORKSPACE_ROOT", &cfg.WorkspaceRoot)
	setInt("LLMCTL_NODE_TIMEOUT_SECONDS", &cfg.DefaultNodeTimeoutSeconds)
	setInt("LLMCTL_QUEUE_CONCURRENCY", &cfg.Queue.Concurrency)
	setInt("LLMCTL_BUDGET_HISTORY_PERCENT", &cfg.Budget.HistoryPercent)
	setInt("LLMCTL_BUDGET_RAG_PERCENT", &cfg.Budget.RAGPercent)
	setInt("LLMCTL_BUDGET_MCP_PERCENT", &cfg.Budget.MCPPercent)
	setInt("LLMCTL_CONTEXT_WINDOW_TOKENS", &cfg.Budget.ContextWindowTokens)
	setInt("LLMCTL_RAG_TOP_K", &cfg.RAG.TopK)
	setString("LLMCTL_FRONTIER_MODEL", &cfg.Frontier.Model)
	setString("LLMCTL_FRONTIER_BASE_URL", &cfg.Frontier.BaseURL)
	setString("ANTHROPIC_API_KEY", &cfg.Frontier.APIKey)
	setString("LLMCTL_LOCAL_MODEL", &cfg.Local.Model)
	setString("LLMCTL_LOCAL_BASE_URL", &cfg.Local.BaseURL)
	setBool("LLMCTL_FALLBACK_ENABLED", &cfg.FallbackEnabled)
}

// normalize clamps every tunable into its legal range so downstream packages
// never re-validate.
func normalize(cfg *Config) {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.WorkspaceRoot = expandHome(strings.TrimSpace(cfg.WorkspaceRoot))
	cfg.RAG.PersistDir = expandHome(strings.TrimSpace(cfg.RAG.PersistDir))
	cfg.Frontier.APIKey = strings.TrimSpace(cfg.Frontier.APIKey)
	cfg.Frontier.BaseURL = strings.TrimSpace(cfg.Frontier.BaseURL)
	cfg.Local.BaseURL = strings.TrimSpace(cfg.Local.BaseURL)

	if cfg.DefaultNodeTimeoutSeconds <= 0 {
		cfg.DefaultNodeTimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.DispatchTTL <= 0 {
		cfg.DispatchTTL = DefaultDispatchTTL
	}
	if cfg.WorkspaceRetention <= 0 {
		cfg.WorkspaceRetention = DefaultWorkspaceRetention
	}
	if cfg.Queue.Default == "" {
		cfg.Queue.Default = DefaultQueueName
	}
	if cfg.Queue.RAGIndex == "" {
		cfg.Queue.RAGIndex = DefaultRAGIndexQueue
	}
	if cfg.Queue.RAGGit == "" {
		cfg.Queue.RAGGit = DefaultRAGGitQueue
	}
	if cfg.Queue.RAGDrive == "" {
		cfg.Queue.RAGDrive = DefaultRAGDriveQueue
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = DefaultWorkerConcurrency
	}
	if cfg.Budget.ContextWindowTokens <= 0 {
		cfg.Budget.ContextWindowTokens = DefaultContextWindow
	}
	if cfg.Budget.CompactionTrigger <= 0 || cfg.Budget.CompactionTrigger > 1 {
		cfg.Budget.CompactionTrigger = DefaultCompactionTrigger
	}
	if cfg.Budget.CompactionTarget <= 0 || cfg.Budget.CompactionTarget >= cfg.Budget.CompactionTrigger {
		cfg.Budget.CompactionTarget = DefaultCompactionTarget * cfg.Budget.CompactionTrigger
	}
	if cfg.Budget.PreserveRecentTurns <= 0 {
		cfg.Budget.PreserveRecentTurns = DefaultPreserveRecent
	}
	if cfg.Budget.MaxSummaryChars <= 0 {
		cfg.Budget.MaxSummaryChars = DefaultMaxSummaryChars
	}
	if cfg.Budget.SnippetChars <= 0 {
		cfg.Budget.SnippetChars = DefaultSnippetChars
	}
	if cfg.RAG.TopK <= 0 {
		cfg.RAG.TopK = DefaultRAGTopK
	}
	if cfg.RAG.QueryMaxChars <= 0 {
		cfg.RAG.QueryMaxChars = 800
	}
	if cfg.Frontier.Name == "" {
		cfg.Frontier.Name = "anthropic"
	}
	if cfg.Local.Name == "" {
		cfg.Local.Name = "local"
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
