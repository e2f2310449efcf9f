package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all shellmind configuration.
type Config struct {
	// DataDir anchors every relative path below. Defaults to ~/.shellmind.
	DataDir string `yaml:"data_dir"`

	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Agent     AgentConfig     `yaml:"agent"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Execution ExecutionConfig `yaml:"execution"`
	Memory    MemoryConfig    `yaml:"memory"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the step producer.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`

	// MaxToolRounds bounds function-call round trips inside one attempt.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// StoreConfig configures the conversation store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path   string `yaml:"path"`
}

// AgentConfig configures the task execution loop.
type AgentConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// JobsConfig configures background command tracking.
type JobsConfig struct {
	OutputDir string `yaml:"output_dir"`

	// Retention is how long finished commands stay in the registry.
	Retention string `yaml:"retention"`

	// MaxWait caps the seconds a single wait tool call may block.
	MaxWait int `yaml:"max_wait"`
}

// ExecutionConfig configures foreground command execution.
type ExecutionConfig struct {
	Shell          string   `yaml:"shell"`
	DefaultTimeout string   `yaml:"default_timeout"`
	MaxOutputBytes int64    `yaml:"max_output_bytes"`
	WorkingDir     string   `yaml:"working_directory"`
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}

// MemoryConfig configures conversation memory.
type MemoryConfig struct {
	Enabled       bool            `yaml:"enabled"`
	PersistPath   string          `yaml:"persist_path"`
	Collection    string          `yaml:"collection"`
	TopK          int             `yaml:"top_k"`
	MinSimilarity float32         `yaml:"min_similarity"`
	Embedding     EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig configures the embedding function used by memory.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, local
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIModel     string `yaml:"genai_model"`
	CacheSize      int    `yaml:"cache_size"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	// TextfilePath, when set, receives a Prometheus text dump after each run.
	TextfilePath string `yaml:"textfile_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"` // Master toggle - false = no logging
	Level      string          `yaml:"level"`      // debug, info, warn, error
	Format     string          `yaml:"format"`     // json, text
	Categories map[string]bool `yaml:"categories"`
}

// DefaultDataDir returns ~/.shellmind, or .shellmind when no home is known.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".shellmind"
	}
	return filepath.Join(home, ".shellmind")
}

// DefaultConfigPath returns the config file location inside the default data dir.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),

		LLM: LLMConfig{
			Provider:      "gemini",
			Model:         "gemini-2.5-flash",
			Timeout:       "120s",
			MaxToolRounds: 16,
		},

		Store: StoreConfig{
			Driver: "sqlite3",
			Path:   "shellmind.db",
		},

		Agent: AgentConfig{
			MaxAttempts: 3,
		},

		Jobs: JobsConfig{
			OutputDir: "jobs",
			Retention: "1h",
			MaxWait:   600,
		},

		Execution: ExecutionConfig{
			Shell:          "sh",
			DefaultTimeout: "5m",
			MaxOutputBytes: 1 << 20,
			WorkingDir:     ".",
			AllowedEnvVars: []string{"PATH", "HOME", "USER", "SHELL", "LANG", "TERM", "TMPDIR"},
		},

		Memory: MemoryConfig{
			Enabled:       true,
			PersistPath:   "memory",
			Collection:    "conversations",
			TopK:          3,
			MinSimilarity: 0.3,
			Embedding: EmbeddingConfig{
				Provider:       "local",
				OllamaEndpoint: "http://localhost:11434",
				OllamaModel:    "embeddinggemma",
				GenAIModel:     "gemini-embedding-001",
				CacheSize:      512,
			},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults (with env overrides applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("SHELLMIND_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if dir := os.Getenv("SHELLMIND_HOME"); dir != "" {
		c.DataDir = dir
	}
	if path := os.Getenv("SHELLMIND_DB"); path != "" {
		c.Store.Path = path
	}
	if lvl := os.Getenv("SHELLMIND_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
		c.Logging.DebugMode = true
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Memory.Embedding.OllamaEndpoint = host
	}
}

// ResolvePath anchors a relative path at DataDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || p == ":memory:" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// StorePath returns the absolute database path.
func (c *Config) StorePath() string {
	return c.ResolvePath(c.Store.Path)
}

// JobsOutputDir returns the directory receiving background command output.
func (c *Config) JobsOutputDir() string {
	return c.ResolvePath(c.Jobs.OutputDir)
}

// MemoryPersistPath returns the chromem persistence directory, or "" for in-memory.
func (c *Config) MemoryPersistPath() string {
	return c.ResolvePath(c.Memory.PersistPath)
}

// LogsDir returns the directory receiving log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetExecutionTimeout returns the default execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetJobRetention returns how long finished background commands are kept.
func (c *Config) GetJobRetention() time.Duration {
	d, err := time.ParseDuration(c.Jobs.Retention)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetMaxAttempts returns the loop attempt bound, defaulting to 3.
func (c *Config) GetMaxAttempts() int {
	if c.Agent.MaxAttempts <= 0 {
		return 3
	}
	return c.Agent.MaxAttempts
}

// ValidStoreDrivers lists the registered database/sql driver names.
var ValidStoreDrivers = []string{"sqlite3", "sqlite"}

// ValidEmbeddingProviders lists the supported embedding providers.
var ValidEmbeddingProviders = []string{"local", "ollama", "genai"}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	if !contains(ValidStoreDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver %q (valid: %v)", c.Store.Driver, ValidStoreDrivers)
	}
	if c.Memory.Enabled && !contains(ValidEmbeddingProviders, c.Memory.Embedding.Provider) {
		return fmt.Errorf("invalid embedding provider %q (valid: %v)", c.Memory.Embedding.Provider, ValidEmbeddingProviders)
	}
	if c.LLM.Provider != "" && c.LLM.Provider != "gemini" {
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
