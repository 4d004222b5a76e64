package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "CATALOGAGENT_"

// Config is the top-level application configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Lock       LockConfig       `yaml:"lock"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Audit      AuditConfig      `yaml:"audit"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// AgentConfig holds orchestration engine settings.
type AgentConfig struct {
	StepLimit    int             `yaml:"step_limit"`
	SystemPrompt string          `yaml:"system_prompt"`
	Timeout      time.Duration   `yaml:"timeout"`
	MaxTokens    int             `yaml:"max_tokens"`
	Temperature  float64         `yaml:"temperature"`
	Trim         TrimConfig      `yaml:"trim"`
	Summarize    SummarizeConfig `yaml:"summarize"`
}

// TrimConfig controls token-budget trimming of the history the oracle sees.
type TrimConfig struct {
	Enabled   bool   `yaml:"enabled"`
	MaxTokens int    `yaml:"max_tokens"`
	Encoding  string `yaml:"encoding"` // tiktoken encoding, e.g. "cl100k_base"
}

// SummarizeConfig controls summarisation of older history.
type SummarizeConfig struct {
	Enabled    bool `yaml:"enabled"`
	Threshold  int  `yaml:"threshold"`
	KeepRecent int  `yaml:"keep_recent"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // openai | bedrock
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// ToolsConfig holds tool execution settings.
type ToolsConfig struct {
	Timeout     time.Duration              `yaml:"timeout"`
	MaxParallel int                        `yaml:"max_parallel"`
	RateLimits  map[string]RateLimitConfig `yaml:"rate_limits,omitempty"` // tool name → limit
	Catalog     CatalogConfig              `yaml:"catalog"`
	MCP         []MCPServer                `yaml:"mcp,omitempty"`
}

// MCPServer is a remote tool server whose tools are offered to the oracle
// next to the catalog tools.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio | http
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Include   []string          `yaml:"include,omitempty"` // tool names to expose; empty means all
}

// RateLimitConfig is a token-bucket limit for one tool.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// CatalogConfig selects the backend queried by the catalog tools.
type CatalogConfig struct {
	Backend string `yaml:"backend"` // sqlite | none
	DSN     string `yaml:"dsn"`
	MaxRows int    `yaml:"max_rows"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Backend string      `yaml:"backend"` // memory | file | sqlite | redis
	Dir     string      `yaml:"dir"`
	DSN     string      `yaml:"dsn"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings shared by the checkpoint store and locker.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"` // 0 keeps checkpoints forever
}

// LockConfig selects the per-thread lock implementation.
type LockConfig struct {
	Backend string        `yaml:"backend"` // local | redis
	TTL     time.Duration `yaml:"ttl"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AuditConfig enables the JSONL audit trail of runs and tool calls.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"` // entries older than this are pruned at startup; 0 keeps all
}

// defaultDataDir returns the persistent data directory under $HOME/.catalogagent/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".catalogagent", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Agent: AgentConfig{
			StepLimit:    25,
			SystemPrompt: "You are a data catalog assistant. Use the tools to find datasets and answer questions about them.",
			Timeout:      120 * time.Second,
			MaxTokens:    4096,
			Trim: TrimConfig{
				Enabled:   false,
				MaxTokens: 16000,
				Encoding:  "cl100k_base",
			},
			Summarize: SummarizeConfig{
				Enabled:    false,
				Threshold:  40,
				KeepRecent: 10,
			},
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			Timeout:     30 * time.Second,
			MaxParallel: 4,
			Catalog: CatalogConfig{
				Backend: "none",
				MaxRows: 200,
			},
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     filepath.Join(dataDir, "checkpoints"),
			DSN:     filepath.Join(dataDir, "checkpoints.db"),
			Redis: RedisConfig{
				URL:    "redis://localhost:6379/0",
				Prefix: "catalogagent:",
			},
		},
		Lock: LockConfig{
			Backend: "local",
			TTL:     5 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "catalog-agent",
			SampleRatio: 1,
		},
		Audit: AuditConfig{
			Path: filepath.Join(dataDir, "audit.jsonl"),
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts secrets
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		return finish(cfg)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file takes precedence over everything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(envPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CATALOGAGENT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	setPositiveInt := func(name string, dst *int) {
		if n, err := strconv.Atoi(os.Getenv(envPrefix + name)); err == nil && n > 0 {
			*dst = n
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if d, err := time.ParseDuration(os.Getenv(envPrefix + name)); err == nil && d > 0 {
			*dst = d
		}
	}
	setBool := func(name string, dst *bool) {
		if b, err := strconv.ParseBool(os.Getenv(envPrefix + name)); err == nil {
			*dst = b
		}
	}

	setPositiveInt("AGENT_STEP_LIMIT", &cfg.Agent.StepLimit)
	setString("AGENT_SYSTEM_PROMPT", &cfg.Agent.SystemPrompt)
	setDuration("AGENT_TIMEOUT", &cfg.Agent.Timeout)
	setBool("AGENT_TRIM_ENABLED", &cfg.Agent.Trim.Enabled)
	setBool("AGENT_SUMMARIZE_ENABLED", &cfg.Agent.Summarize.Enabled)

	setString("LLM_DEFAULT_PROVIDER", &cfg.LLM.DefaultProvider)
	setBool("LLM_CIRCUIT_BREAKER_ENABLED", &cfg.LLM.CircuitBreaker.Enabled)

	setDuration("TOOLS_TIMEOUT", &cfg.Tools.Timeout)
	setPositiveInt("TOOLS_MAX_PARALLEL", &cfg.Tools.MaxParallel)
	setString("TOOLS_CATALOG_BACKEND", &cfg.Tools.Catalog.Backend)
	setString("TOOLS_CATALOG_DSN", &cfg.Tools.Catalog.DSN)

	setString("CHECKPOINT_BACKEND", &cfg.Checkpoint.Backend)
	setString("CHECKPOINT_DIR", &cfg.Checkpoint.Dir)
	setString("CHECKPOINT_DSN", &cfg.Checkpoint.DSN)
	setString("REDIS_URL", &cfg.Checkpoint.Redis.URL)
	setString("REDIS_PASSWORD", &cfg.Checkpoint.Redis.Password)
	setString("REDIS_PREFIX", &cfg.Checkpoint.Redis.Prefix)
	setDuration("REDIS_TTL", &cfg.Checkpoint.Redis.TTL)

	setString("LOCK_BACKEND", &cfg.Lock.Backend)
	setDuration("LOCK_TTL", &cfg.Lock.TTL)

	setString("LOGGER_LEVEL", &cfg.Logger.Level)
	setString("LOGGER_FORMAT", &cfg.Logger.Format)
	setString("LOGGER_OUTPUT", &cfg.Logger.Output)

	setBool("TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("TRACER_EXPORTER", &cfg.Tracer.Exporter)

	setBool("AUDIT_ENABLED", &cfg.Audit.Enabled)
	setString("AUDIT_PATH", &cfg.Audit.Path)

	// Per-provider API key overrides: CATALOGAGENT_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		name := strings.ToUpper(strings.ReplaceAll(cfg.LLM.Providers[i].Name, "-", "_"))
		setString("LLM_PROVIDER_"+name+"_API_KEY", &cfg.LLM.Providers[i].APIKey)
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
