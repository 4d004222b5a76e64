package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateCheckpoint(cfg, ve)
	validateLock(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if a.StepLimit <= 0 {
		ve.Add("agent.step_limit must be > 0")
	}
	if a.Timeout < 0 {
		ve.Add("agent.timeout must be >= 0")
	}
	if a.MaxTokens < 0 {
		ve.Add("agent.max_tokens must be >= 0")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		ve.Add("agent.temperature must be within [0, 2]")
	}
	if a.Trim.Enabled && a.Trim.MaxTokens <= 0 {
		ve.Add("agent.trim.max_tokens must be > 0 when trimming is enabled")
	}
	if a.Summarize.Enabled {
		if a.Summarize.Threshold <= 0 {
			ve.Add("agent.summarize.threshold must be > 0 when summarization is enabled")
		}
		if a.Summarize.KeepRecent <= 0 {
			ve.Add("agent.summarize.keep_recent must be > 0 when summarization is enabled")
		}
		if a.Summarize.KeepRecent >= a.Summarize.Threshold {
			ve.Add("agent.summarize.keep_recent must be < threshold")
		}
	}
}

var validProviderTypes = map[string]bool{
	"openai":  true,
	"bedrock": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		typ := p.Type
		if typ == "" {
			typ = "openai"
		}
		if !validProviderTypes[typ] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, bedrock)", i, p.Type)
		}
		if typ == "openai" && p.APIKey == "" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via CATALOGAGENT_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if typ == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Model == "" {
			ve.Add("llm.providers[%d] (%s): model must not be empty", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	t := cfg.Tools
	if t.Timeout <= 0 {
		ve.Add("tools.timeout must be > 0")
	}
	if t.MaxParallel <= 0 {
		ve.Add("tools.max_parallel must be > 0")
	}
	for name, rl := range t.RateLimits {
		if rl.PerSecond <= 0 {
			ve.Add("tools.rate_limits.%s.per_second must be > 0", name)
		}
		if rl.Burst <= 0 {
			ve.Add("tools.rate_limits.%s.burst must be > 0", name)
		}
	}
	switch t.Catalog.Backend {
	case "none", "":
	case "sqlite":
		if t.Catalog.DSN == "" {
			ve.Add("tools.catalog.dsn is required for the sqlite catalog")
		}
	default:
		ve.Add("tools.catalog.backend %q is invalid (want: sqlite, none)", t.Catalog.Backend)
	}
	if t.Catalog.MaxRows <= 0 {
		ve.Add("tools.catalog.max_rows must be > 0")
	}
	names := make(map[string]bool, len(t.MCP))
	for i, srv := range t.MCP {
		if srv.Name == "" {
			ve.Add("tools.mcp[%d].name must not be empty", i)
		} else if names[srv.Name] {
			ve.Add("tools.mcp[%d].name %q is duplicated", i, srv.Name)
		}
		names[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				ve.Add("tools.mcp[%d] (%s): command is required for stdio", i, srv.Name)
			}
		case "http":
			if srv.URL == "" {
				ve.Add("tools.mcp[%d] (%s): url is required for http", i, srv.Name)
			}
		default:
			ve.Add("tools.mcp[%d].transport %q is invalid (want: stdio, http)", i, srv.Transport)
		}
	}
}

func validateCheckpoint(cfg *Config, ve *ValidationError) {
	c := cfg.Checkpoint
	switch c.Backend {
	case "memory":
	case "file":
		if c.Dir == "" {
			ve.Add("checkpoint.dir is required for the file backend")
		}
	case "sqlite":
		if c.DSN == "" {
			ve.Add("checkpoint.dsn is required for the sqlite backend")
		}
	case "redis":
		validateRedis(c.Redis, "checkpoint.redis", ve)
	default:
		ve.Add("checkpoint.backend %q is invalid (want: memory, file, sqlite, redis)", c.Backend)
	}
}

func validateRedis(r RedisConfig, path string, ve *ValidationError) {
	if r.URL == "" {
		ve.Add("%s.url must not be empty", path)
	} else if u, err := url.Parse(r.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		ve.Add("%s.url %q must be a redis:// or rediss:// URL", path, r.URL)
	}
	if r.TTL < 0 {
		ve.Add("%s.ttl must be >= 0", path)
	}
}

func validateLock(cfg *Config, ve *ValidationError) {
	switch cfg.Lock.Backend {
	case "local":
	case "redis":
		// The holder renews every ttl/3; shorter ttls race the renewal.
		if cfg.Lock.TTL < time.Second {
			ve.Add("lock.ttl must be at least 1s for the redis lock")
		}
		if cfg.Checkpoint.Backend != "redis" {
			validateRedis(cfg.Checkpoint.Redis, "checkpoint.redis", ve)
		}
	default:
		ve.Add("lock.backend %q is invalid (want: local, redis)", cfg.Lock.Backend)
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
	validExporters  = map[string]bool{"noop": true, "stdout": true, "": true}
)

func validateObservability(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
}
